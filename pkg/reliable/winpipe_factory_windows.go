//go:build windows

package reliable

import (
	"relink/pkg/transport"
	"relink/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }
