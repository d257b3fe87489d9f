package reliable

import (
	"relink/pkg/transport"
	"relink/pkg/transport/mem"
	tquic "relink/pkg/transport/quic"
	ttcp "relink/pkg/transport/tcp"
)

// NewTransportByKind constructs a Transport by string kind.
func NewTransportByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return ttcp.New(), nil
	case "quic", "h3", "http3":
		return tquic.New(), nil
	case "mem", "inproc", "shared":
		return mem.New(), nil
	case "winpipe", "pipe":
		return newWinPipeTransport()
	default:
		return nil, ErrUnknownKind(kind)
	}
}

// Basic typed error for unknown kinds
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
