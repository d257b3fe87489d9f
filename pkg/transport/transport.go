package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Kind identifies the transport/link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindWinPipe
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindWinPipe:
		return "winpipe"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// PeerID is an opaque stable peer identity.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// TempPeerID builds a peer id from transport kind and remote address, used
// when the peer has not announced a name yet.
func TempPeerID(kind Kind, addr net.Addr) PeerID {
	if addr == nil {
		return PeerID(fmt.Sprintf("temp:%s:unknown", kind))
	}
	return PeerID(fmt.Sprintf("temp:%s:%s", kind, addr.String()))
}

// Session represents one established connection to a peer. Exactly one reader
// goroutine is expected; SendFrame is safe for concurrent use.
type Session interface {
	Peer() PeerInfo
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// SendFrame writes one length-prefixed frame.
	SendFrame([]byte) error
	// RecvFrame blocks until the next complete frame arrives and returns its
	// payload bytes. A closed connection surfaces as an error.
	RecvFrame() ([]byte, error)

	// EstablishedAt reports when the session was established; LastSeen the
	// time of the most recent successful send or receive.
	EstablishedAt() time.Time
	LastSeen() time.Time

	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound sessions on address (transport-specific
	// format). A bind failure is returned immediately and is not retried.
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound session to a peer/address.
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
