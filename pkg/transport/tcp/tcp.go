// Package tcp implements the primary stream transport: TCP connections
// carrying big-endian length-prefixed frames.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"relink/pkg/protocol"
	"relink/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() { <-ctx.Done(); _ = tl.Close() }()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	s := newSession(c, peer)
	go func() { <-ctx.Done(); _ = s.Close() }()
	return s, nil
}

type listener struct {
	l       net.Listener
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("tcp listener closed")
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		peer := transport.PeerInfo{
			ID:   transport.TempPeerID(transport.KindTCP, c.RemoteAddr()),
			Addr: c.RemoteAddr().String(),
		}
		s := newSession(c, peer)
		select {
		case l.newCh <- s:
		default:
			_ = s.Close()
		}
	}
}

type session struct {
	mu   sync.Mutex
	peer transport.PeerInfo
	c    net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	establishedAt time.Time
	lastSeen      time.Time
}

func newSession(c net.Conn, peer transport.PeerInfo) *session {
	return &session{
		peer:          peer,
		c:             c,
		br:            bufio.NewReader(c),
		bw:            bufio.NewWriter(c),
		establishedAt: time.Now(),
	}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindTCP }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }
func (s *session) EstablishedAt() time.Time      { return s.establishedAt }
func (s *session) Close() error                  { return s.c.Close() }

func (s *session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *session) SendFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := protocol.WriteFrame(s.bw, b); err != nil {
		return err
	}
	s.lastSeen = time.Now()
	return nil
}

func (s *session) RecvFrame() ([]byte, error) {
	buf, err := protocol.ReadFrame(s.br)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return buf, nil
}
