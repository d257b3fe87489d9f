//go:build windows

// Package winpipe implements the transport over Windows named pipes.
package winpipe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Microsoft/go-winio"

	"relink/pkg/protocol"
	"relink/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	wl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go wl.acceptLoop()
	go func() { <-ctx.Done(); _ = wl.Close() }()
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string, peer transport.PeerInfo) (transport.Session, error) {
	conn, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	s := newSession(conn, peer)
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
		return nil, errors.New("winpipe listener closed")
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
			ID:   transport.TempPeerID(transport.KindWinPipe, c.RemoteAddr()),
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
func (s *session) TransportKind() transport.Kind { return transport.KindWinPipe }
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
