// Package mem is an in-process transport using net.Pipe. Useful for tests
// and single-process demos.
package mem

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

type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
		case <-l.closeCh:
		}
		_ = l.Close()
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		// closed listener, reject anything still parked in the backlog
		for {
			select {
			case s := <-l.newCh:
				_ = s.Close()
			default:
				t.mu.Unlock()
				return
			}
		}
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.mu.Lock()
	l := t.listeners[name]
	if l == nil {
		t.mu.Unlock()
		return nil, errors.New("mem: no such listener")
	}
	select {
	case <-l.closeCh:
		t.mu.Unlock()
		return nil, errors.New("mem: listener closed")
	default:
	}
	c1, c2 := net.Pipe()
	srv := newSession(c1, transport.PeerInfo{ID: peer.ID, Addr: name})
	cli := newSession(c2, peer)
	select {
	case l.newCh <- srv:
		t.mu.Unlock()
	default:
		t.mu.Unlock()
		_ = srv.Close()
		_ = cli.Close()
		return nil, errors.New("mem: listener backlog full")
	}
	go func() { <-ctx.Done(); _ = cli.Close() }()
	return cli, nil
}

type listener struct {
	name    string
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("mem listener closed")
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
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

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
func (s *session) TransportKind() transport.Kind { return transport.KindMem }
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
