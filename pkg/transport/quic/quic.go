// Package quic implements the transport over QUIC. Each session uses one
// bidirectional stream (opened by the dialer, accepted by the listener)
// carrying the same length-prefixed framing as the tcp transport.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"relink/pkg/protocol"
	"relink/pkg/transport"
)

const alpnProto = "relink"

type Transport struct {
	quicConf *quicgo.Config

	// Ephemeral self-signed certificate for the server side, generated on
	// the first Listen. Identity is not verified at the transport layer.
	certOnce sync.Once
	cert     tls.Certificate
	certErr  error
}

func New() *Transport {
	return &Transport{quicConf: &quicgo.Config{}}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) serverTLS() (*tls.Config, error) {
	t.certOnce.Do(func() { t.cert, t.certErr = selfSignedCert() })
	if t.certErr != nil {
		return nil, t.certErr
	}
	return &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	tlsConf, err := t.serverTLS()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	l, err := quicgo.ListenAddr(address, tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // transport-level identity is not part of the protocol
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "open stream failed")
		return nil, err
	}
	s := newSession(c, st, peer)
	go func() { <-ctx.Done(); _ = s.Close() }()
	return s, nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("quic listener closed")
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

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		st, err := c.AcceptStream(ctx)
		if err != nil {
			_ = c.CloseWithError(0, "accept stream failed")
			continue
		}
		peer := transport.PeerInfo{
			ID:   transport.TempPeerID(transport.KindQUIC, c.RemoteAddr()),
			Addr: c.RemoteAddr().String(),
		}
		s := newSession(c, st, peer)
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
	c    quicgo.Connection
	st   quicgo.Stream
	br   *bufio.Reader
	bw   *bufio.Writer

	establishedAt time.Time
	lastSeen      time.Time
}

func newSession(c quicgo.Connection, st quicgo.Stream, peer transport.PeerInfo) *session {
	return &session{
		peer:          peer,
		c:             c,
		st:            st,
		br:            bufio.NewReader(st),
		bw:            bufio.NewWriter(st),
		establishedAt: time.Now(),
	}
}

func (s *session) Peer() transport.PeerInfo      { return s.peer }
func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }
func (s *session) EstablishedAt() time.Time      { return s.establishedAt }

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

func (s *session) Close() error {
	_ = s.st.Close()
	return s.c.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
