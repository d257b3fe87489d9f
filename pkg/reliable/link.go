package reliable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"relink/pkg/config"
	"relink/pkg/protocol"
	"relink/pkg/protocol/codec"
	"relink/pkg/transport"
)

// Role decides which side of the link this endpoint plays.
type Role string

const (
	// RoleInitiator dials out and re-dials with backoff when the session drops.
	RoleInitiator Role = "initiator"
	// RoleAcceptor listens and adopts the most recently accepted session.
	RoleAcceptor Role = "acceptor"
)

var (
	// ErrNotConnected reports that no live session exists right now.
	ErrNotConnected = errors.New("link not connected")
	// ErrAckTimeout reports that a message spent its whole retry budget
	// without being acknowledged.
	ErrAckTimeout = errors.New("no acknowledgment before retry budget ran out")
	// ErrClosed reports use of a link after Shutdown.
	ErrClosed = errors.New("link closed")

	errReplaced      = errors.New("session replaced by newer inbound connection")
	errUnresponsive  = errors.New("peer unresponsive past liveness timeout")
	errDialExhausted = errors.New("connect attempts exhausted")
)

// Handler receives each application message exactly once per dedupe window.
// It runs on the receive goroutine, so it must not block for long.
type Handler func(msg *protocol.Message, peer transport.PeerInfo)

// Options configures a Link. Zero fields fall back to the package defaults.
type Options struct {
	Role      Role
	Transport transport.Transport
	// Address is the listen address (acceptor) or dial address (initiator).
	Address string
	// Name identifies this endpoint in outgoing messages.
	Name  string
	Codec codec.Codec

	AckTimeout        time.Duration // default 5s
	MaxRetries        int           // retransmissions per message, default 3
	HeartbeatInterval time.Duration // default 10s, negative disables
	LivenessTimeout   time.Duration // zero disables
	DedupeWindow      time.Duration // default 60s

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration
	// DialMaxAttempts bounds one connect sequence. After that many failed
	// dials the initiator parks until a send nudges it awake. Zero means
	// the default of 3; negative means keep dialing forever.
	DialMaxAttempts int
}

func (o *Options) applyDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 3
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.DedupeWindow == 0 {
		o.DedupeWindow = time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.DialMaxAttempts == 0 {
		o.DialMaxAttempts = 3
	}
	if o.Name == "" {
		o.Name = "endpoint-1"
	}
	if o.Codec == nil {
		o.Codec, _ = codec.ByName("json")
	}
}

// Link is a reliable message channel to one peer over a frame transport.
// Start establishes (or awaits) the session and keeps it alive; Send blocks
// until the peer acknowledges or the retry budget is spent.
type Link struct {
	opts  Options
	tr    transport.Transport
	codec codec.Codec

	mu       sync.Mutex
	cur      *sessionHandle
	listener transport.Listener
	started  bool

	handler     Handler
	reconnectCh chan struct{}

	nextID   atomic.Uint64
	lastRecv atomic.Int64 // unix nanos of the last inbound frame
	pending  *pendingTable
	dedupe   *dedupeWindow
	st       stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Link from options. The transport must be provided; use
// NewFromConfig to build one from a string kind.
func New(opts Options) (*Link, error) {
	if opts.Transport == nil {
		return nil, errors.New("reliable: transport is required")
	}
	if opts.Address == "" {
		return nil, errors.New("reliable: address is required")
	}
	switch opts.Role {
	case RoleInitiator, RoleAcceptor:
	default:
		return nil, fmt.Errorf("reliable: invalid role %q", opts.Role)
	}
	opts.applyDefaults()

	return &Link{
		opts:        opts,
		tr:          opts.Transport,
		codec:       opts.Codec,
		pending:     newPendingTable(),
		dedupe:      newDedupeWindow(opts.DedupeWindow),
		reconnectCh: make(chan struct{}, 1),
	}, nil
}

// NewFromConfig builds a Link from the application configuration.
func NewFromConfig(cfg *config.Config) (*Link, error) {
	c, err := codec.ByName(cfg.Link.WireFormat)
	if err != nil {
		return nil, err
	}
	tr, err := NewTransportByKind(cfg.Link.Transport)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Role:              Role(cfg.Link.Role),
		Transport:         tr,
		Address:           cfg.Link.Address(),
		Name:              cfg.Name,
		Codec:             c,
		AckTimeout:        msDuration(cfg.Link.AckTimeoutMS),
		MaxRetries:        cfg.Link.MaxRetries,
		HeartbeatInterval: msDuration(cfg.Link.HeartbeatIntervalMS),
		LivenessTimeout:   msDuration(cfg.Link.LivenessTimeoutMS),
		DedupeWindow:      msDuration(cfg.Link.DedupeWindowMS),
		BackoffInitial:    msDuration(cfg.Link.DialBackoffInitialMS),
		BackoffMax:        msDuration(cfg.Link.DialBackoffMaxMS),
		BackoffJitter:     msDuration(cfg.Link.DialBackoffJitterMS),
		DialMaxAttempts:   cfg.Link.DialMaxAttempts,
	})
}

func msDuration(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Start resets the counters and launches the supervising loop. For an
// acceptor the listener is bound synchronously, so a Start that returns nil
// means the address is claimed. handler may be nil to drop deliveries.
func (l *Link) Start(ctx context.Context, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("reliable: link already started")
	}

	l.handler = handler
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.st.reset(time.Now())
	l.lastRecv.Store(0)

	if l.opts.Role == RoleAcceptor {
		listener, err := l.tr.Listen(l.ctx, l.opts.Address)
		if err != nil {
			l.cancel()
			return fmt.Errorf("listen %s: %w", l.opts.Address, err)
		}
		l.listener = listener
		zap.L().Info("listening",
			zap.String("kind", l.tr.Kind().String()),
			zap.String("addr", listener.Addr().String()))
		l.wg.Add(1)
		go l.runAcceptor()
	} else {
		l.wg.Add(1)
		go l.runInitiator()
	}

	l.started = true
	return nil
}

// Send delivers payload to the peer and blocks until it is acknowledged.
// Every AckTimeout without an ACK triggers one retransmission with the same
// id, up to MaxRetries of them; after that the send fails with ErrAckTimeout.
// A write failure kills the session and fails the send immediately, and
// sending while disconnected fails right away and nudges a parked initiator
// into a fresh connect sequence.
func (l *Link) Send(ctx context.Context, payload string) error {
	if !l.isStarted() {
		return ErrClosed
	}
	if l.current() == nil {
		l.requestReconnect()
		l.st.failed.Add(1)
		return ErrNotConnected
	}

	id := l.nextID.Add(1)
	msg := protocol.NewData(id, payload, l.opts.Name, true)
	data, err := protocol.Encode(l.codec, msg)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", id, err)
	}

	done := l.pending.register(id)
	defer l.pending.remove(id)

	l.st.sent.Add(1)
	if err := l.transmit(data); err != nil {
		l.st.failed.Add(1)
		return fmt.Errorf("transmit message %d: %w", id, err)
	}

	attempts := l.opts.MaxRetries
	if attempts == 0 {
		attempts = 1
	}
	timer := time.NewTimer(l.opts.AckTimeout)
	defer timer.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-done:
			l.st.acked.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.ctx.Done():
			return ErrClosed
		case <-timer.C:
		}
		if i < l.opts.MaxRetries {
			l.st.retransmits.Add(1)
			zap.L().Debug("retransmitting",
				zap.Uint64("id", id), zap.Int("attempt", i+1))
			if err := l.transmit(data); err != nil {
				l.st.failed.Add(1)
				return fmt.Errorf("retransmit message %d: %w", id, err)
			}
			timer.Reset(l.opts.AckTimeout)
		}
	}

	// ack may have landed between the last timeout and now
	select {
	case <-done:
		l.st.acked.Add(1)
		return nil
	default:
	}
	l.st.failed.Add(1)
	return fmt.Errorf("message %d: %w", id, ErrAckTimeout)
}

// SendBestEffort delivers payload without requesting an acknowledgment. It
// fails fast when no session is live.
func (l *Link) SendBestEffort(payload string) error {
	if !l.isStarted() {
		return ErrClosed
	}
	if l.current() == nil {
		l.requestReconnect()
		l.st.failed.Add(1)
		return ErrNotConnected
	}
	id := l.nextID.Add(1)
	msg := protocol.NewData(id, payload, l.opts.Name, false)
	data, err := protocol.Encode(l.codec, msg)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", id, err)
	}
	l.st.sent.Add(1)
	return l.transmit(data)
}

// Stats returns a point-in-time copy of the delivery counters.
func (l *Link) Stats() Snapshot { return l.st.snapshot(time.Now()) }

// Connected reports whether a live session exists right now.
func (l *Link) Connected() bool { return l.current() != nil }

// Shutdown stops the supervising loop, closes the listener and the live
// session, and waits for the background goroutines up to the context
// deadline. In-flight Sends fail with ErrClosed.
func (l *Link) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	cancel := l.cancel
	listener := l.listener
	cur := l.cur
	l.listener = nil
	l.cur = nil
	l.mu.Unlock()

	cancel()
	if listener != nil {
		_ = listener.Close()
	}
	if cur != nil {
		cur.fail(ErrClosed)
	}

	joined := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestReconnect wakes an initiator that gave up on its last connect
// sequence. The nudge is dropped when one is already queued.
func (l *Link) requestReconnect() {
	select {
	case l.reconnectCh <- struct{}{}:
	default:
	}
}

func (l *Link) isStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// current returns the live session handle, or nil when disconnected.
func (l *Link) current() *sessionHandle {
	l.mu.Lock()
	h := l.cur
	l.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.failed:
		return nil
	default:
		return h
	}
}

// swapSession installs h and returns the previous handle, if any. The
// liveness clock restarts so a fresh session is not declared dead before the
// peer speaks.
func (l *Link) swapSession(h *sessionHandle) *sessionHandle {
	l.lastRecv.Store(time.Now().UnixNano())
	l.mu.Lock()
	old := l.cur
	l.cur = h
	l.mu.Unlock()
	return old
}

func (l *Link) clearSession(h *sessionHandle) {
	l.mu.Lock()
	if l.cur == h {
		l.cur = nil
	}
	l.mu.Unlock()
}

// failSession kills the session and counts the loss, unless it is a
// deliberate teardown (shutdown, or replacement by a newer session).
func (l *Link) failSession(h *sessionHandle, err error) {
	if !h.fail(err) {
		return
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, errReplaced) || l.ctx.Err() != nil {
		return
	}
	l.st.errors.Add(1)
}

// transmit writes one encoded frame on the live session. A write error kills
// the session so the supervisor replaces it.
func (l *Link) transmit(data []byte) error {
	h := l.current()
	if h == nil {
		return ErrNotConnected
	}
	if err := h.SendFrame(data); err != nil {
		l.failSession(h, fmt.Errorf("send frame: %w", err))
		return err
	}
	return nil
}

// runInitiator dials, supervises the session, and re-dials on failure until
// the link context is canceled.
func (l *Link) runInitiator() {
	defer l.wg.Done()
	first := true
	for {
		sess, err := l.connectWithRetry()
		if errors.Is(err, errDialExhausted) {
			zap.L().Error("could not connect, waiting for a send to retry",
				zap.String("addr", l.opts.Address),
				zap.Int("attempts", l.opts.DialMaxAttempts))
			select {
			case <-l.ctx.Done():
				return
			case <-l.reconnectCh:
				continue
			}
		}
		if err != nil {
			return
		}
		h := newSessionHandle(sess)
		if old := l.swapSession(h); old != nil {
			old.fail(errReplaced)
		}
		if !first {
			l.st.reconnects.Add(1)
		}
		first = false
		zap.L().Info("link established",
			zap.String("kind", l.tr.Kind().String()),
			zap.String("raddr", sess.RemoteAddr().String()))
		l.startSessionLoops(h)

		select {
		case <-l.ctx.Done():
			h.fail(l.ctx.Err())
			return
		case <-h.failed:
			zap.L().Warn("session lost, reconnecting", zap.Error(h.failErr()))
			l.clearSession(h)
		}
	}
}

// runAcceptor adopts each accepted session, replacing the previous one. The
// newest connection wins; the displaced session is closed.
func (l *Link) runAcceptor() {
	defer l.wg.Done()
	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	if listener == nil {
		return
	}
	first := true
	for {
		s, err := listener.Accept(l.ctx)
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				zap.L().Warn("accept failed", zap.Error(err))
			}
			return
		}
		h := newSessionHandle(s)
		if old := l.swapSession(h); old != nil {
			old.fail(errReplaced)
		}
		if !first {
			l.st.reconnects.Add(1)
		}
		first = false
		zap.L().Info("inbound session",
			zap.String("peer", string(s.Peer().ID)),
			zap.String("kind", s.TransportKind().String()),
			zap.String("raddr", s.RemoteAddr().String()))
		l.startSessionLoops(h)
	}
}

func (l *Link) startSessionLoops(h *sessionHandle) {
	l.wg.Add(2)
	go l.recvLoop(h)
	go l.heartbeatLoop(h)
}

// connectWithRetry dials with exponential backoff. It gives up with
// errDialExhausted once DialMaxAttempts dials have failed; a non-positive
// bound keeps it dialing until the link context is canceled.
func (l *Link) connectWithRetry() (transport.Session, error) {
	peer := transport.PeerInfo{
		ID:   transport.PeerID("temp:" + l.tr.Kind().String() + ":" + l.opts.Address),
		Addr: l.opts.Address,
	}
	backoff := l.opts.BackoffInitial
	for attempt := 1; ; attempt++ {
		select {
		case <-l.ctx.Done():
			return nil, l.ctx.Err()
		default:
		}
		sess, err := l.tr.Dial(l.ctx, l.opts.Address, peer)
		if err == nil {
			return sess, nil
		}
		zap.L().Warn("dial failed",
			zap.String("kind", l.tr.Kind().String()),
			zap.String("addr", l.opts.Address),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if l.opts.DialMaxAttempts > 0 && attempt >= l.opts.DialMaxAttempts {
			return nil, errDialExhausted
		}
		select {
		case <-l.ctx.Done():
			return nil, l.ctx.Err()
		case <-time.After(withJitter(backoff, l.opts.BackoffJitter)):
		}
		if backoff < l.opts.BackoffMax {
			backoff *= 2
			if backoff > l.opts.BackoffMax {
				backoff = l.opts.BackoffMax
			}
		}
	}
}

// recvLoop reads frames until the session dies.
func (l *Link) recvLoop(h *sessionHandle) {
	defer l.wg.Done()
	for {
		data, err := h.RecvFrame()
		if err != nil {
			l.failSession(h, fmt.Errorf("recv frame: %w", err))
			return
		}
		l.lastRecv.Store(time.Now().UnixNano())
		l.handleFrame(h, data)
	}
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	// add random 0..jitter
	n := time.Now().UnixNano()
	j := time.Duration(n % int64(jitter))
	return d + j
}
