package reliable

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relink/pkg/protocol"
	"relink/pkg/protocol/codec"
	"relink/pkg/transport"
	"relink/pkg/transport/mem"
)

func testOptions(role Role, tr transport.Transport, addr, name string) Options {
	return Options{
		Role:              role,
		Transport:         tr,
		Address:           addr,
		Name:              name,
		AckTimeout:        200 * time.Millisecond,
		MaxRetries:        3,
		HeartbeatInterval: -1, // keep the wire quiet unless a test wants probes
		BackoffInitial:    5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
	}
}

// startPair brings up an acceptor and an initiator over a shared in-process
// transport and waits for the session to form.
func startPair(t *testing.T, addr string, handler Handler, mutate func(*Options)) (init, acc *Link) {
	t.Helper()
	tr := mem.New()
	ctx := context.Background()

	accOpts := testOptions(RoleAcceptor, tr, addr, "acceptor")
	initOpts := testOptions(RoleInitiator, tr, addr, "initiator")
	if mutate != nil {
		mutate(&accOpts)
		mutate(&initOpts)
	}

	acc, err := New(accOpts)
	require.NoError(t, err)
	require.NoError(t, acc.Start(ctx, handler))

	init, err = New(initOpts)
	require.NoError(t, err)
	require.NoError(t, init.Start(ctx, nil))

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = init.Shutdown(sctx)
		_ = acc.Shutdown(sctx)
	})

	require.Eventually(t, init.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, acc.Connected, 2*time.Second, 5*time.Millisecond)
	return init, acc
}

type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) handle(m *protocol.Message, _ transport.PeerInfo) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestSendAcked(t *testing.T) {
	rec := &recorder{}
	init, acc := startPair(t, "mem://acked", rec.handle, nil)

	require.NoError(t, init.Send(context.Background(), "hello"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	got := rec.msgs[0]
	rec.mu.Unlock()
	require.Equal(t, "hello", got.Payload)
	require.Equal(t, "initiator", got.Sender)
	require.True(t, got.RequiresAck)

	st := init.Stats()
	require.Equal(t, uint64(1), st.Sent)
	require.Equal(t, uint64(1), st.Acked)
	require.Zero(t, st.Retransmits)
	require.Zero(t, st.Failed)

	ast := acc.Stats()
	require.Equal(t, uint64(1), ast.Received)
	require.Equal(t, uint64(1), ast.AcksSent)
	require.Zero(t, ast.Errors)
}

func TestSendBestEffort(t *testing.T) {
	rec := &recorder{}
	init, acc := startPair(t, "mem://besteffort", rec.handle, nil)

	require.NoError(t, init.SendBestEffort("fire and forget"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), acc.Stats().Received)

	st := init.Stats()
	require.Equal(t, uint64(1), st.Sent)
	require.Zero(t, st.Acked)
	require.Zero(t, st.Retransmits)
}

func TestRetryExhaustion(t *testing.T) {
	// the peer accepts the session and drains frames but never acks, so
	// every attempt goes unanswered
	tr := mem.New()
	ctx := context.Background()
	addr := "mem://silent"

	lis, err := tr.Listen(ctx, addr)
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		s, err := lis.Accept(ctx)
		if err != nil {
			return
		}
		for {
			if _, err := s.RecvFrame(); err != nil {
				return
			}
		}
	}()

	opts := testOptions(RoleInitiator, tr, addr, "initiator")
	opts.AckTimeout = 40 * time.Millisecond
	opts.MaxRetries = 2

	l, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx, nil))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(sctx)
	})
	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	err = l.Send(ctx, "doomed")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAckTimeout)
	require.GreaterOrEqual(t, elapsed, 75*time.Millisecond,
		"send must block for max_retries x ack_timeout before failing")

	st := l.Stats()
	require.Equal(t, uint64(1), st.Sent)
	require.Equal(t, uint64(2), st.Retransmits)
	require.Equal(t, uint64(1), st.Failed)
	require.Zero(t, st.Acked)
}

func TestAckPrecedesDelivery(t *testing.T) {
	// the handler stalls well past the ack timeout; the ack must already be
	// on the wire, so the sender never retransmits
	slow := func(*protocol.Message, transport.PeerInfo) { time.Sleep(400 * time.Millisecond) }
	init, _ := startPair(t, "mem://slowhandler", slow, func(o *Options) {
		o.AckTimeout = 100 * time.Millisecond
	})

	require.NoError(t, init.Send(context.Background(), "take your time"))
	require.Zero(t, init.Stats().Retransmits)
}

func TestDuplicateSuppressed(t *testing.T) {
	rec := &recorder{}
	tr := mem.New()
	addr := "mem://dedupe"

	acc, err := New(testOptions(RoleAcceptor, tr, addr, "acceptor"))
	require.NoError(t, err)
	require.NoError(t, acc.Start(context.Background(), rec.handle))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = acc.Shutdown(sctx)
	})

	raw, err := tr.Dial(context.Background(), addr, transport.PeerInfo{ID: "raw"})
	require.NoError(t, err)
	defer raw.Close()

	c, err := codec.ByName("json")
	require.NoError(t, err)
	data, err := protocol.Encode(c, protocol.NewData(7, "dup", "raw", true))
	require.NoError(t, err)

	sendErr := make(chan error, 2)
	go func() {
		sendErr <- raw.SendFrame(data)
		sendErr <- raw.SendFrame(data)
	}()

	// both transmissions are acknowledged with the same id
	for i := 0; i < 2; i++ {
		frame, err := raw.RecvFrame()
		require.NoError(t, err)
		ack, err := protocol.Decode(c, frame)
		require.NoError(t, err)
		require.Equal(t, protocol.KindAck, ack.Kind)
		require.Equal(t, uint64(7), ack.ID)
		require.NoError(t, <-sendErr)
	}

	require.Equal(t, 1, rec.count(), "retransmitted message must reach the handler once")
	st := acc.Stats()
	require.Equal(t, uint64(2), st.Received)
	require.Equal(t, uint64(1), st.Duplicates)
}

func TestUnknownAckIgnored(t *testing.T) {
	rec := &recorder{}
	tr := mem.New()
	addr := "mem://strayack"

	acc, err := New(testOptions(RoleAcceptor, tr, addr, "acceptor"))
	require.NoError(t, err)
	require.NoError(t, acc.Start(context.Background(), rec.handle))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = acc.Shutdown(sctx)
	})

	raw, err := tr.Dial(context.Background(), addr, transport.PeerInfo{ID: "raw"})
	require.NoError(t, err)
	defer raw.Close()

	c, err := codec.ByName("json")
	require.NoError(t, err)
	stray, err := protocol.Encode(c, protocol.NewAck(999))
	require.NoError(t, err)
	data, err := protocol.Encode(c, protocol.NewData(1, "after stray", "raw", true))
	require.NoError(t, err)

	go func() {
		_ = raw.SendFrame(stray)
		_ = raw.SendFrame(data)
	}()

	frame, err := raw.RecvFrame()
	require.NoError(t, err)
	ack, err := protocol.Decode(c, frame)
	require.NoError(t, err)
	require.Equal(t, protocol.KindAck, ack.Kind)
	require.Equal(t, uint64(1), ack.ID)
	require.Equal(t, 1, rec.count())
}

func TestInitiatorReconnect(t *testing.T) {
	rec := &recorder{}
	tr := mem.New()
	addr := "mem://reconnect"
	ctx := context.Background()

	accOpts := testOptions(RoleAcceptor, tr, addr, "acceptor")
	acc1, err := New(accOpts)
	require.NoError(t, err)
	require.NoError(t, acc1.Start(ctx, rec.handle))

	initOpts := testOptions(RoleInitiator, tr, addr, "initiator")
	initOpts.AckTimeout = 100 * time.Millisecond
	initOpts.MaxRetries = 1
	init, err := New(initOpts)
	require.NoError(t, err)
	require.NoError(t, init.Start(ctx, nil))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = init.Shutdown(sctx)
	})

	require.Eventually(t, init.Connected, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, init.Send(ctx, "before drop"))

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	require.NoError(t, acc1.Shutdown(sctx))
	cancel()

	// bring a fresh acceptor up at the same address; the old listener
	// deregisters asynchronously, so binding may need a few tries
	acc2, err := New(accOpts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return acc2.Start(ctx, rec.handle) == nil },
		2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = acc2.Shutdown(sctx)
	})

	require.Eventually(t, func() bool {
		return init.Send(ctx, "after drop") == nil
	}, 3*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, init.Stats().Reconnects, uint64(1))
}

func TestAcceptorAdoptsNewestSession(t *testing.T) {
	rec := &recorder{}
	tr := mem.New()
	addr := "mem://lastwins"
	ctx := context.Background()

	acc, err := New(testOptions(RoleAcceptor, tr, addr, "acceptor"))
	require.NoError(t, err)
	require.NoError(t, acc.Start(ctx, rec.handle))

	first, err := New(testOptions(RoleInitiator, tr, addr, "first"))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx, nil))
	require.Eventually(t, first.Connected, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Send(ctx, "from first"))

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	require.NoError(t, first.Shutdown(sctx))
	cancel()

	second, err := New(testOptions(RoleInitiator, tr, addr, "second"))
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx, nil))
	require.Eventually(t, second.Connected, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = second.Shutdown(sctx)
		_ = acc.Shutdown(sctx)
	})

	require.NoError(t, second.Send(ctx, "from the newest session"))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	sender := rec.msgs[1].Sender
	rec.mu.Unlock()
	require.Equal(t, "second", sender)
	require.GreaterOrEqual(t, acc.Stats().Reconnects, uint64(1))
}

func TestHeartbeatFlow(t *testing.T) {
	rec := &recorder{}
	init, acc := startPair(t, "mem://heartbeat", rec.handle, func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
	})

	require.Eventually(t, func() bool {
		return init.Stats().HeartbeatsSent >= 2 && acc.Stats().HeartbeatsSent >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// probes never surface as application messages
	require.Zero(t, rec.count())
	require.NoError(t, init.Send(context.Background(), "still works"))
}

func TestLivenessTimeout(t *testing.T) {
	tr := mem.New()
	addr := "mem://liveness"
	ctx := context.Background()

	opts := testOptions(RoleAcceptor, tr, addr, "acceptor")
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.LivenessTimeout = 60 * time.Millisecond
	acc, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, acc.Start(ctx, nil))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = acc.Shutdown(sctx)
	})

	// a peer that drains the pipe but never speaks
	raw, err := tr.Dial(ctx, addr, transport.PeerInfo{ID: "mute"})
	require.NoError(t, err)
	defer raw.Close()
	go func() {
		for {
			if _, err := raw.RecvFrame(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, acc.Connected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !acc.Connected() },
		2*time.Second, 10*time.Millisecond, "mute peer must be declared dead")
	require.GreaterOrEqual(t, acc.Stats().Errors, uint64(1))
}

func TestMalformedFrameCounted(t *testing.T) {
	rec := &recorder{}
	tr := mem.New()
	addr := "mem://garbage"
	ctx := context.Background()

	acc, err := New(testOptions(RoleAcceptor, tr, addr, "acceptor"))
	require.NoError(t, err)
	require.NoError(t, acc.Start(ctx, rec.handle))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = acc.Shutdown(sctx)
	})

	raw, err := tr.Dial(ctx, addr, transport.PeerInfo{ID: "raw"})
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.SendFrame([]byte("not a message")))
	require.Eventually(t, func() bool { return acc.Stats().Errors == 1 },
		time.Second, 5*time.Millisecond)
	require.True(t, acc.Connected(), "a malformed frame must not kill the session")

	// the session still delivers well-formed traffic afterwards
	c, err := codec.ByName("json")
	require.NoError(t, err)
	data, err := protocol.Encode(c, protocol.NewData(1, "still here", "raw", true))
	require.NoError(t, err)
	go func() { _ = raw.SendFrame(data) }()
	frame, err := raw.RecvFrame()
	require.NoError(t, err)
	ack, err := protocol.Decode(c, frame)
	require.NoError(t, err)
	require.Equal(t, protocol.KindAck, ack.Kind)

	require.Eventually(t, func() bool { return rec.count() == 1 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), acc.Stats().AcksSent)
}

func TestSendWriteFailureFailsFast(t *testing.T) {
	// an oversized payload makes the first write fail; the send must report
	// that failure right away instead of waiting out the ack timeouts
	init, _ := startPair(t, "mem://writefail", nil, func(o *Options) {
		o.AckTimeout = time.Second
	})

	big := strings.Repeat("x", protocol.MaxFrameSize)
	start := time.Now()
	err := init.Send(context.Background(), big)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAckTimeout)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	st := init.Stats()
	require.Equal(t, uint64(1), st.Sent)
	require.Equal(t, uint64(1), st.Failed)
	require.Equal(t, uint64(1), st.Errors)
	require.Zero(t, st.Retransmits)
}

func TestSendNotConnectedFailsFast(t *testing.T) {
	// a disconnected link must refuse the send right away instead of
	// sitting out the full retry schedule
	tr := mem.New()
	opts := testOptions(RoleInitiator, tr, "mem://nowhere", "initiator")
	opts.AckTimeout = time.Second

	l, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background(), nil))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(sctx)
	})

	start := time.Now()
	err = l.Send(context.Background(), "doomed")
	require.ErrorIs(t, err, ErrNotConnected)
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.ErrorIs(t, l.SendBestEffort("doomed"), ErrNotConnected)
	require.Equal(t, uint64(2), l.Stats().Failed)
}

func TestDialExhaustionRecovery(t *testing.T) {
	tr := mem.New()
	addr := "mem://latestart"
	ctx := context.Background()

	initOpts := testOptions(RoleInitiator, tr, addr, "initiator")
	init, err := New(initOpts)
	require.NoError(t, err)
	require.NoError(t, init.Start(ctx, nil))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = init.Shutdown(sctx)
	})

	// let the initiator burn through its connect attempts and park
	time.Sleep(100 * time.Millisecond)
	require.False(t, init.Connected())

	rec := &recorder{}
	acc, err := New(testOptions(RoleAcceptor, tr, addr, "acceptor"))
	require.NoError(t, err)
	require.NoError(t, acc.Start(ctx, rec.handle))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = acc.Shutdown(sctx)
	})

	// the failed sends kick the parked dial loop back into action
	require.Eventually(t, func() bool {
		return init.Send(ctx, "finally") == nil
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestStatsResetOnStart(t *testing.T) {
	tr := mem.New()
	opts := testOptions(RoleInitiator, tr, "mem://reset", "initiator")
	opts.AckTimeout = 20 * time.Millisecond
	opts.MaxRetries = 1

	l, err := New(opts)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, l.Start(ctx, nil))
	require.ErrorIs(t, l.Send(ctx, "no listener"), ErrNotConnected)
	require.Equal(t, uint64(1), l.Stats().Failed)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	require.NoError(t, l.Shutdown(sctx))
	cancel()

	require.NoError(t, l.Start(ctx, nil))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(sctx)
	})
	st := l.Stats()
	require.Zero(t, st.Sent)
	require.Zero(t, st.Failed)
	require.Zero(t, st.Retransmits)
}

func TestSendAfterShutdown(t *testing.T) {
	tr := mem.New()
	l, err := New(testOptions(RoleInitiator, tr, "mem://closed", "initiator"))
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background(), nil))

	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, l.Shutdown(sctx))
	cancel()

	require.ErrorIs(t, l.Send(context.Background(), "too late"), ErrClosed)
	require.ErrorIs(t, l.SendBestEffort("too late"), ErrClosed)
}
