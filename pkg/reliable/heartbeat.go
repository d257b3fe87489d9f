package reliable

import (
	"time"

	"go.uber.org/zap"

	"relink/pkg/protocol"
)

// heartbeatLoop probes the peer every HeartbeatInterval for as long as the
// session lives. A failed probe kills the session, as does a liveness timeout
// when one is configured; the supervisor then reconnects or waits for the
// next inbound session depending on role.
func (l *Link) heartbeatLoop(h *sessionHandle) {
	defer l.wg.Done()
	if l.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-h.failed:
			return
		case <-ticker.C:
		}

		data, err := protocol.Encode(l.codec, protocol.NewHeartbeat(l.opts.Name))
		if err != nil {
			zap.L().Error("encode heartbeat", zap.Error(err))
			return
		}
		if err := h.SendFrame(data); err != nil {
			l.failSession(h, err)
			return
		}
		l.st.heartbeatsSent.Add(1)

		if lt := l.opts.LivenessTimeout; lt > 0 {
			if last := l.lastRecv.Load(); last != 0 && time.Since(time.Unix(0, last)) > lt {
				zap.L().Warn("peer unresponsive",
					zap.Duration("liveness_timeout", lt))
				l.failSession(h, errUnresponsive)
				return
			}
		}
	}
}
