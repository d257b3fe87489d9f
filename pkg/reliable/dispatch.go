package reliable

import (
	"time"

	"go.uber.org/zap"

	"relink/pkg/protocol"
)

// handleFrame routes one inbound frame by message kind. Frames that fail to
// decode are logged and dropped; the session stays up.
func (l *Link) handleFrame(h *sessionHandle, data []byte) {
	msg, err := protocol.Decode(l.codec, data)
	if err != nil {
		l.st.errors.Add(1)
		zap.L().Warn("dropping malformed frame",
			zap.Int("size", len(data)), zap.Error(err))
		return
	}

	switch msg.Kind {
	case protocol.KindData:
		l.handleData(h, msg)
	case protocol.KindAck:
		if !l.pending.resolve(msg.ID) {
			zap.L().Debug("ack for unknown message", zap.Uint64("id", msg.ID))
		}
	case protocol.KindHeartbeat:
		l.reply(h, protocol.NewHeartbeatAck())
	case protocol.KindHeartbeatAck:
		// receive loop already advanced the liveness clock
	default:
		zap.L().Warn("dropping message of unknown kind", zap.String("kind", msg.Kind))
	}
}

// handleData acknowledges, deduplicates, and delivers one application
// message. The ACK goes out before delivery so a slow handler cannot make the
// peer retransmit.
func (l *Link) handleData(h *sessionHandle, msg *protocol.Message) {
	l.st.received.Add(1)
	if msg.RequiresAck {
		if l.reply(h, protocol.NewAck(msg.ID)) == nil {
			l.st.acksSent.Add(1)
		}
	}
	if l.dedupe.observe(msg.Sender, msg.ID, time.Now()) {
		l.st.duplicates.Add(1)
		zap.L().Debug("suppressing duplicate delivery",
			zap.String("sender", msg.Sender), zap.Uint64("id", msg.ID))
		return
	}
	if l.handler != nil {
		l.handler(msg, h.Peer())
	}
}

// reply sends a control message on the same session the trigger arrived on.
func (l *Link) reply(h *sessionHandle, msg *protocol.Message) error {
	data, err := protocol.Encode(l.codec, msg)
	if err != nil {
		zap.L().Error("encode control message",
			zap.String("kind", msg.Kind), zap.Error(err))
		return err
	}
	if err := h.SendFrame(data); err != nil {
		l.failSession(h, err)
		return err
	}
	return nil
}
