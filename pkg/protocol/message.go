// Package protocol defines the message model and wire framing of the
// reliable link: every frame carries exactly one Message, serialized by a
// codec (JSON on the wire by default) and length-prefixed by WriteFrame.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"relink/pkg/protocol/codec"
)

// Message kinds.
const (
	KindData         = "DATA"
	KindAck          = "ACK"
	KindHeartbeat    = "HEARTBEAT"
	KindHeartbeatAck = "HEARTBEAT_ACK"
)

// ErrMalformed reports a payload that deserialized into something other than
// a valid message. The receive loop logs and drops such frames.
var ErrMalformed = errors.New("malformed message")

// Message is one structured unit on the wire.
//
// Field presence per kind:
//
//	DATA          kind, id, payload, sender, timestamp, requires_ack
//	ACK           kind, id
//	HEARTBEAT     kind, timestamp, sender
//	HEARTBEAT_ACK kind, timestamp
type Message struct {
	Kind        string  `json:"kind"`
	ID          uint64  `json:"id,omitempty"`
	Payload     string  `json:"payload,omitempty"`
	Sender      string  `json:"sender,omitempty"`
	Timestamp   float64 `json:"timestamp,omitempty"`
	RequiresAck bool    `json:"requires_ack,omitempty"`
}

// NewData builds an application message. IDs are allocated by the sender and
// increase monotonically for the lifetime of a connection.
func NewData(id uint64, payload, sender string, requiresAck bool) *Message {
	return &Message{
		Kind:        KindData,
		ID:          id,
		Payload:     payload,
		Sender:      sender,
		Timestamp:   now(),
		RequiresAck: requiresAck,
	}
}

// NewAck builds an acknowledgment for the DATA message with the given id.
func NewAck(id uint64) *Message {
	return &Message{Kind: KindAck, ID: id}
}

// NewHeartbeat builds a liveness probe.
func NewHeartbeat(sender string) *Message {
	return &Message{Kind: KindHeartbeat, Sender: sender, Timestamp: now()}
}

// NewHeartbeatAck builds the reply to a liveness probe.
func NewHeartbeatAck() *Message {
	return &Message{Kind: KindHeartbeatAck, Timestamp: now()}
}

// Validate checks the field set required for the message kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindData:
		if m.ID == 0 {
			return fmt.Errorf("%w: DATA without id", ErrMalformed)
		}
	case KindAck:
		if m.ID == 0 {
			return fmt.Errorf("%w: ACK without id", ErrMalformed)
		}
	case KindHeartbeat, KindHeartbeatAck:
		// timestamp-only kinds
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return nil
}

// Encode serializes the message with the given codec.
func Encode(c codec.Codec, m *Message) ([]byte, error) {
	if c.ContentType() == codec.ContentProto {
		s, err := m.AsStruct()
		if err != nil {
			return nil, err
		}
		return c.Marshal(s)
	}
	return c.Marshal(m)
}

// Decode deserializes one message payload. Deserialization and validation
// failures both surface as ErrMalformed.
func Decode(c codec.Codec, data []byte) (*Message, error) {
	var m Message
	if c.ContentType() == codec.ContentProto {
		s, err := emptyStruct()
		if err != nil {
			return nil, err
		}
		if err := c.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := m.fromStruct(s); err != nil {
			return nil, err
		}
	} else if err := c.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// now is the message timestamp source: seconds since the epoch with
// sub-second precision, matching the wire format's float timestamp.
var now = func() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
