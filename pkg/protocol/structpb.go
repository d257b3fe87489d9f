package protocol

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// AsStruct converts the message to a protobuf Struct so it can travel through
// the proto codec without generated message types.
func (m *Message) AsStruct() (*structpb.Struct, error) {
	fields := map[string]any{"kind": m.Kind}
	if m.ID != 0 {
		fields["id"] = float64(m.ID)
	}
	if m.Payload != "" {
		fields["payload"] = m.Payload
	}
	if m.Sender != "" {
		fields["sender"] = m.Sender
	}
	if m.Timestamp != 0 {
		fields["timestamp"] = m.Timestamp
	}
	if m.RequiresAck {
		fields["requires_ack"] = true
	}
	return structpb.NewStruct(fields)
}

func (m *Message) fromStruct(s *structpb.Struct) error {
	f := s.GetFields()
	kind, ok := f["kind"]
	if !ok {
		return fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	m.Kind = kind.GetStringValue()
	m.ID = uint64(f["id"].GetNumberValue())
	m.Payload = f["payload"].GetStringValue()
	m.Sender = f["sender"].GetStringValue()
	m.Timestamp = f["timestamp"].GetNumberValue()
	m.RequiresAck = f["requires_ack"].GetBoolValue()
	return nil
}

func emptyStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(nil)
}
