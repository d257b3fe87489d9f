package protocol

import (
	"errors"
	"testing"

	"relink/pkg/protocol/codec"
)

func TestMessageRoundTripAllCodecs(t *testing.T) {
	cb, err := codec.CBOR()
	if err != nil {
		t.Fatalf("cbor: %v", err)
	}
	codecs := []codec.Codec{codec.JSON(), cb, codec.Proto()}

	msgs := []*Message{
		NewData(7, "hola", "client-1", true),
		NewData(8, "", "client-1", false),
		NewAck(7),
		NewHeartbeat("server"),
		NewHeartbeatAck(),
	}

	for _, c := range codecs {
		for _, in := range msgs {
			b, err := Encode(c, in)
			if err != nil {
				t.Fatalf("%s encode %s: %v", c.ContentType(), in.Kind, err)
			}
			out, err := Decode(c, b)
			if err != nil {
				t.Fatalf("%s decode %s: %v", c.ContentType(), in.Kind, err)
			}
			if out.Kind != in.Kind || out.ID != in.ID || out.Payload != in.Payload ||
				out.Sender != in.Sender || out.RequiresAck != in.RequiresAck {
				t.Fatalf("%s roundtrip mismatch: got %+v want %+v", c.ContentType(), out, in)
			}
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := codec.JSON()

	cases := map[string][]byte{
		"not json":     []byte("{{{"),
		"unknown kind": []byte(`{"kind":"NACK","id":3}`),
		"missing kind": []byte(`{"id":3}`),
		"data no id":   []byte(`{"kind":"DATA","payload":"x"}`),
		"ack no id":    []byte(`{"kind":"ACK"}`),
	}
	for name, raw := range cases {
		if _, err := Decode(c, raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestValidateHeartbeatKinds(t *testing.T) {
	for _, m := range []*Message{NewHeartbeat("a"), NewHeartbeatAck()} {
		if err := m.Validate(); err != nil {
			t.Fatalf("%s: %v", m.Kind, err)
		}
	}
}
