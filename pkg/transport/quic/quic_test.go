package quic

import "testing"

func TestServerTLSGeneratedOnce(t *testing.T) {
	tr := New()
	a, err := tr.serverTLS()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	b, err := tr.serverTLS()
	if err != nil {
		t.Fatalf("server tls: %v", err)
	}
	if a.Certificates[0].PrivateKey != b.Certificates[0].PrivateKey {
		t.Fatalf("certificate regenerated between listens")
	}
	if len(a.NextProtos) != 1 || a.NextProtos[0] != alpnProto {
		t.Fatalf("unexpected alpn: %v", a.NextProtos)
	}
}
