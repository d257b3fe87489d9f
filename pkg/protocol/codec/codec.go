package codec

import "sync"

// Content types of the built-in codecs.
const (
	ContentJSON  = "application/json"
	ContentCBOR  = "application/cbor"
	ContentProto = "application/x-protobuf"
)

// Codec defines a simple interface for marshaling typed messages.
// Implementations should be deterministic and safe for cross-node exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps wire format names and content types to codecs.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry constructs a registry preloaded with the codecs that need no
// initialization: JSON and Protobuf. CBOR is added on first resolution
// because building its encoder modes can fail.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON(), "json", ContentJSON)
	r.Register(Proto(), "proto", "protobuf", ContentProto)
	return r
}

// Register adds a codec under the given names.
func (r *Registry) Register(c Codec, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.byName[n] = c
	}
}

// Get returns a codec by name or content type, or nil.
func (r *Registry) Get(name string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Default is the registry ByName resolves against.
var Default = NewRegistry()

// ByName resolves a short format name ("json", "cbor", "proto") against the
// default registry. An empty name means JSON.
func ByName(name string) (Codec, error) {
	if name == "" {
		name = "json"
	}
	if c := Default.Get(name); c != nil {
		return c, nil
	}
	if name == "cbor" {
		c, err := CBOR()
		if err != nil {
			return nil, err
		}
		Default.Register(c, "cbor", ContentCBOR)
		return c, nil
	}
	return nil, ErrUnknownFormat(name)
}

// ErrUnknownFormat is returned by ByName for unrecognized format names.
type ErrUnknownFormat string

func (e ErrUnknownFormat) Error() string { return "unknown wire format: " + string(e) }
