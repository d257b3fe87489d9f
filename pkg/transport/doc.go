// Package transport defines the stream transport interfaces used by the
// reliable link and provides implementations for tcp, quic, mem (in-process,
// for tests) and winpipe (Windows named pipes).
//
// Key concepts:
//   - Transport: dials/listens for Sessions of a specific Kind
//   - Session: a bidirectional connection to one peer carrying framed
//     messages; frames are length-prefixed with a 4-byte big-endian size
//   - Listener: accepts inbound Sessions
//
// Sessions are immutable handles: a broken session is closed and replaced by
// a freshly dialed or accepted one, never repaired in place.
package transport
