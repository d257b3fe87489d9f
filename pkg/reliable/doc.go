// Package reliable implements an acknowledged messaging link on top of a
// frame-oriented transport session.
//
// A Link owns at most one live session at a time. Sessions are immutable
// handles: when the underlying connection drops, the handle is marked failed
// and a supervising loop establishes a replacement, so no caller ever observes
// a half-reconnected session. Outgoing application messages are retransmitted
// until acknowledged or until the retry budget is spent; inbound duplicates
// caused by retransmission are acknowledged again but delivered only once
// within the dedupe window.
package reliable
