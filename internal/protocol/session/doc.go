// Package session owns the framed message session over one peer stream.
//
// Ownership boundary:
// - read loop: receive, peek kind, dispatch to registered handlers
// - write loop: drain the bounded outbound queue onto the transport
// - lifecycle: start, restart, close, state reporting
// - reconnect backoff used by the owning layer
//
// Enqueue never blocks. A full queue is reported as ErrQueueFull and the
// caller decides whether to drop, retry, or push back upstream.
//
// Transport failures end the loop on that side only. Decode failures,
// unknown kinds, and handler panics are logged and the read loop continues.
package session
