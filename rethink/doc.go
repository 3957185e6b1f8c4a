// Package rethink implements the connection core of a RethinkDB-style
// driver: transport establishment, the versioned authentication handshake,
// request/response multiplexing over a single TCP stream, cancellation, and
// drain-aware shutdown.
//
// The primary lifecycle is:
//   - construct a Connection with NewConnection (or the Connect shorthand)
//   - Connect to perform the handshake
//   - Run or RunAsync serialized query terms, consuming streamed results
//     through a Cursor
//   - NoreplyWait to drain previously issued no-reply work
//   - Close or Reconnect when finished
//
// Query terms are opaque to this package: callers hand in serialized
// documents and receive serialized rows back. Building and pretty-printing
// query expressions is a layer above this core.
//
// A Connection is safe for concurrent use. Submissions may originate from
// any number of goroutines; responses are delivered by a single receive
// loop, so continuations for one token always fire in server order.
// Lifecycle listeners registered with AddListener observe exactly one
// connect and one close event per connect/close cycle.
//
// Failures are reported as *DriverError values whose Error text is stable
// and literal: connect failures name the host and port, handshake
// rejections carry the server's verbatim reason, and operations on a closed
// connection report "Connection is closed."
package rethink
