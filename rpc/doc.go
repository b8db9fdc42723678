// Package rpc implements the msgpack-RPC session core: an event loop
// that owns a duplex transport and a session layer that correlates
// outbound requests with their responses while routing inbound
// requests and notifications to application callbacks.
//
// The concurrency model is cooperative and single-driver: one
// goroutine drives the loop (via Session.Run, Session.NextMessage or a
// blocking Session.Request) and all callbacks execute on it. A request
// issued from inside a handler suspends by recursively driving the
// loop, so the peer can issue nested requests back before the outer
// response arrives. Other goroutines interact with the session only
// through Session.ThreadsafeCall, which marshals a callback onto the
// driving goroutine.
package rpc
