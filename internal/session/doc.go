// Package session tracks the logical conversations behind the transport.
//
// A Session is created on the first successful protocol handshake, mutated on
// every message, and destroyed after an inactivity timeout or explicit client
// termination. The Store is the single shared mutable structure of the server;
// create, resume, touch, and destroy are atomic with respect to concurrent
// callers, and a timer-driven sweep reclaims idle sessions independently of
// request traffic.
//
// A session references at most one outbound Channel (the stream multiplexer)
// at a time. Destroying a session closes the channel and fires the OnDestroy
// hook so the dispatcher can release pending calls.
package session
