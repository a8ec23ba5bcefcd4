// Package dispatch routes decoded requests to their registered handlers.
//
// A handler runs in its own goroutine under a per-call deadline, so neither
// the submitting read loop nor any other session waits on it. Results are
// correlated back to the originating request and delivered exactly once: on
// the session's stream multiplexer for streaming sessions, on a reply channel
// for fallback sessions. Calls outliving their deadline yield a Timeout error
// immediately while the handler finishes (or is cancelled) in the background;
// destroying a session cancels all of its pending calls.
package dispatch
