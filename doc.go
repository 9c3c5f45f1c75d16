// The [resws] package keeps a single WebSocket connection alive across
// transient network failures.
//
// # Sessions
//
// A [Client] wraps a [session.Session], the connection state machine. It
// reconnects with exponential backoff and jitter after a lost connection,
// pings the peer while connected, and defers reconnection while the
// network is unreachable. Commands such as [session.Session.BeginSession]
// and [session.Session.Send] never block; state is observed through
// snapshots or callbacks.
//
// # Transport Engines
//
// There are 2 transport engines, [EngineGorilla] (github.com/gorilla/websocket)
// and [EngineGWS] (github.com/lxzan/gws). Both publish the same events, so
// the session behaves identically on either.
//
// # Reachability
//
// Unless [WithReachability] supplies an observer, the client probes the
// endpoint host over TCP with a [reachability.Prober]. Applications that
// receive OS-level network notifications can feed them through a
// [reachability.Manual] instead.
package resws
