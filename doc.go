// Package drift is a client/server networking middleware layer
// for real-time applications.
//
// A [Connection] multiplexes typed messages over a fixed set of channels,
// each with its own quality of service,
// on top of an unreliable datagram substrate described by [dtransport.Transport].
// Reliable channels queue packets when the substrate pushes back
// and preserve send order; unreliable channels never buffer stale data.
// A [Server] accepts many connections, copies its handler table into each,
// and can relay unhandled messages between clients.
//
// Everything is driven by the application's tick:
// call Update on each Connection or Server once per frame.
// Only DNS resolution runs on another goroutine,
// and its result is handed back to the tick through a channel.
//
// The dmove subpackage builds networked movement reconciliation
// on top of a Connection.
package drift
