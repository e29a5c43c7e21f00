// Package session implements the connection lifecycle of a token delivery:
// filtered scan, connect, service discovery, token write with
// acknowledgement, the post-success disconnect and bounded automatic
// reconnection.
//
// A Machine owns at most one peripheral at a time. Callers start an attempt
// with BeginOpenSequence and observe it through SubscribeStates, the
// EventLog and Signal; ResetState is the only way to cancel an attempt.
//
// State transitions:
//
//	Idle → Scanning → Connecting → (discovery gate) → Connected → Opening → Success → Idle
//
// Error is reachable from Scanning, Connecting, the discovery gate and
// Opening. Connecting re-enters itself while the ReconnectPolicy authorizes
// another attempt.
package session
