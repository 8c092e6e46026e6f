// Package session owns the connection state of one paired device.
//
// A Machine serializes every transition through a single goroutine: adapter
// events, timer firings, open results and caller commands all arrive on that
// loop, so ConnectionState has exactly one writer. Readers get immutable
// snapshots through Status and Diagnostics.
//
// Disconnects are classified from the transport close code:
//
//	410             LoggedOut         terminal, credentials wiped
//	401, 419, 500   AuthExpired       credentials wiped, fresh pairing
//	405, 426        ProtocolRejected  extended backoff, Failed after repeats
//	anything else   Transient         standard backoff
//
// Notifications are delivered in order on a separate goroutine so listeners
// never run on the control path.
package session
