// Package transport defines the contract between the session state machine and
// the messaging service connection, plus two implementations.
//
// # Contract
//
// An [Adapter] opens one connection at a time, sends payloads to a target, and
// reports everything else through a single event channel that stays valid for
// the adapter's lifetime:
//
//	qr(data)                   pairing challenge to display
//	opened                     the service confirmed the session
//	closed(code, message)      the remote side or the network ended it
//	credentialsUpdated(creds)  new key material to persist
//	message(envelope)          inbound message
//
// Close is a local action and never produces a closed event.
//
// # Implementations
//
//   - [WebSocketAdapter] speaks to a link server over gorilla/websocket. The
//     connection starts with a Noise IK handshake (device static key from the
//     credentials, pinned server key from configuration); every later frame is
//     a ChaCha20-Poly1305 encrypted JSON message.
//   - [SimulatedTransport] is a scriptable in-memory adapter for tests and
//     demos.
package transport
