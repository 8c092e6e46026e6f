// Package limits provides centralized size constants and validation functions
// for pairlink.
//
// # Size Hierarchy
//
//   - MaxTextMessage (32 KiB): largest text accepted by the delivery manager.
//   - MaxQRPayload (4 KiB): largest pairing challenge accepted from a server.
//   - MaxFramePlaintext / MaxFrame: the Noise transport frame budget. One
//     Noise message is at most 65535 bytes including the 16 byte AEAD tag.
//
// # Validation
//
//	if err := limits.ValidateText(text); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// ValidateMessageSize covers custom limits.
package limits
