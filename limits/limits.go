// Package limits provides centralized size limits for pairlink messages and
// transport frames, so validation is consistent across components.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxTextMessage is the largest outbound text payload accepted for delivery.
	// It leaves room in one transport frame for the JSON envelope.
	MaxTextMessage = 32768

	// MaxQRPayload bounds the pairing challenge carried in a qr frame.
	MaxQRPayload = 4096

	// NoiseOverhead is the ChaCha20-Poly1305 tag added to each transport frame.
	NoiseOverhead = 16

	// MaxFrame is the largest encrypted transport frame. The Noise protocol
	// caps a single message at 65535 bytes.
	MaxFrame = 65535

	// MaxFramePlaintext is the plaintext budget of one frame.
	MaxFramePlaintext = MaxFrame - NoiseOverhead
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateText validates an outbound text payload against MaxTextMessage.
func ValidateText(text string) error {
	if len(text) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxTextMessage {
		return fmt.Errorf("%w: text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxTextMessage)
	}
	return nil
}

// ValidateFrame validates an encrypted frame received from the network.
func ValidateFrame(frame []byte) error {
	return ValidateMessageSize(frame, MaxFrame)
}

// ValidateFramePlaintext validates a plaintext frame before encryption.
func ValidateFramePlaintext(plaintext []byte) error {
	return ValidateMessageSize(plaintext, MaxFramePlaintext)
}
