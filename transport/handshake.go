package transport

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/limits"
)

// HandshakeRole defines whether we're initiating or responding to a handshake.
type HandshakeRole uint8

const (
	// Initiator starts the handshake and knows the responder's static key.
	Initiator HandshakeRole = iota
	// Responder answers the handshake.
	Responder
)

var (
	errHandshakeNotComplete = errors.New("handshake not complete")
	errHandshakeComplete    = errors.New("handshake already complete")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// IKHandshake runs the two-message Noise IK pattern. The device is always the
// initiator: it knows the link server's static key and proves its own.
type IKHandshake struct {
	role     HandshakeRole
	state    *noise.HandshakeState
	complete bool
	cipher   *FrameCipher
	// noise holds the static key by reference; wiped once the handshake ends.
	private []byte
}

// NewIKHandshake creates a handshake for role. peerStatic is required for the
// initiator and ignored for the responder.
func NewIKHandshake(static *crypto.KeyPair, peerStatic []byte, role HandshakeRole) (*IKHandshake, error) {
	if static == nil {
		return nil, fmt.Errorf("%w: missing static key", ErrHandshake)
	}
	if role == Initiator && len(peerStatic) != crypto.KeySize {
		return nil, fmt.Errorf("%w: initiator requires a %d byte peer key, got %d", ErrHandshake, crypto.KeySize, len(peerStatic))
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), static.Private[:]...),
		Public:  append([]byte(nil), static.Public[:]...),
	}

	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}
	if role == Initiator {
		cfg.PeerStatic = append([]byte(nil), peerStatic...)
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &IKHandshake{role: role, state: state, private: staticKey.Private}, nil
}

// WriteMessage produces the next handshake message carrying payload.
// The initiator calls it first (-> e, es, s, ss); the responder calls it after
// ReadMessage (<- e, ee, se) and completes.
func (ik *IKHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if ik.complete {
		return nil, errHandshakeComplete
	}

	msg, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrHandshake, err)
	}
	if cs1 != nil && cs2 != nil {
		ik.finish(cs1, cs2)
	}
	return msg, nil
}

// ReadMessage consumes a handshake message from the peer and returns its
// payload. The initiator completes after reading the responder's reply.
func (ik *IKHandshake) ReadMessage(message []byte) ([]byte, error) {
	if ik.complete {
		return nil, errHandshakeComplete
	}

	payload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrHandshake, err)
	}
	if cs1 != nil && cs2 != nil {
		ik.finish(cs1, cs2)
	}
	return payload, nil
}

// cs1 always protects initiator-to-responder traffic.
func (ik *IKHandshake) finish(cs1, cs2 *noise.CipherState) {
	if ik.role == Initiator {
		ik.cipher = &FrameCipher{send: cs1, recv: cs2}
	} else {
		ik.cipher = &FrameCipher{send: cs2, recv: cs1}
	}
	ik.complete = true
	ik.Wipe()
}

// Wipe zeroes the static private key copy held for the handshake. Callers that
// abandon an incomplete handshake should call it; completion calls it itself.
func (ik *IKHandshake) Wipe() {
	crypto.ZeroBytes(ik.private)
}

// IsComplete reports whether both handshake messages were processed.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// PeerStatic returns the peer's static public key once it is known.
func (ik *IKHandshake) PeerStatic() []byte {
	return ik.state.PeerStatic()
}

// Cipher returns the transport cipher after completion.
func (ik *IKHandshake) Cipher() (*FrameCipher, error) {
	if !ik.complete {
		return nil, errHandshakeNotComplete
	}
	return ik.cipher, nil
}

// FrameCipher encrypts post-handshake frames. Encrypt and Decrypt each keep a
// nonce counter, so callers must serialize each direction.
type FrameCipher struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// Encrypt seals one outbound frame.
func (c *FrameCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if err := limits.ValidateFramePlaintext(plaintext); err != nil {
		return nil, err
	}
	return c.send.Encrypt(nil, nil, plaintext)
}

// Decrypt opens one inbound frame.
func (c *FrameCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if err := limits.ValidateFrame(ciphertext); err != nil {
		return nil, err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return plaintext, nil
}
