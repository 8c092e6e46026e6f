package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of Curve25519 public and private keys.
const KeySize = 32

// ErrInvalidKey is returned for keys that are the wrong size or all zeros.
var ErrInvalidKey = errors.New("invalid key")

// KeyPair represents a Curve25519 key pair used as a device's static identity.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey rebuilds a key pair from a stored private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: all zeros", ErrInvalidKey)
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyPairFromBytes validates raw key bytes and checks that the public half
// matches the private half.
func KeyPairFromBytes(private, public []byte) (*KeyPair, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrInvalidKey, len(private), KeySize)
	}
	if len(public) != KeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(public), KeySize)
	}

	var sk [32]byte
	copy(sk[:], private)
	kp, err := FromSecretKey(sk)
	ZeroBytes(sk[:])
	if err != nil {
		return nil, err
	}

	if !equalKeys(kp.Public[:], public) {
		WipeKeyPair(kp)
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	return kp, nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

func equalKeys(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
