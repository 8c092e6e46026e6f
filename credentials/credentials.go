package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/pairlink/crypto"
)

// Credentials is the key material and identity metadata of one paired device.
// Transports treat KeyMaterial as opaque storage for their own secrets.
type Credentials struct {
	DeviceID      string            `json:"device_id"`
	Identity      string            `json:"identity,omitempty"`
	StaticPrivate []byte            `json:"static_private"`
	StaticPublic  []byte            `json:"static_public"`
	ServerKey     []byte            `json:"server_key,omitempty"`
	PairedAt      time.Time         `json:"paired_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	KeyMaterial   map[string][]byte `json:"key_material,omitempty"`
}

// ErrInvalid is returned by Validate for structurally broken credentials.
var ErrInvalid = errors.New("invalid credentials")

// NewDevice creates unpaired credentials with a fresh device key.
func NewDevice() (*Credentials, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer crypto.WipeKeyPair(kp)

	return &Credentials{
		DeviceID:      uuid.NewString(),
		StaticPrivate: append([]byte(nil), kp.Private[:]...),
		StaticPublic:  append([]byte(nil), kp.Public[:]...),
		UpdatedAt:     time.Now(),
	}, nil
}

// Paired reports whether the device has completed pairing.
func (c *Credentials) Paired() bool {
	return c != nil && c.Identity != ""
}

// Validate checks key sizes and that the public key matches the private key.
func (c *Credentials) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrInvalid)
	}
	kp, err := crypto.KeyPairFromBytes(c.StaticPrivate, c.StaticPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	crypto.WipeKeyPair(kp)
	if len(c.ServerKey) != 0 && len(c.ServerKey) != crypto.KeySize {
		return fmt.Errorf("%w: server_key is %d bytes", ErrInvalid, len(c.ServerKey))
	}
	return nil
}

// KeyPair returns the device static key pair.
func (c *Credentials) KeyPair() (*crypto.KeyPair, error) {
	return crypto.KeyPairFromBytes(c.StaticPrivate, c.StaticPublic)
}

// Clone returns a deep copy so callers can hand credentials across goroutines.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	out.StaticPrivate = append([]byte(nil), c.StaticPrivate...)
	out.StaticPublic = append([]byte(nil), c.StaticPublic...)
	out.ServerKey = append([]byte(nil), c.ServerKey...)
	if c.KeyMaterial != nil {
		out.KeyMaterial = make(map[string][]byte, len(c.KeyMaterial))
		for k, v := range c.KeyMaterial {
			out.KeyMaterial[k] = append([]byte(nil), v...)
		}
	}
	return &out
}

// Wipe zeroes the secret fields in place.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	crypto.ZeroBytes(c.StaticPrivate)
	for _, v := range c.KeyMaterial {
		crypto.ZeroBytes(v)
	}
}
