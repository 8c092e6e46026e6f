// Package config loads pairlink settings from TOML or YAML files and the
// environment, and maps them onto the component configs.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opd-ai/pairlink/credentials"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/delivery"
	"github.com/opd-ai/pairlink/reconnect"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/transport"
)

// Environment overrides, applied after the file.
const (
	EnvSessionID  = "PAIRLINK_SESSION_ID"
	EnvDataDir    = "PAIRLINK_DATA_DIR"
	EnvPassphrase = "PAIRLINK_PASSPHRASE"
	EnvServerURL  = "PAIRLINK_SERVER_URL"
	EnvLogLevel   = "PAIRLINK_LOG_LEVEL"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as "60s" in config files.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full pairlink configuration.
type Config struct {
	Session     SessionConfig     `toml:"session" yaml:"session" json:"session"`
	Reconnect   ReconnectConfig   `toml:"reconnect" yaml:"reconnect" json:"reconnect"`
	Delivery    DeliveryConfig    `toml:"delivery" yaml:"delivery" json:"delivery"`
	Transport   TransportConfig   `toml:"transport" yaml:"transport" json:"transport"`
	Credentials CredentialsConfig `toml:"credentials" yaml:"credentials" json:"credentials"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging" json:"logging"`
}

// SessionConfig configures the state machine.
type SessionConfig struct {
	ID                  string   `toml:"id" yaml:"id" json:"id"`
	PairingTimeout      Duration `toml:"pairing_timeout" yaml:"pairing_timeout" json:"pairing_timeout"`
	OpenTimeout         Duration `toml:"open_timeout" yaml:"open_timeout" json:"open_timeout"`
	ProtocolRejectLimit int      `toml:"protocol_reject_limit" yaml:"protocol_reject_limit" json:"protocol_reject_limit"`
}

// ReconnectConfig configures the backoff policy.
type ReconnectConfig struct {
	ShortStep              Duration `toml:"short_step" yaml:"short_step" json:"short_step"`
	LongStep               Duration `toml:"long_step" yaml:"long_step" json:"long_step"`
	ShortTierAttempts      int      `toml:"short_tier_attempts" yaml:"short_tier_attempts" json:"short_tier_attempts"`
	ProtocolRejectedFactor float64  `toml:"protocol_rejected_factor" yaml:"protocol_rejected_factor" json:"protocol_rejected_factor"`
	MaxAttempts            int      `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
}

// DeliveryConfig configures outbound sends.
type DeliveryConfig struct {
	ReadyGrace    Duration `toml:"ready_grace" yaml:"ready_grace" json:"ready_grace"`
	SendTimeout   Duration `toml:"send_timeout" yaml:"send_timeout" json:"send_timeout"`
	MaxRetries    int      `toml:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryDelay    Duration `toml:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	DefaultServer string   `toml:"default_server" yaml:"default_server" json:"default_server"`
}

// TransportConfig configures the WebSocket link.
type TransportConfig struct {
	ServerURL string `toml:"server_url" yaml:"server_url" json:"server_url"`
	// ServerKey is the link server's static Curve25519 key, hex or base64.
	ServerKey        string   `toml:"server_key" yaml:"server_key" json:"server_key"`
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout" json:"handshake_timeout"`
	AckTimeout       Duration `toml:"ack_timeout" yaml:"ack_timeout" json:"ack_timeout"`
	PingInterval     Duration `toml:"ping_interval" yaml:"ping_interval" json:"ping_interval"`
}

// CredentialsConfig locates and unlocks the credential store.
type CredentialsConfig struct {
	DataDir    string `toml:"data_dir" yaml:"data_dir" json:"data_dir"`
	Passphrase string `toml:"passphrase" yaml:"passphrase" json:"passphrase"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
	Output string `toml:"output" yaml:"output" json:"output"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := session.DefaultConfig()
	dc := delivery.DefaultConfig()
	wc := transport.DefaultWebSocketConfig()

	return Config{
		Session: SessionConfig{
			ID:             "default",
			PairingTimeout: D(sc.PairingTimeout),
			OpenTimeout:    D(sc.OpenTimeout),
		},
		Reconnect: ReconnectConfig{
			ShortStep:              D(sc.Policy.ShortStep),
			LongStep:               D(sc.Policy.LongStep),
			ShortTierAttempts:      sc.Policy.ShortTierAttempts,
			ProtocolRejectedFactor: sc.Policy.ProtocolRejectedFactor,
			MaxAttempts:            sc.Policy.MaxAttempts,
		},
		Delivery: DeliveryConfig{
			ReadyGrace:    D(dc.ReadyGrace),
			SendTimeout:   D(dc.SendTimeout),
			MaxRetries:    dc.MaxRetries,
			RetryDelay:    D(dc.RetryDelay),
			DefaultServer: dc.DefaultServer,
		},
		Transport: TransportConfig{
			HandshakeTimeout: D(wc.HandshakeTimeout),
			AckTimeout:       D(wc.AckTimeout),
			PingInterval:     D(wc.PingInterval),
		},
		Credentials: CredentialsConfig{
			DataDir: DefaultDataDir(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DefaultDataDir is $XDG_CONFIG_HOME/pairlink or its platform equivalent.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".pairlink"
	}
	return filepath.Join(dir, "pairlink")
}

// ApplyEnv overrides fields from the PAIRLINK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSessionID); ok && strings.TrimSpace(v) != "" {
		c.Session.ID = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDataDir); ok && strings.TrimSpace(v) != "" {
		c.Credentials.DataDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPassphrase); ok && v != "" {
		c.Credentials.Passphrase = v
	}
	if v, ok := lookup(EnvServerURL); ok && strings.TrimSpace(v) != "" {
		c.Transport.ServerURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
}

// Validate checks every section. The transport section is only checked when
// a server URL is set.
func (c Config) Validate() error {
	if err := credentials.ValidateSessionID(c.Session.ID); err != nil {
		return fmt.Errorf("%w: session.id: %v", ErrInvalid, err)
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.DeliveryConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Credentials.DataDir == "" {
		return fmt.Errorf("%w: credentials.data_dir is required", ErrInvalid)
	}
	if c.Transport.ServerURL != "" {
		u, err := url.Parse(c.Transport.ServerURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%w: transport.server_url must be a ws:// or wss:// url", ErrInvalid)
		}
		if _, err := c.ServerKey(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalid)
	}
	return nil
}

// SessionConfig maps the session and reconnect sections.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		PairingTimeout:      c.Session.PairingTimeout.Duration,
		OpenTimeout:         c.Session.OpenTimeout.Duration,
		ProtocolRejectLimit: c.Session.ProtocolRejectLimit,
		Policy:              c.ReconnectPolicy(),
	}
}

// ReconnectPolicy maps the reconnect section.
func (c Config) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{
		ShortStep:              c.Reconnect.ShortStep.Duration,
		LongStep:               c.Reconnect.LongStep.Duration,
		ShortTierAttempts:      c.Reconnect.ShortTierAttempts,
		ProtocolRejectedFactor: c.Reconnect.ProtocolRejectedFactor,
		MaxAttempts:            c.Reconnect.MaxAttempts,
	}
}

// DeliveryConfig maps the delivery section.
func (c Config) DeliveryConfig() delivery.Config {
	return delivery.Config{
		ReadyGrace:    c.Delivery.ReadyGrace.Duration,
		SendTimeout:   c.Delivery.SendTimeout.Duration,
		MaxRetries:    c.Delivery.MaxRetries,
		RetryDelay:    c.Delivery.RetryDelay.Duration,
		DefaultServer: c.Delivery.DefaultServer,
	}
}

// WebSocketConfig maps the transport section.
func (c Config) WebSocketConfig() (transport.WebSocketConfig, error) {
	key, err := c.ServerKey()
	if err != nil {
		return transport.WebSocketConfig{}, err
	}
	wc := transport.DefaultWebSocketConfig()
	wc.ServerURL = c.Transport.ServerURL
	wc.ServerKey = key
	wc.HandshakeTimeout = c.Transport.HandshakeTimeout.Duration
	wc.AckTimeout = c.Transport.AckTimeout.Duration
	wc.PingInterval = c.Transport.PingInterval.Duration
	return wc, nil
}

// ServerKey decodes transport.server_key from hex or base64.
func (c Config) ServerKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Transport.ServerKey)
	if raw == "" {
		return nil, errors.New("transport.server_key is required")
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == crypto.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == crypto.KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("transport.server_key must be %d bytes of hex or base64", crypto.KeySize)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Credentials.Passphrase != "" {
		c.Credentials.Passphrase = "********"
	}
	return c
}
