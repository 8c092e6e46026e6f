package session

import (
	"fmt"
	"time"

	"github.com/opd-ai/pairlink/reconnect"
	"github.com/opd-ai/pairlink/transport"
)

// DisconnectKind classifies why a connection ended.
type DisconnectKind uint8

const (
	KindTransient DisconnectKind = iota
	KindAuthExpired
	KindProtocolRejected
	KindLoggedOut
	KindCredentialFailure
)

func (k DisconnectKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindProtocolRejected:
		return "protocol_rejected"
	case KindLoggedOut:
		return "logged_out"
	case KindCredentialFailure:
		return "credential_failure"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText renders the kind by name.
func (k DisconnectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DisconnectReason is a classified close event. It implements error so it can
// travel as the cause of a permanent failure.
type DisconnectReason struct {
	Kind    DisconnectKind      `json:"kind"`
	Code    transport.CloseCode `json:"code"`
	Message string              `json:"message,omitempty"`
	// DuringPairing is set when the connection ended before the device was
	// paired, which always means a new QR scan.
	DuringPairing bool `json:"during_pairing,omitempty"`
}

// Classify maps a transport close code to a DisconnectReason.
func Classify(code transport.CloseCode, message string) DisconnectReason {
	r := DisconnectReason{Code: code, Message: message}
	switch code {
	case transport.CodeLoggedOut:
		r.Kind = KindLoggedOut
	case transport.CodeUnauthorized, transport.CodeSessionExpired, transport.CodeBadSession:
		r.Kind = KindAuthExpired
	case transport.CodeMethodRejected, transport.CodeVersionRejected:
		r.Kind = KindProtocolRejected
	default:
		r.Kind = KindTransient
	}
	return r
}

func (r DisconnectReason) Error() string {
	if r.Message == "" {
		return fmt.Sprintf("%s (code %d)", r.Kind, r.Code)
	}
	return fmt.Sprintf("%s (code %d): %s", r.Kind, r.Code, r.Message)
}

// Class returns the backoff class used for the reconnect delay.
func (r DisconnectReason) Class() reconnect.Class {
	if r.Kind == KindProtocolRejected {
		return reconnect.ClassProtocolRejected
	}
	return reconnect.ClassTransient
}

// NeedsRescan reports whether the user has to scan a new QR code.
func (r DisconnectReason) NeedsRescan() bool {
	switch r.Kind {
	case KindLoggedOut, KindAuthExpired, KindCredentialFailure:
		return true
	}
	return r.DuringPairing
}

// Hint is the user-facing status line for this disconnect.
func (r DisconnectReason) Hint(willRetry bool, retryIn time.Duration) string {
	var hint string
	switch {
	case r.Kind == KindLoggedOut:
		return "logged out: re-scan required"
	case r.NeedsRescan():
		hint = "re-scan required"
	case willRetry:
		return fmt.Sprintf("retrying in %s", retryIn.Round(time.Second))
	default:
		return r.Error()
	}
	if willRetry {
		hint += fmt.Sprintf(", retrying in %s", retryIn.Round(time.Second))
	}
	return hint
}
