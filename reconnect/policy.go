// Package reconnect computes reconnection delays for a dropped session.
//
// The policy is a pure function of the attempt number and the class of the
// disconnect, so it can be tested without a transport or a clock.
package reconnect

import (
	"errors"
	"fmt"
	"time"
)

// Class groups disconnect causes that share a backoff curve.
type Class uint8

const (
	// ClassTransient covers network errors, timeouts and pairing inactivity.
	ClassTransient Class = iota
	// ClassProtocolRejected covers server-side method or version rejections.
	ClassProtocolRejected
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassProtocolRejected:
		return "protocol_rejected"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ErrExhausted is returned once the attempt budget is spent.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Policy defines the two-tier linear backoff.
type Policy struct {
	// ShortStep is multiplied by attempt+1 for attempts below ShortTierAttempts.
	ShortStep time.Duration
	// LongStep is multiplied by attempt+1 from ShortTierAttempts on.
	LongStep time.Duration
	// ShortTierAttempts is the number of attempts that use ShortStep.
	ShortTierAttempts int
	// ProtocolRejectedFactor stretches delays for ClassProtocolRejected.
	ProtocolRejectedFactor float64
	// MaxAttempts is the attempt budget; attempt >= MaxAttempts is exhausted.
	MaxAttempts int
}

// DefaultPolicy returns 3s steps for attempts 0-1, 5s steps afterwards, a 2x
// protocol-rejection factor and five attempts.
func DefaultPolicy() Policy {
	return Policy{
		ShortStep:              3 * time.Second,
		LongStep:               5 * time.Second,
		ShortTierAttempts:      2,
		ProtocolRejectedFactor: 2.0,
		MaxAttempts:            5,
	}
}

// Validate reports configuration that would break the ordering guarantees.
func (p Policy) Validate() error {
	if p.ShortStep <= 0 || p.LongStep <= 0 {
		return fmt.Errorf("reconnect: steps must be positive (short=%s long=%s)", p.ShortStep, p.LongStep)
	}
	if p.ShortTierAttempts < 0 {
		return fmt.Errorf("reconnect: short tier attempts must not be negative")
	}
	if p.ProtocolRejectedFactor < 1.0 {
		return fmt.Errorf("reconnect: protocol rejected factor %.2f must be >= 1", p.ProtocolRejectedFactor)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("reconnect: max attempts must be at least 1")
	}
	return nil
}

// NextDelay returns the delay before reconnect attempt number attempt
// (0-based, counted since the last successful open).
func (p Policy) NextDelay(attempt int, class Class) (time.Duration, error) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= p.MaxAttempts {
		return 0, ErrExhausted
	}

	step := p.LongStep
	if attempt < p.ShortTierAttempts {
		step = p.ShortStep
	}
	delay := time.Duration(attempt+1) * step

	if class == ClassProtocolRejected && p.ProtocolRejectedFactor > 1.0 {
		delay = time.Duration(float64(delay) * p.ProtocolRejectedFactor)
	}
	return delay, nil
}

// Schedule lists every delay the policy allows for class, in attempt order.
func (p Policy) Schedule(class Class) []time.Duration {
	out := make([]time.Duration, 0, p.MaxAttempts)
	for attempt := 0; ; attempt++ {
		d, err := p.NextDelay(attempt, class)
		if err != nil {
			return out
		}
		out = append(out, d)
	}
}
