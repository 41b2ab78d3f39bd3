package delivery

import (
	"context"
	"math"
	"time"
)

// EmulationStatus is the point-in-time result of running a message locally
// against the destination account
type EmulationStatus string

const (
	EmulationUnknown        EmulationStatus = ""
	EmulationSucceeded      EmulationStatus = "succeeded"
	EmulationReplayRejected EmulationStatus = "replay_rejected"
	EmulationFailed         EmulationStatus = "failed"
)

// EmulationResult is what an Executor reports
type EmulationResult struct {
	Status EmulationStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// Executor emulates a message against an account state
type Executor interface {
	Emulate(ctx context.Context, message, accountState []byte) (EmulationResult, error)
}

type ExecutorFunc func(ctx context.Context, message, accountState []byte) (EmulationResult, error)

func (f ExecutorFunc) Emulate(ctx context.Context, message, accountState []byte) (EmulationResult, error) {
	return f(ctx, message, accountState)
}

// MaxExpirationWindow bounds the window of any round, however many retries
// the network allows.
const MaxExpirationWindow = 24 * time.Hour

// ExpirationWindow returns the expiration window of a round: base for the
// first broadcast, multiplied by grow for every retry before it, capped at
// MaxExpirationWindow.
func ExpirationWindow(base time.Duration, grow float64, retry int) time.Duration {
	w := float64(base) * math.Pow(grow, float64(retry))
	if w >= float64(MaxExpirationWindow) || math.IsNaN(w) {
		return MaxExpirationWindow
	}
	return time.Duration(w)
}

// Retryable reports whether an expired message may be broadcast again. Only
// a message whose emulation succeeded, or failed on replay protection, was
// plausibly deliverable.
func Retryable(status EmulationStatus, retries, maxRetries int) bool {
	if retries >= maxRetries {
		return false
	}
	return status == EmulationSucceeded || status == EmulationReplayRejected
}

// waitBound is how long one round waits for confirmation
func waitBound(now, expireAt time.Time, window, processing time.Duration) time.Duration {
	bound := window
	if !expireAt.IsZero() {
		bound = expireAt.Sub(now)
	}
	if processing > 0 && processing < bound {
		bound = processing
	}
	if bound < 0 {
		bound = 0
	}
	return bound
}
