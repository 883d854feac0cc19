package reliability

import (
	"fmt"
	"time"
)

// ErrorType classifies the failure an ErrorRecoveryManager strategy is
// registered against. Only ErrorTypeConnection is exercised today (the
// primary's dial/prewrite/commit RPCs in pkg/txn), but the type stays
// keyed rather than a bare bool so a future caller can register a
// distinct strategy per failure class without changing the map shape.
type ErrorType int

const (
	ErrorTypeConnection ErrorType = iota
)

// RecoveryAction is the strategy's response to a failed attempt.
type RecoveryAction int

const (
	ActionRetry RecoveryAction = iota
)

// RecoveryStrategy governs ExecuteWithRetry's backoff for one ErrorType.
type RecoveryStrategy struct {
	MaxRetries    int
	RetryInterval time.Duration
	BackoffFactor float64
	Action        RecoveryAction
}

// ErrorRecoveryManager holds one RecoveryStrategy per ErrorType and
// drives retries against it.
type ErrorRecoveryManager struct {
	strategies map[ErrorType]*RecoveryStrategy
}

// NewErrorRecoveryManager creates an empty manager; ExecuteWithRetry
// falls back to a default strategy for any ErrorType with none
// registered.
func NewErrorRecoveryManager() *ErrorRecoveryManager {
	return &ErrorRecoveryManager{
		strategies: make(map[ErrorType]*RecoveryStrategy),
	}
}

// RegisterStrategy registers the RecoveryStrategy to use for errorType.
func (m *ErrorRecoveryManager) RegisterStrategy(errorType ErrorType, strategy *RecoveryStrategy) {
	m.strategies[errorType] = strategy
}

// ExecuteWithRetry runs fn, retrying per the registered strategy for
// errorType (or a 3-retry/1s-interval default if none is registered)
// until it succeeds or the retry budget is exhausted.
func (m *ErrorRecoveryManager) ExecuteWithRetry(errorType ErrorType, fn func() error) error {
	strategy, ok := m.strategies[errorType]
	if !ok {
		strategy = &RecoveryStrategy{
			MaxRetries:    3,
			RetryInterval: 1 * time.Second,
			BackoffFactor: 1.0,
			Action:        ActionRetry,
		}
	}

	var lastErr error
	interval := strategy.RetryInterval

	for attempt := 0; attempt <= strategy.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < strategy.MaxRetries {
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * strategy.BackoffFactor)
		}
	}

	return fmt.Errorf("max retries (%d) exceeded, last error: %w", strategy.MaxRetries, lastErr)
}
