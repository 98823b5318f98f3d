package medvault

import (
	"context"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/internal/mem"
	"southwinds.dev/medvault/logging"
	"southwinds.dev/medvault/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// RetryConfig configures retry behaviour for optimistic store writes
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !persist.IsConcurrencyError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// +/- 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
		time.Sleep(delay)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// logAudit records a security event. Audit failures are reported on the
// diagnostic logger and never fail the vault operation.
func logAudit(auditLogger audit.Logger, logger logging.Logger, requestID, action, userID string, err error, metadata map[string]interface{}) {
	if auditLogger == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	if userID != "" {
		metadata["user_id"] = userID
	}
	metadata["request_id"] = requestID

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := auditLogger.Log(action, success, metadata); auditErr != nil {
		logger.Error(context.Background(), "audit logging failed", "action", action, "request_id", requestID, "error", auditErr)
	}
}

func newRequestID() string {
	return "v_" + uuid.NewString()
}

// lockMemory applies best-effort process memory locking when requested.
func lockMemory(options Options) mem.ProtectionLevel {
	if !options.EnableMemoryLock {
		return mem.ProtectionPartial
	}
	level, err := mem.Lock()
	if err != nil {
		options.Logger.Warn(context.Background(), "memory locking failed, continuing with enclave protection only", "error", err)
		return mem.ProtectionPartial
	}
	return level
}
