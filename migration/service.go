// Package migration moves a user's sensitive fields onto their per-user
// vault. It reads each item's plaintext or legacy ciphertext, recovers the
// value, seals it with the user's vault and writes it back in bounded
// batches.
//
// The service must be the only writer of the user's items while it runs.
// That is an operational requirement and is not enforced here.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/medvault"
	"southwinds.dev/medvault/audit"
	"southwinds.dev/medvault/internal/misc"
	"southwinds.dev/medvault/legacy"
	"southwinds.dev/medvault/logging"
	"southwinds.dev/medvault/records"
)

// DefaultBatchSize caps the number of items committed per transaction.
const DefaultBatchSize = 100

// GlobalDecrypter reads ciphertext sealed by the global vault.
// *medvault.GlobalVault satisfies it.
type GlobalDecrypter interface {
	IsUnlocked() bool
	DecryptData(ciphertext []byte) (string, error)
	DecryptBytes(ciphertext []byte) ([]byte, error)
	DecryptCredential(ciphertext []byte) ([]byte, error)
}

// Options tunes a migration run.
type Options struct {
	// BatchSize is the number of items per transaction. Zero means DefaultBatchSize.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ClearSource nulls the plaintext and legacy columns of migrated items.
	ClearSource bool `json:"clear_source" yaml:"clear_source"`

	// Categories restricts the run. Empty means all categories.
	Categories []records.Category `json:"categories,omitempty" yaml:"categories,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if len(o.Categories) == 0 {
		o.Categories = records.Categories()
	}
	return o
}

// ItemError records why one item was not migrated.
type ItemError struct {
	Category records.Category `json:"category"`
	ItemID   string           `json:"item_id"`
	Message  string           `json:"message"`
	Err      error            `json:"-"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.ItemID, e.Message)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// Result summarises a run. Migrated counts items written per category.
type Result struct {
	RunID      string                   `json:"run_id"`
	UserID     string                   `json:"user_id"`
	Migrated   map[records.Category]int `json:"migrated"`
	Errors     []ItemError              `json:"errors"`
	Batches    int                      `json:"batches"`
	Cancelled  bool                     `json:"cancelled"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
}

// Success reports a complete run without item errors.
func (r *Result) Success() bool {
	return len(r.Errors) == 0 && !r.Cancelled
}

// Total returns the number of items written across categories.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Migrated {
		n += c
	}
	return n
}

func (r *Result) addError(item *records.Item, err error) {
	r.Errors = append(r.Errors, ItemError{
		Category: item.Category,
		ItemID:   item.ID,
		Message:  err.Error(),
		Err:      err,
	})
}

// Service re-encrypts items under per-user vaults.
type Service struct {
	repo    records.Repository
	global  GlobalDecrypter
	legacy  *legacy.CredentialCipher
	logger  logging.Logger
	audit   audit.Logger
	options Options
}

// NewService builds a migration service. global and legacyCipher may be nil
// when no items use the corresponding scheme; such items then fail
// individually.
func NewService(repo records.Repository, global GlobalDecrypter, legacyCipher *legacy.CredentialCipher,
	logger logging.Logger, auditLogger audit.Logger, options Options) (*Service, error) {
	if repo == nil {
		return nil, errors.New("records repository is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &Service{
		repo:    repo,
		global:  global,
		legacy:  legacyCipher,
		logger:  logger,
		audit:   auditLogger,
		options: options.withDefaults(),
	}, nil
}

// MigrateUser converts every pending item of the user to target, which is
// normally the user's unlocked vault. Items already holding vault
// ciphertext are not selected, so a second run converts nothing new.
//
// Item failures are collected in Result.Errors and do not stop the run.
// Cancelling ctx stops the run between batches with Result.Cancelled set;
// committed batches stay committed. A non-nil error means the store itself
// failed and the returned Result holds the progress made until then.
func (s *Service) MigrateUser(ctx context.Context, userID string, target medvault.Cipher) (*Result, error) {
	if target == nil || !target.IsUnlocked() {
		return nil, fmt.Errorf("migration target for user %s: %w", userID, medvault.ErrLocked)
	}

	result := s.newResult(userID)
	logger := s.logger.With("run_id", result.RunID, "user", misc.Redact(userID))
	s.logAudit("MIGRATION_STARTED", result, nil, map[string]interface{}{
		"batch_size":   s.options.BatchSize,
		"clear_source": s.options.ClearSource,
	})
	logger.Info(ctx, "migration started", "categories", len(s.options.Categories))

	var runErr error
	for _, category := range s.options.Categories {
		if runErr = s.migrateCategory(ctx, logger, userID, category, target, result); runErr != nil || result.Cancelled {
			break
		}
	}

	return s.finish(ctx, logger, "MIGRATION", result, runErr)
}

func (s *Service) migrateCategory(ctx context.Context, logger logging.Logger, userID string,
	category records.Category, target medvault.Cipher, result *Result) error {
	afterID := ""
	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			return nil
		}

		items, err := s.repo.Pending(ctx, userID, category, afterID, s.options.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return nil
			}
			return fmt.Errorf("read pending %s: %w", category, err)
		}
		if len(items) == 0 {
			return nil
		}
		// failed items stay pending, so page past them
		afterID = items[len(items)-1].ID

		prepared := make([]converted, 0, len(items))
		for _, item := range items {
			ciphertext, err := s.convert(item, target)
			if err != nil {
				logger.Warn(ctx, "item not migrated", "category", string(category), "item", item.ID, "error", err)
				result.addError(item, err)
				continue
			}
			prepared = append(prepared, converted{item: item, ciphertext: ciphertext})
		}

		if err = s.commit(ctx, prepared); err != nil {
			logger.Error(ctx, "batch commit failed", "category", string(category), "items", len(prepared), "error", err)
			for _, c := range prepared {
				result.addError(c.item, fmt.Errorf("batch commit failed: %w", err))
			}
		} else if len(prepared) > 0 {
			result.Migrated[category] += len(prepared)
			logger.Debug(ctx, "batch committed", "category", string(category), "items", len(prepared))
		}
		result.Batches++

		if len(items) < s.options.BatchSize {
			return nil
		}
	}
}

type converted struct {
	item       *records.Item
	ciphertext []byte
}

// commit writes a converted batch in one transaction. Cancellation of ctx
// does not reach the transaction: a batch that was converted is committed
// and the run stops at the next batch boundary.
func (s *Service) commit(ctx context.Context, batch []converted) error {
	if len(batch) == 0 {
		return nil
	}
	return s.repo.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, w records.Writer) error {
		for _, c := range batch {
			if err := w.SaveVaultCiphertext(ctx, c.item.Category, c.item.ID, c.ciphertext, s.options.ClearSource); err != nil {
				return err
			}
		}
		return nil
	})
}

// convert recovers the item's value and seals it with target.
func (s *Service) convert(item *records.Item, target medvault.Cipher) ([]byte, error) {
	plaintext, err := s.recoverPlaintext(item)
	if err != nil {
		return nil, err
	}
	return seal(target, item, plaintext)
}

func (s *Service) newResult(userID string) *Result {
	return &Result{
		RunID:     uuid.NewString(),
		UserID:    userID,
		Migrated:  make(map[records.Category]int),
		StartedAt: time.Now().UTC(),
	}
}

func (s *Service) finish(ctx context.Context, logger logging.Logger, prefix string, result *Result, runErr error) (*Result, error) {
	result.FinishedAt = time.Now().UTC()
	metadata := map[string]interface{}{
		"migrated":    result.Total(),
		"item_errors": len(result.Errors),
		"batches":     result.Batches,
		"duration_ms": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}

	switch {
	case runErr != nil:
		s.logAudit(prefix+"_FAILED", result, runErr, metadata)
		logger.Error(ctx, "migration failed", "error", runErr, "migrated", result.Total())
	case result.Cancelled:
		s.logAudit(prefix+"_CANCELLED", result, nil, metadata)
		logger.Warn(ctx, "migration cancelled", "migrated", result.Total())
	default:
		s.logAudit(prefix+"_COMPLETED", result, nil, metadata)
		logger.Info(ctx, "migration completed", "migrated", result.Total(), "item_errors", len(result.Errors))
	}
	return result, runErr
}

func (s *Service) logAudit(action string, result *Result, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["user_id"] = result.UserID
	metadata["request_id"] = result.RunID
	if err != nil {
		metadata["error"] = err.Error()
	}
	if auditErr := s.audit.Log(action, err == nil, metadata); auditErr != nil {
		s.logger.Error(context.Background(), "audit logging failed", "action", action, "error", auditErr)
	}
}
