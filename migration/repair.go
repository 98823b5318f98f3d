package migration

import (
	"context"
	"errors"
	"fmt"

	"southwinds.dev/medvault"
	"southwinds.dev/medvault/internal/misc"
	"southwinds.dev/medvault/logging"
	"southwinds.dev/medvault/records"
)

// ErrUnrecoverable is recorded for items whose vault ciphertext does not
// open under the target and that have no source left to rebuild it from.
var ErrUnrecoverable = errors.New("vault ciphertext is unreadable and no source value remains")

// Repair scans the user's migrated items and rewrites those whose vault
// ciphertext does not authenticate under target, rebuilding them from the
// plaintext or legacy columns when those were kept. Result.Migrated counts
// repaired items. Readable items are left untouched.
func (s *Service) Repair(ctx context.Context, userID string, target medvault.Cipher) (*Result, error) {
	if target == nil || !target.IsUnlocked() {
		return nil, fmt.Errorf("repair target for user %s: %w", userID, medvault.ErrLocked)
	}

	result := s.newResult(userID)
	logger := s.logger.With("run_id", result.RunID, "user", misc.Redact(userID))
	s.logAudit("MIGRATION_REPAIR_STARTED", result, nil, nil)

	var runErr error
	for _, category := range s.options.Categories {
		if runErr = s.repairCategory(ctx, logger, userID, category, target, result); runErr != nil || result.Cancelled {
			break
		}
	}

	return s.finish(ctx, logger, "MIGRATION_REPAIR", result, runErr)
}

func (s *Service) repairCategory(ctx context.Context, logger logging.Logger, userID string,
	category records.Category, target medvault.Cipher, result *Result) error {
	afterID := ""
	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			return nil
		}

		items, err := s.repo.Encrypted(ctx, userID, category, afterID, s.options.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return nil
			}
			return fmt.Errorf("read encrypted %s: %w", category, err)
		}
		if len(items) == 0 {
			return nil
		}
		afterID = items[len(items)-1].ID

		var prepared []converted
		for _, item := range items {
			err := verify(target, item, item.VaultCiphertext)
			if err == nil {
				continue
			}
			if !errors.Is(err, medvault.ErrDecryption) {
				result.addError(item, err)
				continue
			}
			if !item.HasSource() {
				result.addError(item, ErrUnrecoverable)
				continue
			}

			ciphertext, err := s.convert(item, target)
			if err != nil {
				result.addError(item, err)
				continue
			}
			prepared = append(prepared, converted{item: item, ciphertext: ciphertext})
		}

		if err = s.commit(ctx, prepared); err != nil {
			logger.Error(ctx, "repair batch commit failed", "category", string(category), "error", err)
			for _, c := range prepared {
				result.addError(c.item, fmt.Errorf("batch commit failed: %w", err))
			}
		} else if len(prepared) > 0 {
			result.Migrated[category] += len(prepared)
			logger.Info(ctx, "items repaired", "category", string(category), "items", len(prepared))
		}
		result.Batches++

		if len(items) < s.options.BatchSize {
			return nil
		}
	}
}
