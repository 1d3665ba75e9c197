package collection

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opReconcile = "collection.reconcile"

	reasonCollectionScanFailed = "collection_scan_failed"
	reasonSummaryFailed        = "summary_failed"
)

// ReconcileRequest submits a full client-side snapshot for a one-pass merge
// against the server collection.
type ReconcileRequest struct {
	Owner    OwnerID
	Cards    []SnapshotCard
	Strategy Strategy
	Device   string
}

type entryKey struct {
	item    string
	variant string
}

// Reconcile merges the client snapshot into the server collection, one entry
// at a time. Entries are independent: a failure is recorded in Errors and the
// rest of the batch proceeds, and entries already committed stay committed.
// Server-side keys the snapshot never mentions are deleted only under
// client_wins and last_write_wins, where the client's silence is read as an
// authoritative delete; server_wins and keep_higher leave them alone.
func (s *Service) Reconcile(ctx context.Context, request ReconcileRequest) (ReconcileResult, error) {
	strategy, err := s.validateStrategy(opReconcile, request.Strategy)
	if err != nil {
		return ReconcileResult{}, err
	}
	if err := s.requireOwner(ctx, opReconcile, request.Owner); err != nil {
		return ReconcileResult{}, err
	}

	var stored []Entry
	if err := s.db.WithContext(ctx).Where(queryOwner, request.Owner.String()).Find(&stored).Error; err != nil {
		s.logError(opReconcile, reasonCollectionScanFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return ReconcileResult{}, newServiceError(opReconcile, reasonCollectionScanFailed, err)
	}

	serverQuantities := make(map[entryKey]int64, len(stored))
	for _, entry := range stored {
		serverQuantities[entryKey{item: entry.ItemID, variant: entry.Variant}] = entry.Quantity
	}

	result := ReconcileResult{Errors: []string{}}
	now := s.clock().UTC().Unix()
	mentioned := make(map[entryKey]struct{}, len(request.Cards))

	for _, card := range request.Cards {
		key := entryKey{item: card.Item.String(), variant: card.Variant.String()}
		mentioned[key] = struct{}{}
		serverQuantity, found := serverQuantities[key]

		switch {
		case !found:
			if card.Quantity <= 0 {
				continue
			}
			entry := Entry{
				OwnerID:          request.Owner.String(),
				ItemID:           key.item,
				Variant:          key.variant,
				Quantity:         card.Quantity,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
				result.Errors = append(result.Errors, entrySyncError(key, "insert failed", err))
				continue
			}
			serverQuantities[key] = card.Quantity
			result.Added++

		case serverQuantity == card.Quantity:
			// In-sync entries are the common case: no write, no event.

		default:
			final := clampQuantity(resolveBulk(strategy, serverQuantity, card.Quantity))
			if final <= 0 {
				err := s.db.WithContext(ctx).
					Where(queryEntryKey, request.Owner.String(), key.item, key.variant).
					Delete(&Entry{}).Error
				if err != nil {
					result.Errors = append(result.Errors, entrySyncError(key, "delete failed", err))
					continue
				}
				delete(serverQuantities, key)
				result.Removed++
			} else {
				updates := map[string]interface{}{"quantity": final, "updated_at_s": now}
				err := s.db.WithContext(ctx).Model(&Entry{}).
					Where(queryEntryKey, request.Owner.String(), key.item, key.variant).
					Updates(updates).Error
				if err != nil {
					result.Errors = append(result.Errors, entrySyncError(key, "update failed", err))
					continue
				}
				serverQuantities[key] = final
				result.Updated++
			}
			result.ConflictsResolved++
		}
	}

	if bulkDeletesUnlisted(strategy) {
		for _, key := range unmentionedKeys(serverQuantities, mentioned) {
			err := s.db.WithContext(ctx).
				Where(queryEntryKey, request.Owner.String(), key.item, key.variant).
				Delete(&Entry{}).Error
			if err != nil {
				result.Errors = append(result.Errors, entrySyncError(key, "offline delete failed", err))
				continue
			}
			delete(serverQuantities, key)
			result.Removed++
			result.ConflictsResolved++
		}
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		metadata := map[string]any{
			"strategy":           strategy.String(),
			"device_id":          request.Device,
			"client_cards":       len(request.Cards),
			"added":              result.Added,
			"updated":            result.Updated,
			"removed":            result.Removed,
			"conflicts_resolved": result.ConflictsResolved,
			"error_count":        len(result.Errors),
		}
		if err := s.appendEvent(tx, request.Owner, ActionSyncCompleted, metadata, now); err != nil {
			return err
		}
		if result.Added+result.Updated+result.Removed > 0 {
			return s.bumpSyncState(tx, request.Owner, now)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opReconcile, reasonSummaryFailed, txErr, zap.String(fieldOwnerID, request.Owner.String()))
		return ReconcileResult{}, newServiceError(opReconcile, reasonSummaryFailed, txErr)
	}

	result.Success = len(result.Errors) == 0
	return result, nil
}

// unmentionedKeys returns the server-side keys absent from the snapshot in a
// stable order so repeated syncs fail and log identically.
func unmentionedKeys(serverQuantities map[entryKey]int64, mentioned map[entryKey]struct{}) []entryKey {
	keys := make([]entryKey, 0)
	for key := range serverQuantities {
		if _, ok := mentioned[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].item != keys[j].item {
			return keys[i].item < keys[j].item
		}
		return keys[i].variant < keys[j].variant
	})
	return keys
}

func entrySyncError(key entryKey, message string, err error) string {
	return fmt.Sprintf("%s/%s: %s: %v", key.item, key.variant, message, err)
}
