package collection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetStatus         = "collection.get_status"
	opMarkOfflineSynced = "collection.mark_offline_synced"

	reasonStateSelectFailed      = "state_select_failed"
	reasonStateUpsertFailed      = "state_upsert_failed"
	reasonInvalidDevice          = "invalid_device"
	reasonInvalidChangeCount     = "invalid_change_count"
	reasonCheckpointUpsertFailed = "checkpoint_upsert_failed"

	// SyncStateUnknown is reported when the caller supplied no checkpoint.
	SyncStateUnknown = "unknown"
	// SyncStateInSync is reported when the caller's checkpoint covers the server.
	SyncStateInSync = "in_sync"
	// SyncStateServerAhead is reported when the server changed past the checkpoint.
	SyncStateServerAhead = "server_ahead"
)

// StatusRequest asks whether the server collection moved past a client
// checkpoint. When both are supplied the version takes precedence over the
// timestamp.
type StatusRequest struct {
	Owner              OwnerID
	LastKnownTimestamp *int64
	LastKnownVersion   *int64
}

// MarkOfflineSyncedRequest records that a device flushed its offline queue.
type MarkOfflineSyncedRequest struct {
	Owner       OwnerID
	Device      string
	ChangeCount int64
}

// GetStatus reports collection freshness without diffing. The answer comes
// from the per-owner sync-state row, which only inventory-affecting writes
// advance, so unrelated activity never marks a client stale.
func (s *Service) GetStatus(ctx context.Context, request StatusRequest) (StatusResult, error) {
	if err := s.requireOwner(ctx, opGetStatus, request.Owner); err != nil {
		return StatusResult{}, err
	}

	var state SyncState
	err := s.db.WithContext(ctx).
		Where(queryOwner, request.Owner.String()).
		Take(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGetStatus, reasonStateSelectFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return StatusResult{}, newServiceError(opGetStatus, reasonStateSelectFailed, err)
	}

	result := StatusResult{
		ServerTimestampSeconds: state.ChangedAtSeconds,
		ServerVersion:          state.Version,
		SyncState:              SyncStateUnknown,
	}
	switch {
	case request.LastKnownVersion != nil:
		result.HasServerChanges = state.Version > *request.LastKnownVersion
	case request.LastKnownTimestamp != nil:
		result.HasServerChanges = state.ChangedAtSeconds > *request.LastKnownTimestamp
	default:
		return result, nil
	}
	if result.HasServerChanges {
		result.SyncState = SyncStateServerAhead
	} else {
		result.SyncState = SyncStateInSync
	}
	return result, nil
}

// MarkOfflineSynced upserts the device checkpoint and records the flush in
// the event log. Checkpoints are audit-only: they never advance the freshness
// clock, so marking a device synced cannot make other devices look stale.
func (s *Service) MarkOfflineSynced(ctx context.Context, request MarkOfflineSyncedRequest) (MarkOfflineSyncedResult, error) {
	device := request.Device
	if device == "" {
		err := fmt.Errorf("%w: empty device id", ErrInvalidDeviceID)
		s.logError(opMarkOfflineSynced, reasonInvalidDevice, err, zap.String(fieldOwnerID, request.Owner.String()))
		return MarkOfflineSyncedResult{}, newServiceError(opMarkOfflineSynced, reasonInvalidDevice, err)
	}
	if request.ChangeCount < 0 {
		err := fmt.Errorf("%w: change count %d", ErrInvalidQuantity, request.ChangeCount)
		s.logError(opMarkOfflineSynced, reasonInvalidChangeCount, err, zap.String(fieldOwnerID, request.Owner.String()))
		return MarkOfflineSyncedResult{}, newServiceError(opMarkOfflineSynced, reasonInvalidChangeCount, err)
	}
	if err := s.requireOwner(ctx, opMarkOfflineSynced, request.Owner); err != nil {
		return MarkOfflineSyncedResult{}, err
	}

	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		checkpoint := DeviceSync{
			OwnerID:         request.Owner.String(),
			DeviceID:        device,
			ChangeCount:     request.ChangeCount,
			SyncedAtSeconds: now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_id"}, {Name: "device_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"change_count": request.ChangeCount,
				"synced_at_s":  now,
			}),
		}).Create(&checkpoint).Error
		if err != nil {
			s.logError(opMarkOfflineSynced, reasonCheckpointUpsertFailed, err,
				zap.String(fieldOwnerID, request.Owner.String()),
				zap.String("device_id", device))
			return newServiceError(opMarkOfflineSynced, reasonCheckpointUpsertFailed, err)
		}

		metadata := map[string]any{
			"device_id":    device,
			"change_count": request.ChangeCount,
			"synced_at_s":  now,
		}
		if err := s.appendEvent(tx, request.Owner, ActionOfflineSyncMarked, metadata, now); err != nil {
			s.logError(opMarkOfflineSynced, reasonEventAppendFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
			return newServiceError(opMarkOfflineSynced, reasonEventAppendFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return MarkOfflineSyncedResult{}, txErr
	}
	return MarkOfflineSyncedResult{SyncedAtSeconds: now}, nil
}

// bumpSyncState advances the per-owner freshness clock inside the caller's
// transaction. Only inventory-affecting writes call this.
func (s *Service) bumpSyncState(tx *gorm.DB, owner OwnerID, now int64) error {
	state := SyncState{
		OwnerID:          owner.String(),
		Version:          1,
		ChangedAtSeconds: now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"version":      gorm.Expr("version + 1"),
			"changed_at_s": now,
		}),
	}).Create(&state).Error
}
