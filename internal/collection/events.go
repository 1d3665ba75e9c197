package collection

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListEvents = "collection.list_events"

	reasonEventIDFailed     = "event_id_failed"
	reasonEventEncodeFailed = "event_encode_failed"
	reasonEventScanFailed   = "event_scan_failed"

	defaultEventLimit = 50
	maxEventLimit     = 200
)

// EventView is one audit record as returned to callers, most recent first.
type EventView struct {
	EventID          string
	Action           ActionKind
	Metadata         map[string]any
	CreatedAtSeconds int64
}

// ListEvents returns the most recent audit records for the owner. A limit
// outside (0, maxEventLimit] falls back to the default page size.
func (s *Service) ListEvents(ctx context.Context, owner OwnerID, limit int) ([]EventView, error) {
	if err := s.requireOwner(ctx, opListEvents, owner); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}

	var records []EventRecord
	err := s.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order("created_at_s DESC, event_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		s.logError(opListEvents, reasonEventScanFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opListEvents, reasonEventScanFailed, err)
	}

	views := make([]EventView, 0, len(records))
	for _, record := range records {
		metadata := map[string]any{}
		if record.MetadataJSON != "" {
			if err := json.Unmarshal([]byte(record.MetadataJSON), &metadata); err != nil {
				s.logError(opListEvents, reasonEventEncodeFailed, err, zap.String("event_id", record.EventID))
				metadata = map[string]any{}
			}
		}
		views = append(views, EventView{
			EventID:          record.EventID,
			Action:           record.Action,
			Metadata:         metadata,
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	return views, nil
}

// appendEvent writes one audit record inside the caller's transaction.
// Records are append-only; nothing in this package updates or deletes them.
func (s *Service) appendEvent(tx *gorm.DB, owner OwnerID, action ActionKind, metadata map[string]any, now int64) error {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("%s: %w", reasonEventIDFailed, err)
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%s: %w", reasonEventEncodeFailed, err)
	}
	record := EventRecord{
		EventID:          eventID,
		OwnerID:          owner.String(),
		Action:           action,
		MetadataJSON:     string(encoded),
		CreatedAtSeconds: now,
	}
	return tx.Create(&record).Error
}
