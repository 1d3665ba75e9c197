package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOwners     = errors.New("owner directory is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "collection.service.new"
	opAddCard           = "collection.add_card"
	opSetCardQuantity   = "collection.set_card_quantity"
	fieldOwnerID        = "owner_id"
	fieldItemID         = "item_id"
	fieldVariant        = "variant"
	queryOwner          = fieldOwnerID + " = ?"
	queryEntryKey       = fieldOwnerID + " = ? AND item_id = ? AND variant = ?"
	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonOwnerLookupFailed  = "owner_lookup_failed"
	reasonOwnerMissing       = "owner_missing"
	reasonInvalidQuantity    = "invalid_quantity"
	reasonInvalidStrategy    = "invalid_strategy"
	reasonEntrySelectFailed  = "entry_select_failed"
	reasonEntryInsertFailed  = "entry_insert_failed"
	reasonEntryUpdateFailed  = "entry_update_failed"
	reasonEntryDeleteFailed  = "entry_delete_failed"
	reasonEntryMissing       = "entry_missing"
	reasonEventAppendFailed  = "event_append_failed"
	reasonSyncStateFailed    = "sync_state_failed"
)

const (
	resolutionNone       = "none"
	resolutionCreatedNew = "created_new"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// OwnerDirectory resolves whether an owner identity maps to a known profile.
type OwnerDirectory interface {
	Exists(ctx context.Context, ownerID string) (bool, error)
}

// IDProvider issues identifiers for event records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the collection service.
type ServiceConfig struct {
	Database   *gorm.DB
	Owners     OwnerDirectory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service implements the conflict-aware collection operations. Every mutating
// entry point runs as its own store transaction; the bulk reconciler commits
// per entry by design.
type Service struct {
	db         *gorm.DB
	owners     OwnerDirectory
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Owners == nil {
		return nil, newServiceError(opServiceNew, "missing_owner_directory", errMissingOwners)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		owners:     cfg.Owners,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AddWithResolution stacks AddQuantity onto the entry for the request key,
// creating the entry on first write. A supplied expectation is checked against
// the stored quantity and divergence is merged through the additive strategy
// table. Adding is not idempotent: retrying a successful add adds again.
func (s *Service) AddWithResolution(ctx context.Context, request AddCardRequest) (AddResult, error) {
	strategy, err := s.validateStrategy(opAddCard, request.Strategy)
	if err != nil {
		return AddResult{}, err
	}
	if request.AddQuantity < 1 {
		err := fmt.Errorf("%w: add quantity %d", ErrInvalidQuantity, request.AddQuantity)
		s.logError(opAddCard, reasonInvalidQuantity, err, zap.String(fieldOwnerID, request.Owner.String()))
		return AddResult{}, newServiceError(opAddCard, reasonInvalidQuantity, err)
	}
	if request.ExpectedQuantity != nil && *request.ExpectedQuantity < 0 {
		err := fmt.Errorf("%w: expected quantity %d", ErrInvalidQuantity, *request.ExpectedQuantity)
		s.logError(opAddCard, reasonInvalidQuantity, err, zap.String(fieldOwnerID, request.Owner.String()))
		return AddResult{}, newServiceError(opAddCard, reasonInvalidQuantity, err)
	}
	if err := s.requireOwner(ctx, opAddCard, request.Owner); err != nil {
		return AddResult{}, err
	}

	result := AddResult{ResolutionUsed: resolutionNone}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockEntry(tx, request.Owner, request.Item, request.Variant)
		if err != nil {
			s.logError(opAddCard, reasonEntrySelectFailed, err,
				zap.String(fieldOwnerID, request.Owner.String()),
				zap.String(fieldItemID, request.Item.String()))
			return newServiceError(opAddCard, reasonEntrySelectFailed, err)
		}

		now := s.clock().UTC().Unix()
		if !found {
			// First write for this key: nothing stored to disagree with.
			entry := Entry{
				OwnerID:          request.Owner.String(),
				ItemID:           request.Item.String(),
				Variant:          request.Variant.String(),
				Quantity:         request.AddQuantity,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				s.logError(opAddCard, reasonEntryInsertFailed, err,
					zap.String(fieldOwnerID, request.Owner.String()),
					zap.String(fieldItemID, request.Item.String()))
				return newServiceError(opAddCard, reasonEntryInsertFailed, err)
			}
			result.FinalQuantity = request.AddQuantity
			return s.finishAdd(tx, request, result, 0, now)
		}

		conflict := detectConflict(existing.Quantity, request.ExpectedQuantity)
		final := existing.Quantity + request.AddQuantity
		if conflict {
			final = clampQuantity(resolveAdditive(strategy, existing.Quantity, *request.ExpectedQuantity, request.AddQuantity))
			result.ResolutionUsed = strategy.String()
		}
		result.ConflictDetected = conflict
		result.FinalQuantity = final

		updates := map[string]interface{}{"quantity": final, "updated_at_s": now}
		if err := tx.Model(&Entry{}).
			Where(queryEntryKey, request.Owner.String(), request.Item.String(), request.Variant.String()).
			Updates(updates).Error; err != nil {
			s.logError(opAddCard, reasonEntryUpdateFailed, err,
				zap.String(fieldOwnerID, request.Owner.String()),
				zap.String(fieldItemID, request.Item.String()))
			return newServiceError(opAddCard, reasonEntryUpdateFailed, err)
		}

		if conflict {
			metadata := map[string]any{
				"item_id":            request.Item.String(),
				"variant":            request.Variant.String(),
				"strategy":           strategy.String(),
				"device_id":          request.Device,
				"expected_quantity":  *request.ExpectedQuantity,
				"server_quantity":    existing.Quantity,
				"requested_quantity": request.AddQuantity,
				"final_quantity":     final,
			}
			if err := s.appendEvent(tx, request.Owner, ActionConflictResolved, metadata, now); err != nil {
				return newServiceError(opAddCard, reasonEventAppendFailed, err)
			}
		}
		return s.finishAdd(tx, request, result, existing.Quantity, now)
	})
	if txErr != nil {
		return AddResult{}, txErr
	}
	return result, nil
}

// finishAdd records the add event and advances the freshness clock inside the
// caller's transaction.
func (s *Service) finishAdd(tx *gorm.DB, request AddCardRequest, result AddResult, previousQuantity, now int64) error {
	metadata := map[string]any{
		"item_id":           request.Item.String(),
		"variant":           request.Variant.String(),
		"device_id":         request.Device,
		"added_quantity":    request.AddQuantity,
		"previous_quantity": previousQuantity,
		"final_quantity":    result.FinalQuantity,
	}
	if err := s.appendEvent(tx, request.Owner, ActionCardAdded, metadata, now); err != nil {
		s.logError(opAddCard, reasonEventAppendFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return newServiceError(opAddCard, reasonEventAppendFailed, err)
	}
	if err := s.bumpSyncState(tx, request.Owner, now); err != nil {
		s.logError(opAddCard, reasonSyncStateFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return newServiceError(opAddCard, reasonSyncStateFailed, err)
	}
	return nil
}

// SetQuantityWithResolution moves the entry for the request key to an absolute
// quantity. The expectation is mandatory; divergence is merged through the
// absolute strategy table and a zero result deletes the entry. A retried set
// stays idempotent only while its expectation still matches the store.
func (s *Service) SetQuantityWithResolution(ctx context.Context, request SetQuantityRequest) (SetResult, error) {
	strategy, err := s.validateStrategy(opSetCardQuantity, request.Strategy)
	if err != nil {
		return SetResult{}, err
	}
	if request.NewQuantity < 0 {
		err := fmt.Errorf("%w: new quantity %d", ErrInvalidQuantity, request.NewQuantity)
		s.logError(opSetCardQuantity, reasonInvalidQuantity, err, zap.String(fieldOwnerID, request.Owner.String()))
		return SetResult{}, newServiceError(opSetCardQuantity, reasonInvalidQuantity, err)
	}
	if request.ExpectedQuantity < 0 {
		err := fmt.Errorf("%w: expected quantity %d", ErrInvalidQuantity, request.ExpectedQuantity)
		s.logError(opSetCardQuantity, reasonInvalidQuantity, err, zap.String(fieldOwnerID, request.Owner.String()))
		return SetResult{}, newServiceError(opSetCardQuantity, reasonInvalidQuantity, err)
	}
	if err := s.requireOwner(ctx, opSetCardQuantity, request.Owner); err != nil {
		return SetResult{}, err
	}

	result := SetResult{ResolutionUsed: resolutionNone}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.lockEntry(tx, request.Owner, request.Item, request.Variant)
		if err != nil {
			s.logError(opSetCardQuantity, reasonEntrySelectFailed, err,
				zap.String(fieldOwnerID, request.Owner.String()),
				zap.String(fieldItemID, request.Item.String()))
			return newServiceError(opSetCardQuantity, reasonEntrySelectFailed, err)
		}

		now := s.clock().UTC().Unix()
		if !found {
			if request.NewQuantity <= 0 {
				err := fmt.Errorf("%w: %s/%s/%s", ErrEntryNotFound,
					request.Owner.String(), request.Item.String(), request.Variant.String())
				return newServiceError(opSetCardQuantity, reasonEntryMissing, err)
			}
			entry := Entry{
				OwnerID:          request.Owner.String(),
				ItemID:           request.Item.String(),
				Variant:          request.Variant.String(),
				Quantity:         request.NewQuantity,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				s.logError(opSetCardQuantity, reasonEntryInsertFailed, err,
					zap.String(fieldOwnerID, request.Owner.String()),
					zap.String(fieldItemID, request.Item.String()))
				return newServiceError(opSetCardQuantity, reasonEntryInsertFailed, err)
			}
			result.FinalQuantity = request.NewQuantity
			result.PreviousQuantity = 0
			if request.ExpectedQuantity != 0 {
				// The caller expected an entry the server never had.
				result.ConflictDetected = true
				result.ResolutionUsed = resolutionCreatedNew
				if err := s.appendResolutionEvent(tx, request, 0, result.FinalQuantity, resolutionCreatedNew, now); err != nil {
					return newServiceError(opSetCardQuantity, reasonEventAppendFailed, err)
				}
			}
			return s.finishSet(tx, request, ActionCardAdded, result, now)
		}

		result.PreviousQuantity = existing.Quantity
		conflict := detectConflict(existing.Quantity, &request.ExpectedQuantity)
		final := request.NewQuantity
		if conflict {
			final = clampQuantity(resolveAbsolute(strategy, existing.Quantity, request.ExpectedQuantity, request.NewQuantity))
			result.ConflictDetected = true
			result.ResolutionUsed = strategy.String()
			if err := s.appendResolutionEvent(tx, request, existing.Quantity, final, strategy.String(), now); err != nil {
				return newServiceError(opSetCardQuantity, reasonEventAppendFailed, err)
			}
		}
		result.FinalQuantity = final

		if final <= 0 {
			if err := tx.Where(queryEntryKey, request.Owner.String(), request.Item.String(), request.Variant.String()).
				Delete(&Entry{}).Error; err != nil {
				s.logError(opSetCardQuantity, reasonEntryDeleteFailed, err,
					zap.String(fieldOwnerID, request.Owner.String()),
					zap.String(fieldItemID, request.Item.String()))
				return newServiceError(opSetCardQuantity, reasonEntryDeleteFailed, err)
			}
			return s.finishSet(tx, request, ActionCardRemoved, result, now)
		}

		updates := map[string]interface{}{"quantity": final, "updated_at_s": now}
		if err := tx.Model(&Entry{}).
			Where(queryEntryKey, request.Owner.String(), request.Item.String(), request.Variant.String()).
			Updates(updates).Error; err != nil {
			s.logError(opSetCardQuantity, reasonEntryUpdateFailed, err,
				zap.String(fieldOwnerID, request.Owner.String()),
				zap.String(fieldItemID, request.Item.String()))
			return newServiceError(opSetCardQuantity, reasonEntryUpdateFailed, err)
		}
		return s.finishSet(tx, request, ActionCardUpdated, result, now)
	})
	if txErr != nil {
		return SetResult{}, txErr
	}
	return result, nil
}

func (s *Service) finishSet(tx *gorm.DB, request SetQuantityRequest, action ActionKind, result SetResult, now int64) error {
	metadata := map[string]any{
		"item_id":           request.Item.String(),
		"variant":           request.Variant.String(),
		"device_id":         request.Device,
		"previous_quantity": result.PreviousQuantity,
		"final_quantity":    result.FinalQuantity,
	}
	if err := s.appendEvent(tx, request.Owner, action, metadata, now); err != nil {
		s.logError(opSetCardQuantity, reasonEventAppendFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return newServiceError(opSetCardQuantity, reasonEventAppendFailed, err)
	}
	if err := s.bumpSyncState(tx, request.Owner, now); err != nil {
		s.logError(opSetCardQuantity, reasonSyncStateFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return newServiceError(opSetCardQuantity, reasonSyncStateFailed, err)
	}
	return nil
}

func (s *Service) appendResolutionEvent(tx *gorm.DB, request SetQuantityRequest, serverQuantity, finalQuantity int64, resolution string, now int64) error {
	metadata := map[string]any{
		"item_id":            request.Item.String(),
		"variant":            request.Variant.String(),
		"strategy":           resolution,
		"device_id":          request.Device,
		"expected_quantity":  request.ExpectedQuantity,
		"server_quantity":    serverQuantity,
		"requested_quantity": request.NewQuantity,
		"final_quantity":     finalQuantity,
	}
	if err := s.appendEvent(tx, request.Owner, ActionConflictResolved, metadata, now); err != nil {
		s.logError(opSetCardQuantity, reasonEventAppendFailed, err, zap.String(fieldOwnerID, request.Owner.String()))
		return err
	}
	return nil
}

// lockEntry reads the entry for the key under a row lock inside tx.
func (s *Service) lockEntry(tx *gorm.DB, owner OwnerID, item ItemID, variant Variant) (Entry, bool, error) {
	var existing Entry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryEntryKey, owner.String(), item.String(), variant.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return existing, true, nil
}

func (s *Service) validateStrategy(operation string, strategy Strategy) (Strategy, error) {
	parsed, err := ParseStrategy(strategy.String())
	if err != nil {
		s.logError(operation, reasonInvalidStrategy, err)
		return "", newServiceError(operation, reasonInvalidStrategy, err)
	}
	return parsed, nil
}

// requireOwner fails fast with ErrOwnerNotFound before any store mutation.
func (s *Service) requireOwner(ctx context.Context, operation string, owner OwnerID) error {
	exists, err := s.owners.Exists(ctx, owner.String())
	if err != nil {
		s.logError(operation, reasonOwnerLookupFailed, err, zap.String(fieldOwnerID, owner.String()))
		return newServiceError(operation, reasonOwnerLookupFailed, err)
	}
	if !exists {
		err := fmt.Errorf("%w: %s", ErrOwnerNotFound, owner.String())
		s.logError(operation, reasonOwnerMissing, err, zap.String(fieldOwnerID, owner.String()))
		return newServiceError(operation, reasonOwnerMissing, err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("collection service error", attrs...)
}
