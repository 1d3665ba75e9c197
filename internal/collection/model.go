package collection

import (
	"errors"
	"fmt"
	"strings"
)

// ActionKind enumerates the event-log actions written by collection operations.
type ActionKind string

const (
	// ActionCardAdded records a quantity increase for an entry.
	ActionCardAdded ActionKind = "card_added"
	// ActionCardUpdated records an absolute quantity change for an entry.
	ActionCardUpdated ActionKind = "card_updated"
	// ActionCardRemoved records the deletion of an entry.
	ActionCardRemoved ActionKind = "card_removed"
	// ActionConflictResolved records a detected divergence and its resolution.
	ActionConflictResolved ActionKind = "conflict_resolved"
	// ActionSyncCompleted summarizes one bulk reconciliation pass.
	ActionSyncCompleted ActionKind = "sync_completed"
	// ActionOfflineSyncMarked records a device reporting its offline changes as flushed.
	ActionOfflineSyncMarked ActionKind = "offline_sync_marked"
)

// Strategy selects the deterministic rule used to merge diverging quantities.
type Strategy string

const (
	// StrategyLastWriteWins lets the most recent call land unconditionally.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyKeepHigher keeps the larger of the two candidate quantities.
	StrategyKeepHigher Strategy = "keep_higher"
	// StrategyMergeAdd superimposes both parties' deltas onto the common ancestor.
	StrategyMergeAdd Strategy = "merge_add"
	// StrategyServerWins keeps the server-side quantity.
	StrategyServerWins Strategy = "server_wins"
	// StrategyClientWins keeps the client-side quantity.
	StrategyClientWins Strategy = "client_wins"
)

const maxIdentifierLength = 190

// VariantDefault is the variant assigned when a caller does not name one.
// Entries differing only by variant are distinct.
const VariantDefault Variant = "normal"

var (
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("collection: invalid owner id")
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("collection: invalid item id")
	// ErrInvalidVariant indicates that a variant exceeds storage bounds.
	ErrInvalidVariant = errors.New("collection: invalid variant")
	// ErrInvalidDeviceID indicates that a device identifier is empty.
	ErrInvalidDeviceID = errors.New("collection: invalid device id")
	// ErrInvalidStrategy indicates that a resolution strategy name is unknown.
	ErrInvalidStrategy = errors.New("collection: invalid resolution strategy")
	// ErrInvalidQuantity indicates a quantity outside the accepted range.
	ErrInvalidQuantity = errors.New("collection: invalid quantity")
	// ErrOwnerNotFound indicates that the owner identity does not resolve to a known profile.
	ErrOwnerNotFound = errors.New("collection: owner not found")
	// ErrEntryNotFound indicates a set targeting a non-existent entry with a non-positive quantity.
	ErrEntryNotFound = errors.New("collection: entry not found")
)

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// ItemID represents a validated item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// Variant distinguishes printings of the same item. An absent variant is
// normalized to VariantDefault here, at the boundary, so no other code ever
// compares against a raw sentinel string.
type Variant string

// NewVariant validates raw input and returns a Variant, substituting
// VariantDefault when the input is empty.
func NewVariant(rawInput string) (Variant, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return VariantDefault, nil
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVariant, maxIdentifierLength)
	}
	return Variant(trimmed), nil
}

// String returns the underlying variant value.
func (v Variant) String() string {
	return string(v)
}

// ParseStrategy resolves a raw strategy name, applying the default when empty.
func ParseStrategy(rawInput string) (Strategy, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return StrategyLastWriteWins, nil
	}
	switch Strategy(trimmed) {
	case StrategyLastWriteWins, StrategyKeepHigher, StrategyMergeAdd, StrategyServerWins, StrategyClientWins:
		return Strategy(trimmed), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, rawInput)
	}
}

// String returns the strategy name.
func (s Strategy) String() string {
	return string(s)
}

// Entry models one owned card count. An entry with quantity <= 0 is deleted,
// never persisted.
type Entry struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_entries_owner,priority:1"`
	ItemID           string `gorm:"column:item_id;primaryKey;size:190;not null"`
	Variant          string `gorm:"column:variant;primaryKey;size:190;not null;default:'normal'"`
	Quantity         int64  `gorm:"column:quantity;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "collection_entries"
}

// EventRecord captures an append-only audit trail entry. Records are never
// mutated or deleted by this package.
type EventRecord struct {
	EventID          string     `gorm:"column:event_id;primaryKey;size:190;not null"`
	OwnerID          string     `gorm:"column:owner_id;size:190;not null;index:idx_events_owner_time,priority:1"`
	Action           ActionKind `gorm:"column:action;size:64;not null"`
	MetadataJSON     string     `gorm:"column:metadata_json;type:text;not null"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null;index:idx_events_owner_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "collection_events"
}

// SyncState tracks per-owner collection freshness. Version increments and
// ChangedAtSeconds advances only when an inventory-affecting write commits;
// unrelated events never move this clock.
type SyncState struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	ChangedAtSeconds int64  `gorm:"column:changed_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "collection_sync_state"
}

// DeviceSync records the latest offline-sync checkpoint reported per device.
type DeviceSync struct {
	OwnerID         string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	DeviceID        string `gorm:"column:device_id;primaryKey;size:190;not null"`
	ChangeCount     int64  `gorm:"column:change_count;not null"`
	SyncedAtSeconds int64  `gorm:"column:synced_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceSync) TableName() string {
	return "collection_device_syncs"
}

// SnapshotCard is one (item, variant, quantity) tuple inside a client-submitted
// collection snapshot. Snapshots are transient input, never persisted as-is.
type SnapshotCard struct {
	Item     ItemID
	Variant  Variant
	Quantity int64
}

// NewSnapshotCard validates the tuple and normalizes the variant.
func NewSnapshotCard(rawItemID, rawVariant string, quantity int64) (SnapshotCard, error) {
	itemID, err := NewItemID(rawItemID)
	if err != nil {
		return SnapshotCard{}, err
	}
	variant, err := NewVariant(rawVariant)
	if err != nil {
		return SnapshotCard{}, err
	}
	if quantity < 0 {
		return SnapshotCard{}, fmt.Errorf("%w: negative snapshot quantity %d", ErrInvalidQuantity, quantity)
	}
	return SnapshotCard{Item: itemID, Variant: variant, Quantity: quantity}, nil
}

// CardCount reports one server-side entry inside snapshot and diff results.
type CardCount struct {
	ItemID   string
	Variant  string
	Quantity int64
}

// QuantityDifference reports one key present on both sides with diverging counts.
type QuantityDifference struct {
	ItemID         string
	Variant        string
	ServerQuantity int64
	ClientQuantity int64
}

// AddCardRequest describes one additive mutation.
type AddCardRequest struct {
	Owner            OwnerID
	Item             ItemID
	Variant          Variant
	AddQuantity      int64
	ExpectedQuantity *int64
	Device           string
	Strategy         Strategy
}

// SetQuantityRequest describes one absolute mutation. ExpectedQuantity is
// mandatory for sets, unlike adds.
type SetQuantityRequest struct {
	Owner            OwnerID
	Item             ItemID
	Variant          Variant
	NewQuantity      int64
	ExpectedQuantity int64
	Device           string
	Strategy         Strategy
}

// AddResult reports the outcome of AddWithResolution.
type AddResult struct {
	FinalQuantity    int64
	ConflictDetected bool
	ResolutionUsed   string
}

// SetResult reports the outcome of SetQuantityWithResolution.
type SetResult struct {
	FinalQuantity    int64
	PreviousQuantity int64
	ConflictDetected bool
	ResolutionUsed   string
}

// ReconcileResult aggregates one bulk reconciliation pass. Success is true iff
// Errors is empty; entries committed before a failure stay committed.
type ReconcileResult struct {
	Added             int64
	Updated           int64
	Removed           int64
	ConflictsResolved int64
	Errors            []string
	Success           bool
}

// ComparisonResult reports a read-only diff between a client snapshot and
// server state.
type ComparisonResult struct {
	OnlyOnServer        []CardCount
	OnlyOnClient        []CardCount
	QuantityDifferences []QuantityDifference
	InSync              []CardCount
	HasConflicts        bool
}

// SnapshotResult is a deterministic fingerprint of server state. Checksum is
// the cheap rolling hash; Digest is the SHA-256 of the same serialization.
// Matching checksums suggest, but do not guarantee, identical state.
type SnapshotResult struct {
	SnapshotAtSeconds int64
	Checksum          int32
	Digest            string
	Cards             []CardCount
	TotalCards        int64
	TotalQuantity     int64
}

// StatusResult reports collection freshness without diffing.
type StatusResult struct {
	ServerTimestampSeconds int64
	ServerVersion          int64
	HasServerChanges       bool
	SyncState              string
}

// MarkOfflineSyncedResult acknowledges a device checkpoint.
type MarkOfflineSyncedResult struct {
	SyncedAtSeconds int64
}
