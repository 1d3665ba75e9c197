package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testOwner = "owner-1"

func openCollectionDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}, &EventRecord{}, &SyncState{}, &DeviceSync{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type staticOwners struct {
	known map[string]bool
}

func (d staticOwners) Exists(_ context.Context, ownerID string) (bool, error) {
	return d.known[ownerID], nil
}

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("event-%04d", p.next), nil
}

func newTestService(t *testing.T, db *gorm.DB, clock func() time.Time) *Service {
	t.Helper()
	if clock == nil {
		clock = func() time.Time { return time.Unix(1700000000, 0) }
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Owners:     staticOwners{known: map[string]bool{testOwner: true}},
		Clock:      clock,
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustOwnerID(t *testing.T, value string) OwnerID {
	t.Helper()
	id, err := NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustItemID(t *testing.T, value string) ItemID {
	t.Helper()
	id, err := NewItemID(value)
	if err != nil {
		t.Fatalf("unexpected item id error: %v", err)
	}
	return id
}

func mustVariant(t *testing.T, value string) Variant {
	t.Helper()
	variant, err := NewVariant(value)
	if err != nil {
		t.Fatalf("unexpected variant error: %v", err)
	}
	return variant
}

func mustSnapshotCard(t *testing.T, item, variant string, quantity int64) SnapshotCard {
	t.Helper()
	card, err := NewSnapshotCard(item, variant, quantity)
	if err != nil {
		t.Fatalf("unexpected snapshot card error: %v", err)
	}
	return card
}

func seedEntry(t *testing.T, db *gorm.DB, owner, item, variant string, quantity int64) {
	t.Helper()
	entry := Entry{
		OwnerID:          owner,
		ItemID:           item,
		Variant:          variant,
		Quantity:         quantity,
		CreatedAtSeconds: 1690000000,
		UpdatedAtSeconds: 1690000000,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("failed to seed entry: %v", err)
	}
}

func fetchEntry(t *testing.T, db *gorm.DB, owner, item, variant string) (Entry, bool) {
	t.Helper()
	var entry Entry
	err := db.Where("owner_id = ? AND item_id = ? AND variant = ?", owner, item, variant).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false
	}
	if err != nil {
		t.Fatalf("failed to fetch entry: %v", err)
	}
	return entry, true
}

func countEvents(t *testing.T, db *gorm.DB, owner string, action ActionKind) int64 {
	t.Helper()
	var total int64
	err := db.Model(&EventRecord{}).
		Where("owner_id = ? AND action = ?", owner, action).
		Count(&total).Error
	if err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	return total
}

func fetchSyncState(t *testing.T, db *gorm.DB, owner string) SyncState {
	t.Helper()
	var state SyncState
	err := db.Where("owner_id = ?", owner).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{OwnerID: owner}
	}
	if err != nil {
		t.Fatalf("failed to fetch sync state: %v", err)
	}
	return state
}

func int64Ptr(value int64) *int64 {
	return &value
}
