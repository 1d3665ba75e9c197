package collection

import (
	"context"
	"errors"
	"testing"
)

func TestAddWithResolutionCreatesEntryOnFirstWrite(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	result, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:       mustOwnerID(t, testOwner),
		Item:        mustItemID(t, "card-1"),
		Variant:     mustVariant(t, ""),
		AddQuantity: 3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalQuantity != 3 || result.ConflictDetected {
		t.Fatalf("unexpected result: %+v", result)
	}
	entry, found := fetchEntry(t, db, testOwner, "card-1", "normal")
	if !found || entry.Quantity != 3 {
		t.Fatalf("expected persisted entry with quantity 3, got %+v found=%v", entry, found)
	}
	if got := countEvents(t, db, testOwner, ActionCardAdded); got != 1 {
		t.Fatalf("expected one card_added event, got %d", got)
	}
	if state := fetchSyncState(t, db, testOwner); state.Version != 1 {
		t.Fatalf("expected sync state version 1, got %d", state.Version)
	}
}

func TestAddWithResolutionFirstWriteIgnoresExpectation(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	result, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-1"),
		Variant:          mustVariant(t, "holo"),
		AddQuantity:      2,
		ExpectedQuantity: int64Ptr(9),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConflictDetected {
		t.Fatalf("first write must never report a conflict, got %+v", result)
	}
	if result.FinalQuantity != 2 {
		t.Fatalf("expected quantity 2, got %d", result.FinalQuantity)
	}
}

func TestAddWithResolutionMatchingExpectationStacks(t *testing.T) {
	db := openCollectionDB(t)
	seedEntry(t, db, testOwner, "card-1", "normal", 5)
	service := newTestService(t, db, nil)

	result, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-1"),
		Variant:          mustVariant(t, ""),
		AddQuantity:      2,
		ExpectedQuantity: int64Ptr(5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConflictDetected || result.FinalQuantity != 7 {
		t.Fatalf("expected conflict-free total 7, got %+v", result)
	}
	if got := countEvents(t, db, testOwner, ActionConflictResolved); got != 0 {
		t.Fatalf("expected no resolution events, got %d", got)
	}
}

func TestAddWithResolutionKeepHigherResolvesConflict(t *testing.T) {
	db := openCollectionDB(t)
	seedEntry(t, db, testOwner, "card-1", "normal", 5)
	service := newTestService(t, db, nil)

	result, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-1"),
		Variant:          mustVariant(t, ""),
		AddQuantity:      2,
		ExpectedQuantity: int64Ptr(3),
		Strategy:         StrategyKeepHigher,
		Device:           "tablet",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ConflictDetected {
		t.Fatalf("expected a detected conflict")
	}
	if result.FinalQuantity != 7 {
		t.Fatalf("expected keep_higher total 7, got %d", result.FinalQuantity)
	}
	if result.ResolutionUsed != StrategyKeepHigher.String() {
		t.Fatalf("unexpected resolution label %q", result.ResolutionUsed)
	}
	if got := countEvents(t, db, testOwner, ActionConflictResolved); got != 1 {
		t.Fatalf("expected one conflict_resolved event, got %d", got)
	}
	if got := countEvents(t, db, testOwner, ActionCardAdded); got != 1 {
		t.Fatalf("expected one card_added event, got %d", got)
	}
}

func TestAddWithResolutionWithoutExpectationNeverResolves(t *testing.T) {
	db := openCollectionDB(t)
	seedEntry(t, db, testOwner, "card-1", "normal", 4)
	service := newTestService(t, db, nil)

	result, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:       mustOwnerID(t, testOwner),
		Item:        mustItemID(t, "card-1"),
		Variant:     mustVariant(t, ""),
		AddQuantity: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConflictDetected || result.FinalQuantity != 5 || result.ResolutionUsed != "none" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAddWithResolutionRejectsUnknownOwner(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	_, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:       mustOwnerID(t, "owner-unknown"),
		Item:        mustItemID(t, "card-1"),
		Variant:     mustVariant(t, ""),
		AddQuantity: 1,
	})
	if !errors.Is(err, ErrOwnerNotFound) {
		t.Fatalf("expected ErrOwnerNotFound, got %v", err)
	}
}

func TestAddWithResolutionValidatesBeforeStoreAccess(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	_, err := service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:       mustOwnerID(t, testOwner),
		Item:        mustItemID(t, "card-1"),
		Variant:     mustVariant(t, ""),
		AddQuantity: 0,
	})
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	_, err = service.AddWithResolution(context.Background(), AddCardRequest{
		Owner:       mustOwnerID(t, testOwner),
		Item:        mustItemID(t, "card-1"),
		Variant:     mustVariant(t, ""),
		AddQuantity: 1,
		Strategy:    Strategy("highest_bidder"),
	})
	if !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected ErrInvalidStrategy, got %v", err)
	}
	if got := countEvents(t, db, testOwner, ActionCardAdded); got != 0 {
		t.Fatalf("validation failures must not write events, got %d", got)
	}
}

func TestSetQuantityLastWriteWinsDeletesAtZero(t *testing.T) {
	db := openCollectionDB(t)
	seedEntry(t, db, testOwner, "card-1", "normal", 10)
	service := newTestService(t, db, nil)

	result, err := service.SetQuantityWithResolution(context.Background(), SetQuantityRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-1"),
		Variant:          mustVariant(t, ""),
		NewQuantity:      0,
		ExpectedQuantity: 10,
		Strategy:         StrategyLastWriteWins,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConflictDetected {
		t.Fatalf("matching expectation must not conflict: %+v", result)
	}
	if result.FinalQuantity != 0 || result.PreviousQuantity != 10 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, found := fetchEntry(t, db, testOwner, "card-1", "normal"); found {
		t.Fatalf("entry driven to zero must be deleted, not persisted")
	}
	if got := countEvents(t, db, testOwner, ActionCardRemoved); got != 1 {
		t.Fatalf("expected one card_removed event, got %d", got)
	}
}

func TestSetQuantityCreatesMissingEntryAndFlagsStaleExpectation(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	result, err := service.SetQuantityWithResolution(context.Background(), SetQuantityRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-9"),
		Variant:          mustVariant(t, ""),
		NewQuantity:      4,
		ExpectedQuantity: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ConflictDetected || result.ResolutionUsed != "created_new" {
		t.Fatalf("expected created_new resolution, got %+v", result)
	}
	if result.FinalQuantity != 4 || result.PreviousQuantity != 0 {
		t.Fatalf("unexpected quantities: %+v", result)
	}
	if got := countEvents(t, db, testOwner, ActionConflictResolved); got != 1 {
		t.Fatalf("expected one conflict_resolved event, got %d", got)
	}
}

func TestSetQuantityMissingEntryNonPositiveFails(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	_, err := service.SetQuantityWithResolution(context.Background(), SetQuantityRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-9"),
		Variant:          mustVariant(t, ""),
		NewQuantity:      0,
		ExpectedQuantity: 0,
	})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestSetQuantityMergeAddSuperimposesBothDeltas(t *testing.T) {
	db := openCollectionDB(t)
	seedEntry(t, db, testOwner, "card-1", "normal", 7)
	service := newTestService(t, db, nil)

	// Common ancestor 5, server moved +2, client wants +4: both land.
	result, err := service.SetQuantityWithResolution(context.Background(), SetQuantityRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-1"),
		Variant:          mustVariant(t, ""),
		NewQuantity:      9,
		ExpectedQuantity: 5,
		Strategy:         StrategyMergeAdd,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ConflictDetected || result.FinalQuantity != 11 {
		t.Fatalf("expected merged total 11, got %+v", result)
	}
}

func TestSetQuantityClampsNegativeResolutionToDeletion(t *testing.T) {
	db := openCollectionDB(t)
	seedEntry(t, db, testOwner, "card-1", "normal", 1)
	service := newTestService(t, db, nil)

	// merge_add: 5 + (0-5) + (1-5) = -4, clamped to 0, so the entry goes away.
	result, err := service.SetQuantityWithResolution(context.Background(), SetQuantityRequest{
		Owner:            mustOwnerID(t, testOwner),
		Item:             mustItemID(t, "card-1"),
		Variant:          mustVariant(t, ""),
		NewQuantity:      0,
		ExpectedQuantity: 5,
		Strategy:         StrategyMergeAdd,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalQuantity != 0 {
		t.Fatalf("expected clamped final quantity 0, got %d", result.FinalQuantity)
	}
	if _, found := fetchEntry(t, db, testOwner, "card-1", "normal"); found {
		t.Fatalf("clamped-to-zero entry must be deleted")
	}
}

func TestVariantsAreDistinctEntries(t *testing.T) {
	db := openCollectionDB(t)
	service := newTestService(t, db, nil)

	ctx := context.Background()
	for _, variant := range []string{"", "holo"} {
		_, err := service.AddWithResolution(ctx, AddCardRequest{
			Owner:       mustOwnerID(t, testOwner),
			Item:        mustItemID(t, "card-1"),
			Variant:     mustVariant(t, variant),
			AddQuantity: 2,
		})
		if err != nil {
			t.Fatalf("unexpected error for variant %q: %v", variant, err)
		}
	}

	normal, foundNormal := fetchEntry(t, db, testOwner, "card-1", "normal")
	holo, foundHolo := fetchEntry(t, db, testOwner, "card-1", "holo")
	if !foundNormal || !foundHolo {
		t.Fatalf("expected both variant entries to exist")
	}
	if normal.Quantity != 2 || holo.Quantity != 2 {
		t.Fatalf("variants must not share counts: normal=%d holo=%d", normal.Quantity, holo.Quantity)
	}
}
