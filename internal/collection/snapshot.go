package collection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	opCompare     = "collection.compare"
	opGetSnapshot = "collection.get_snapshot"
)

// Compare reports the difference between a client snapshot and server state
// without mutating anything or touching the event log. A duplicate key inside
// the snapshot is collapsed to its last occurrence, matching how Reconcile
// would apply it.
func (s *Service) Compare(ctx context.Context, owner OwnerID, cards []SnapshotCard) (ComparisonResult, error) {
	if err := s.requireOwner(ctx, opCompare, owner); err != nil {
		return ComparisonResult{}, err
	}

	var stored []Entry
	err := s.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order("item_id ASC, variant ASC").
		Find(&stored).Error
	if err != nil {
		s.logError(opCompare, reasonCollectionScanFailed, err, zap.String(fieldOwnerID, owner.String()))
		return ComparisonResult{}, newServiceError(opCompare, reasonCollectionScanFailed, err)
	}

	clientQuantities := make(map[entryKey]int64, len(cards))
	for _, card := range cards {
		clientQuantities[entryKey{item: card.Item.String(), variant: card.Variant.String()}] = card.Quantity
	}

	result := ComparisonResult{
		OnlyOnServer:        []CardCount{},
		OnlyOnClient:        []CardCount{},
		QuantityDifferences: []QuantityDifference{},
		InSync:              []CardCount{},
	}
	for _, entry := range stored {
		key := entryKey{item: entry.ItemID, variant: entry.Variant}
		clientQuantity, known := clientQuantities[key]
		switch {
		case !known:
			result.OnlyOnServer = append(result.OnlyOnServer, CardCount{
				ItemID: entry.ItemID, Variant: entry.Variant, Quantity: entry.Quantity,
			})
		case clientQuantity == entry.Quantity:
			result.InSync = append(result.InSync, CardCount{
				ItemID: entry.ItemID, Variant: entry.Variant, Quantity: entry.Quantity,
			})
		default:
			result.QuantityDifferences = append(result.QuantityDifferences, QuantityDifference{
				ItemID:         entry.ItemID,
				Variant:        entry.Variant,
				ServerQuantity: entry.Quantity,
				ClientQuantity: clientQuantity,
			})
		}
		delete(clientQuantities, key)
	}

	clientOnly := make([]entryKey, 0, len(clientQuantities))
	for key := range clientQuantities {
		clientOnly = append(clientOnly, key)
	}
	sort.Slice(clientOnly, func(i, j int) bool {
		if clientOnly[i].item != clientOnly[j].item {
			return clientOnly[i].item < clientOnly[j].item
		}
		return clientOnly[i].variant < clientOnly[j].variant
	})
	for _, key := range clientOnly {
		result.OnlyOnClient = append(result.OnlyOnClient, CardCount{
			ItemID: key.item, Variant: key.variant, Quantity: clientQuantities[key],
		})
	}

	result.HasConflicts = len(result.QuantityDifferences) > 0
	return result, nil
}

// GetSnapshot returns a deterministic fingerprint of the owner's collection.
// Entries are sorted by item then variant and serialized as
// "item|variant|quantity;..."; the rolling checksum is a cheap staleness
// short-circuit, the SHA-256 digest the stronger fingerprint over the same
// bytes.
func (s *Service) GetSnapshot(ctx context.Context, owner OwnerID) (SnapshotResult, error) {
	if err := s.requireOwner(ctx, opGetSnapshot, owner); err != nil {
		return SnapshotResult{}, err
	}

	var stored []Entry
	err := s.db.WithContext(ctx).
		Where(queryOwner, owner.String()).
		Order("item_id ASC, variant ASC").
		Find(&stored).Error
	if err != nil {
		s.logError(opGetSnapshot, reasonCollectionScanFailed, err, zap.String(fieldOwnerID, owner.String()))
		return SnapshotResult{}, newServiceError(opGetSnapshot, reasonCollectionScanFailed, err)
	}

	result := SnapshotResult{
		SnapshotAtSeconds: s.clock().UTC().Unix(),
		Cards:             make([]CardCount, 0, len(stored)),
	}
	var serialized strings.Builder
	for _, entry := range stored {
		fmt.Fprintf(&serialized, "%s|%s|%d;", entry.ItemID, entry.Variant, entry.Quantity)
		result.Cards = append(result.Cards, CardCount{
			ItemID: entry.ItemID, Variant: entry.Variant, Quantity: entry.Quantity,
		})
		result.TotalQuantity += entry.Quantity
	}
	result.TotalCards = int64(len(stored))
	result.Checksum = rollingChecksum(serialized.String())
	digest := sha256.Sum256([]byte(serialized.String()))
	result.Digest = hex.EncodeToString(digest[:])
	return result, nil
}

// rollingChecksum reduces the serialized collection to a 32-bit fingerprint
// (hash*31 + byte, wrapping on overflow). Collisions are expected; matching
// checksums mean "probably unchanged", never "identical".
func rollingChecksum(serialized string) int32 {
	var hash int32
	for i := 0; i < len(serialized); i++ {
		hash = hash*31 + int32(serialized[i])
	}
	return hash
}
