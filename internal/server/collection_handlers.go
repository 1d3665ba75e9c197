package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JDaws-Dev/CARD-APP-sub012/internal/collection"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamHeartbeatInterval = 15 * time.Second

type cardCountPayload struct {
	ItemID   string `json:"item_id"`
	Variant  string `json:"variant"`
	Quantity int64  `json:"quantity"`
}

type addCardRequestPayload struct {
	ItemID           string `json:"item_id"`
	Variant          string `json:"variant"`
	Quantity         *int64 `json:"quantity"`
	ExpectedQuantity *int64 `json:"expected_quantity"`
	DeviceID         string `json:"device_id"`
	Strategy         string `json:"strategy"`
}

type addCardResponsePayload struct {
	FinalQuantity    int64  `json:"final_quantity"`
	ConflictDetected bool   `json:"conflict_detected"`
	ResolutionUsed   string `json:"resolution_used"`
}

func (h *httpHandler) handleAddCard(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	var payload addCardRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	item, err := collection.NewItemID(payload.ItemID)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	variant, err := collection.NewVariant(payload.Variant)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	strategy, err := collection.ParseStrategy(payload.Strategy)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	quantity := int64(1)
	if payload.Quantity != nil {
		quantity = *payload.Quantity
	}

	result, err := h.collection.AddWithResolution(c.Request.Context(), collection.AddCardRequest{
		Owner:            owner,
		Item:             item,
		Variant:          variant,
		AddQuantity:      quantity,
		ExpectedQuantity: payload.ExpectedQuantity,
		Device:           payload.DeviceID,
		Strategy:         strategy,
	})
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	h.publishChange(owner.String(), []string{itemKey(item.String(), variant.String())})
	c.JSON(http.StatusOK, addCardResponsePayload{
		FinalQuantity:    result.FinalQuantity,
		ConflictDetected: result.ConflictDetected,
		ResolutionUsed:   result.ResolutionUsed,
	})
}

type setQuantityRequestPayload struct {
	ItemID           string `json:"item_id"`
	Variant          string `json:"variant"`
	NewQuantity      *int64 `json:"new_quantity"`
	ExpectedQuantity *int64 `json:"expected_quantity"`
	DeviceID         string `json:"device_id"`
	Strategy         string `json:"strategy"`
}

type setQuantityResponsePayload struct {
	FinalQuantity    int64  `json:"final_quantity"`
	PreviousQuantity int64  `json:"previous_quantity"`
	ConflictDetected bool   `json:"conflict_detected"`
	ResolutionUsed   string `json:"resolution_used"`
}

func (h *httpHandler) handleSetQuantity(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	var payload setQuantityRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	// The expectation is mandatory for absolute sets, unlike adds.
	if payload.NewQuantity == nil || payload.ExpectedQuantity == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	item, err := collection.NewItemID(payload.ItemID)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	variant, err := collection.NewVariant(payload.Variant)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	strategy, err := collection.ParseStrategy(payload.Strategy)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	result, err := h.collection.SetQuantityWithResolution(c.Request.Context(), collection.SetQuantityRequest{
		Owner:            owner,
		Item:             item,
		Variant:          variant,
		NewQuantity:      *payload.NewQuantity,
		ExpectedQuantity: *payload.ExpectedQuantity,
		Device:           payload.DeviceID,
		Strategy:         strategy,
	})
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	h.publishChange(owner.String(), []string{itemKey(item.String(), variant.String())})
	c.JSON(http.StatusOK, setQuantityResponsePayload{
		FinalQuantity:    result.FinalQuantity,
		PreviousQuantity: result.PreviousQuantity,
		ConflictDetected: result.ConflictDetected,
		ResolutionUsed:   result.ResolutionUsed,
	})
}

type reconcileRequestPayload struct {
	Cards    []cardCountPayload `json:"cards"`
	Strategy string             `json:"strategy"`
	DeviceID string             `json:"device_id"`
}

type reconcileResponsePayload struct {
	Success           bool     `json:"success"`
	Added             int64    `json:"added"`
	Updated           int64    `json:"updated"`
	Removed           int64    `json:"removed"`
	ConflictsResolved int64    `json:"conflicts_resolved"`
	Errors            []string `json:"errors"`
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	var payload reconcileRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	strategy, err := collection.ParseStrategy(payload.Strategy)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	cards, err := decodeSnapshot(payload.Cards)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	result, err := h.collection.Reconcile(c.Request.Context(), collection.ReconcileRequest{
		Owner:    owner,
		Cards:    cards,
		Strategy: strategy,
		Device:   payload.DeviceID,
	})
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	h.publishChange(owner.String(), nil)
	c.JSON(http.StatusOK, reconcileResponsePayload{
		Success:           result.Success,
		Added:             result.Added,
		Updated:           result.Updated,
		Removed:           result.Removed,
		ConflictsResolved: result.ConflictsResolved,
		Errors:            result.Errors,
	})
}

type compareRequestPayload struct {
	Cards []cardCountPayload `json:"cards"`
}

type quantityDifferencePayload struct {
	ItemID         string `json:"item_id"`
	Variant        string `json:"variant"`
	ServerQuantity int64  `json:"server_quantity"`
	ClientQuantity int64  `json:"client_quantity"`
}

type compareResponsePayload struct {
	OnlyOnServer        []cardCountPayload          `json:"only_on_server"`
	OnlyOnClient        []cardCountPayload          `json:"only_on_client"`
	QuantityDifferences []quantityDifferencePayload `json:"quantity_differences"`
	InSync              []cardCountPayload          `json:"in_sync"`
	HasConflicts        bool                        `json:"has_conflicts"`
}

func (h *httpHandler) handleCompare(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	var payload compareRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cards, err := decodeSnapshot(payload.Cards)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	result, err := h.collection.Compare(c.Request.Context(), owner, cards)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}

	response := compareResponsePayload{
		OnlyOnServer:        encodeCardCounts(result.OnlyOnServer),
		OnlyOnClient:        encodeCardCounts(result.OnlyOnClient),
		QuantityDifferences: make([]quantityDifferencePayload, 0, len(result.QuantityDifferences)),
		InSync:              encodeCardCounts(result.InSync),
		HasConflicts:        result.HasConflicts,
	}
	for _, difference := range result.QuantityDifferences {
		response.QuantityDifferences = append(response.QuantityDifferences, quantityDifferencePayload{
			ItemID:         difference.ItemID,
			Variant:        difference.Variant,
			ServerQuantity: difference.ServerQuantity,
			ClientQuantity: difference.ClientQuantity,
		})
	}
	c.JSON(http.StatusOK, response)
}

type snapshotResponsePayload struct {
	SnapshotTimestamp int64              `json:"snapshot_timestamp"`
	Checksum          int32              `json:"checksum"`
	Digest            string             `json:"digest"`
	Cards             []cardCountPayload `json:"cards"`
	TotalCards        int64              `json:"total_cards"`
	TotalQuantity     int64              `json:"total_quantity"`
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	result, err := h.collection.GetSnapshot(c.Request.Context(), owner)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotResponsePayload{
		SnapshotTimestamp: result.SnapshotAtSeconds,
		Checksum:          result.Checksum,
		Digest:            result.Digest,
		Cards:             encodeCardCounts(result.Cards),
		TotalCards:        result.TotalCards,
		TotalQuantity:     result.TotalQuantity,
	})
}

type statusResponsePayload struct {
	ServerTimestamp  int64  `json:"server_timestamp"`
	ServerVersion    int64  `json:"server_version"`
	HasServerChanges bool   `json:"has_server_changes"`
	SyncState        string `json:"sync_state"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	request := collection.StatusRequest{Owner: owner}
	if raw := c.Query("last_known_timestamp"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		request.LastKnownTimestamp = &value
	}
	if raw := c.Query("last_known_version"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		request.LastKnownVersion = &value
	}

	result, err := h.collection.GetStatus(c.Request.Context(), request)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{
		ServerTimestamp:  result.ServerTimestampSeconds,
		ServerVersion:    result.ServerVersion,
		HasServerChanges: result.HasServerChanges,
		SyncState:        result.SyncState,
	})
}

type offlineSyncedRequestPayload struct {
	DeviceID    string `json:"device_id"`
	ChangeCount int64  `json:"change_count"`
}

type offlineSyncedResponsePayload struct {
	SyncedAt int64 `json:"synced_at"`
}

func (h *httpHandler) handleOfflineSynced(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	var payload offlineSyncedRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.collection.MarkOfflineSynced(c.Request.Context(), collection.MarkOfflineSyncedRequest{
		Owner:       owner,
		Device:      payload.DeviceID,
		ChangeCount: payload.ChangeCount,
	})
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	c.JSON(http.StatusOK, offlineSyncedResponsePayload{SyncedAt: result.SyncedAtSeconds})
}

type eventPayload struct {
	EventID   string         `json:"event_id"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt int64          `json:"created_at"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		limit = value
	}
	events, err := h.collection.ListEvents(c.Request.Context(), owner, limit)
	if err != nil {
		h.respondCollectionError(c, err)
		return
	}
	response := make([]eventPayload, 0, len(events))
	for _, event := range events {
		response = append(response, eventPayload{
			EventID:   event.EventID,
			Action:    string(event.Action),
			Metadata:  event.Metadata,
			CreatedAt: event.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

type streamEventPayload struct {
	Source   string   `json:"source"`
	ItemKeys []string `json:"item_keys"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	owner, ok := h.contextOwner(c)
	if !ok {
		return
	}
	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), owner.String())
	defer cleanup()

	writeStreamEvent(c, realtimeEventHeartbeat, streamEventPayload{Source: realtimeSourceBackend})
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			writeStreamEvent(c, message.EventType, streamEventPayload{
				Source:   realtimeSourceBackend,
				ItemKeys: message.ItemKeys,
			})
			flusher.Flush()
		case <-heartbeat.C:
			writeStreamEvent(c, realtimeEventHeartbeat, streamEventPayload{Source: realtimeSourceBackend})
			flusher.Flush()
		}
	}
}

func writeStreamEvent(c *gin.Context, eventType string, payload streamEventPayload) {
	c.SSEvent(eventType, payload)
	c.Writer.WriteString("\n")
}

// contextOwner resolves the authenticated subject into a validated owner id.
func (h *httpHandler) contextOwner(c *gin.Context) (collection.OwnerID, bool) {
	owner, err := collection.NewOwnerID(c.GetString(ownerContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return owner, true
}

func (h *httpHandler) respondCollectionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collection.ErrOwnerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "owner_not_found"})
	case errors.Is(err, collection.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry_not_found"})
	case errors.Is(err, collection.ErrInvalidQuantity),
		errors.Is(err, collection.ErrInvalidStrategy),
		errors.Is(err, collection.ErrInvalidItemID),
		errors.Is(err, collection.ErrInvalidVariant),
		errors.Is(err, collection.ErrInvalidOwnerID),
		errors.Is(err, collection.ErrInvalidDeviceID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		code := "internal_error"
		var serviceErr *collection.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("collection operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func decodeSnapshot(cards []cardCountPayload) ([]collection.SnapshotCard, error) {
	decoded := make([]collection.SnapshotCard, 0, len(cards))
	for _, card := range cards {
		snapshotCard, err := collection.NewSnapshotCard(card.ItemID, card.Variant, card.Quantity)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, snapshotCard)
	}
	return decoded, nil
}

func encodeCardCounts(cards []collection.CardCount) []cardCountPayload {
	encoded := make([]cardCountPayload, 0, len(cards))
	for _, card := range cards {
		encoded = append(encoded, cardCountPayload{
			ItemID:   card.ItemID,
			Variant:  card.Variant,
			Quantity: card.Quantity,
		})
	}
	return encoded
}

func itemKey(item, variant string) string {
	return fmt.Sprintf("%s|%s", item, variant)
}
