// Package admin exposes the HTTP API: item reads and writes against the
// table, pipe status, change stream statistics and Prometheus metrics.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tablebus/tablebus/pipe"
	"github.com/tablebus/tablebus/stream"
	"github.com/tablebus/tablebus/table"
)

// Handlers serves the admin API endpoints
type Handlers struct {
	table     *table.Table
	pipes     *pipe.Registry
	changeLog *stream.Log
}

// NewHandlers creates a Handlers instance over the running components
func NewHandlers(tbl *table.Table, pipes *pipe.Registry, changeLog *stream.Log) *Handlers {
	return &Handlers{
		table:     tbl,
		pipes:     pipes,
		changeLog: changeLog,
	}
}

// handlePutItem inserts or replaces the item at (pk, sk). The request body
// is the attribute map.
func (h *Handlers) handlePutItem(w http.ResponseWriter, r *http.Request, pk, sk string) {
	var attrs map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid attributes: %v", err))
		return
	}

	if err := h.table.Put(pk, sk, attrs); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"pk": pk,
		"sk": sk,
	})
}

// handleGetItem returns the item at (pk, sk)
func (h *Handlers) handleGetItem(w http.ResponseWriter, r *http.Request, pk, sk string) {
	attrs, err := h.table.Get(pk, sk)
	if errors.Is(err, table.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, table.Item{
		Key:        stream.Key{PK: pk, SK: sk},
		Attributes: attrs,
	})
}

// handleDeleteItem removes the item at (pk, sk). Deleting a missing item
// succeeds and emits nothing.
func (h *Handlers) handleDeleteItem(w http.ResponseWriter, r *http.Request, pk, sk string) {
	if err := h.table.Delete(pk, sk); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"pk": pk,
		"sk": sk,
	})
}

// handleQueryPartition returns all items under a partition key
func (h *Handlers) handleQueryPartition(w http.ResponseWriter, r *http.Request, pk string) {
	items, err := h.table.Query(pk)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"pk":    pk,
		"count": len(items),
		"items": items,
	})
}

// handlePipes returns the status of every pipe
func (h *Handlers) handlePipes(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.pipes.Status())
}

// handleStreamStats returns change log head position and per-pipe cursors
func (h *Handlers) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"latest_seq": h.changeLog.LatestSeq(),
		"cursors":    h.changeLog.Cursors(),
	})
}

// handleStreamRead reads change records after a cursor, for inspection
func (h *Handlers) handleStreamRead(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.changeLog.ReadFrom(after, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

// handleHealth is the liveness endpoint
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"status": "ok",
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"data": data,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit query parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseAfter parses the after query parameter (cursor position)
func parseAfter(r *http.Request) (uint64, error) {
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return 0, nil
	}

	after, err := strconv.ParseUint(afterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid after parameter: %w", err)
	}
	return after, nil
}
