package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/moltbook/shellgate/internal/adapter/outbound/blob"
	"github.com/moltbook/shellgate/internal/domain/audit"
	"github.com/moltbook/shellgate/internal/domain/schema"
)

// memoryPrefix is the key namespace for memory blobs.
const memoryPrefix = "memory/"

// MemoryService persists validated memory files to append-only blob
// storage and serves the newest approved one back.
type MemoryService struct {
	store blob.Store
	audit audit.Logger
	now   func() time.Time
}

// NewMemoryService wires the memory pipeline.
func NewMemoryService(store blob.Store, auditLog audit.Logger) *MemoryService {
	return &MemoryService{
		store: store,
		audit: auditLog,
		now:   time.Now,
	}
}

// Save validates the body and writes it to memory/<run_id>.json. A key
// collision is a conflict: each run id writes exactly once.
func (s *MemoryService) Save(ctx context.Context, raw []byte, requestID string) Response {
	start := s.now()
	rec := audit.Record{
		RequestID: requestID,
		Method:    "POST",
		Path:      "/memory",
	}
	defer func() {
		rec.DurationMs = s.now().Sub(start).Milliseconds()
		s.audit.Log(rec)
	}()

	if len(raw) == 0 {
		rec.BlockedReason = "Empty body"
		rec.ResponseStatus = 400
		return Response{Status: 400, Body: map[string]any{"error": "Empty body"}}
	}
	if len(raw) > schema.MaxMemoryBytes {
		rec.BlockedReason = "Memory file too large"
		rec.ResponseStatus = 413
		return Response{Status: 413, Body: map[string]any{
			"error": "Memory file too large",
			"size":  len(raw),
			"max":   schema.MaxMemoryBytes,
		}}
	}

	mem, err := schema.ValidateMemory(raw)
	if err != nil {
		resp := validationResponse(err)
		rec.BlockedReason = blockedReason(*resp)
		rec.ResponseStatus = resp.Status
		return *resp
	}

	key := memoryPrefix + mem.RunID + ".json"
	digest := strconv.FormatUint(xxhash.Sum64(raw), 16)

	err = s.store.Put(ctx, key, raw, blob.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"run_id":        mem.RunID,
			"run_start":     mem.RunStart,
			"analyzed":      "false",
			"approved":      "false",
			"content_xxh64": digest,
		},
	})
	if err != nil {
		if errors.Is(err, blob.ErrKeyExists) {
			rec.BlockedReason = "Memory blob already exists for this run_id"
			rec.ResponseStatus = 409
			return Response{Status: 409, Body: map[string]any{
				"error":  "Memory blob already exists for this run_id",
				"run_id": mem.RunID,
			}}
		}
		rec.BlockedReason = "Storage failure"
		rec.ResponseStatus = 500
		s.audit.LogError("put memory blob", err)
		return Response{Status: 500, Body: map[string]any{"error": "Failed to store memory"}}
	}

	rec.Allowed = true
	rec.ResponseStatus = 200
	return Response{Status: 200, Body: map[string]any{
		"ok":     true,
		"blob":   key,
		"run_id": mem.RunID,
	}}
}

// Latest returns the newest approved memory file, or a null payload
// when none has been approved yet.
func (s *MemoryService) Latest(ctx context.Context, requestID string) Response {
	start := s.now()
	rec := audit.Record{
		RequestID: requestID,
		Method:    "GET",
		Path:      "/memory/latest",
	}
	defer func() {
		rec.DurationMs = s.now().Sub(start).Milliseconds()
		s.audit.Log(rec)
	}()

	items, err := s.store.List(ctx, memoryPrefix)
	if err != nil {
		rec.ResponseStatus = 500
		s.audit.LogError("list memory blobs", err)
		return Response{Status: 500, Body: map[string]any{"error": "Failed to list memory"}}
	}

	var newest *blob.Item
	for i := range items {
		item := &items[i]
		if item.Metadata["approved"] != "true" {
			continue
		}
		if newest == nil || item.LastModified.After(newest.LastModified) {
			newest = item
		}
	}
	if newest == nil {
		rec.Allowed = true
		rec.ResponseStatus = 200
		return Response{Status: 200, Body: map[string]any{
			"ok":      true,
			"data":    nil,
			"message": "No approved memory found",
		}}
	}

	data, metadata, err := s.store.Get(ctx, newest.Name)
	if err != nil {
		rec.ResponseStatus = 500
		s.audit.LogError("get memory blob", err)
		return Response{Status: 500, Body: map[string]any{"error": "Failed to read memory"}}
	}

	// Advisory integrity check; a mismatch is logged, not fatal.
	if want := metadata["content_xxh64"]; want != "" {
		if got := strconv.FormatUint(xxhash.Sum64(data), 16); got != want {
			s.audit.LogError("memory blob digest mismatch",
				fmt.Errorf("blob %s: stored %s, computed %s", newest.Name, want, got))
		}
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		rec.ResponseStatus = 500
		s.audit.LogError("decode memory blob", err)
		return Response{Status: 500, Body: map[string]any{"error": "Failed to read memory"}}
	}

	rec.Allowed = true
	rec.ResponseStatus = 200
	return Response{Status: 200, Body: map[string]any{
		"ok":   true,
		"blob": newest.Name,
		"data": parsed,
	}}
}
