// ABOUTME: HTTP handlers for the generic Record Store collections
// ABOUTME: Posts, likes, follows and comments are stored as opaque JSON documents

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

// RecordResponse is the JSON form of a record.
type RecordResponse struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// CountResponse is the JSON response for GET /api/records/{collection}/count.
type CountResponse struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
}

// readDocument reads a JSON document body, writing a 400 if it is not valid JSON.
func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(data) {
		s.sendJSONError(w, http.StatusBadRequest, "body must be a JSON document")
		return nil, false
	}
	return data, true
}

// handleCreateRecord handles POST /api/records/{collection}.
func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	now := time.Now().UTC()
	rec := &store.Record{
		Collection: r.PathValue("collection"),
		ID:         uuid.New().String(),
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		s.writeError(w, r, conversation.StoreError(err))
		return
	}
	s.writeJSON(w, http.StatusCreated, toRecordResponse(rec))
}

// handleGetRecord handles GET /api/records/{collection}/{id}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.store.GetRecord(ctx, r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		s.writeRecordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

// handleUpdateRecord handles PUT /api/records/{collection}/{id}.
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	collection, id := r.PathValue("collection"), r.PathValue("id")
	update := &store.Record{
		Collection: collection,
		ID:         id,
		Data:       data,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpdateRecord(ctx, update); err != nil {
		s.writeRecordError(w, r, err)
		return
	}

	rec, err := s.store.GetRecord(ctx, collection, id)
	if err != nil {
		s.writeRecordError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

// handleDeleteRecord handles DELETE /api/records/{collection}/{id}.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.store.DeleteRecord(ctx, r.PathValue("collection"), r.PathValue("id")); err != nil {
		s.writeRecordError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCountRecords handles GET /api/records/{collection}/count.
func (s *Server) handleCountRecords(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	collection := r.PathValue("collection")
	n, err := s.store.CountRecords(ctx, collection)
	if err != nil {
		s.writeError(w, r, conversation.StoreError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, CountResponse{Collection: collection, Count: n})
}

func (s *Server) writeRecordError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "record not found")
		return
	}
	s.writeError(w, r, conversation.StoreError(err))
}

func toRecordResponse(rec *store.Record) RecordResponse {
	return RecordResponse{
		Collection: rec.Collection,
		ID:         rec.ID,
		Data:       json.RawMessage(rec.Data),
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
