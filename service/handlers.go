package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/errors"
	"github.com/c360/concur/resource"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// listBody is the response of GET /{resource}.
type listBody struct {
	Items []resource.Entity `json:"items"`
	Count int               `json:"count"`
}

func (s *Server) store(w http.ResponseWriter, r *http.Request) (*entitystore.Store, bool) {
	name := r.PathValue("resource")
	st, ok := s.stores.Get(name)
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, resource.CodeNotFound, fmt.Sprintf("unknown resource %q", name))
		return nil, false
	}
	return st, true
}

// handleList returns all entities of a resource
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	items, err := st.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listBody{Items: items, Count: len(items)})
}

// handleCreate creates an entity at version 1
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	body, _, err := decodeEntity(w, r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, resource.CodeValidationFailed, err.Error())
		return
	}

	fields := body.Fields
	if body.ID != "" {
		fields[resource.FieldID] = body.ID
	}
	ent, err := st.Create(r.Context(), fields)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	w.Header().Set("Location", "/"+url.PathEscape(st.Name())+"/"+url.PathEscape(ent.ID))
	s.writeJSON(w, http.StatusCreated, ent)
}

// handleGet returns a single entity with its current version
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	ent, err := st.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ent)
}

// handleUpdate applies a versioned update
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	body, hasVersion, err := decodeEntity(w, r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, resource.CodeValidationFailed, err.Error())
		return
	}
	if !hasVersion {
		s.writeJSONError(w, http.StatusBadRequest, resource.CodeValidationFailed, "version is required")
		return
	}
	if body.ID != "" && body.ID != id {
		s.writeJSONError(w, http.StatusBadRequest, resource.CodeValidationFailed, "ID mismatch")
		return
	}

	ent, err := st.Update(r.Context(), id, body.Version, body.Fields)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ent)
}

// handleDelete removes an entity
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store(w, r)
	if !ok {
		return
	}
	if err := st.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports the aggregated health. Unhealthy answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.AggregateHealth(SystemName)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// decodeEntity reads a flattened entity body. hasVersion reports whether the
// body carried a version key at all.
func decodeEntity(w http.ResponseWriter, r *http.Request) (resource.Entity, bool, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return resource.Entity{}, false, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return resource.Entity{}, false, fmt.Errorf("request body is empty")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return resource.Entity{}, false, fmt.Errorf("invalid request body: %w", err)
	}
	var ent resource.Entity
	if err := json.Unmarshal(data, &ent); err != nil {
		return resource.Entity{}, false, fmt.Errorf("invalid request body: %w", err)
	}
	if ent.Fields == nil {
		ent.Fields = map[string]any{}
	}

	_, hasVersion := keys[resource.FieldVersion]
	return ent, hasVersion, nil
}

// writeStoreError maps a store error onto its status and code. Internal
// failures are logged and reported without detail.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var se *resource.StatusError
	if !errors.As(resource.FromStoreError(err), &se) {
		s.writeJSONError(w, http.StatusInternalServerError, resource.CodeInternal, "internal server error")
		return
	}
	if se.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg := "internal server error"
		if se.Status == http.StatusServiceUnavailable {
			msg = "storage unavailable"
		}
		s.writeJSONError(w, se.Status, se.Code, msg)
		return
	}
	s.writeJSON(w, se.Status, errorBody{Error: se.Message, Code: se.Code, Exception: se.Exception})
}

// writeJSON writes a JSON response and logs encoding errors
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes an error response in JSON format
func (s *Server) writeJSONError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: message, Code: code})
}
