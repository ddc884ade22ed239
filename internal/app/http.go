package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"partyjournal/api/internal/docstore"
	"partyjournal/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   wsUpgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		upgrader:   newUpgrader(corsOrigin),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/permissions" {
		var body struct {
			Email  string `json:"email"`
			Action string `json:"action"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Email) == "" {
			writeError(w, http.StatusBadRequest, "MISSING_EMAIL", "email is required", nil)
			return
		}
		result, err := s.service.Permissions(r.Context(), body.Email)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		// An action names a bundle field and gets a single-value probe;
		// anything unrecognized falls through to the full bundle.
		switch body.Action {
		case "isAllowed":
			writeJSON(w, http.StatusOK, map[string]any{"result": result.IsAllowed})
		case "canEdit":
			writeJSON(w, http.StatusOK, map[string]any{"result": result.CanEdit})
		case "isAdmin":
			writeJSON(w, http.StatusOK, map[string]any{"result": result.IsAdmin})
		case "role":
			writeJSON(w, http.StatusOK, map[string]any{"result": result.Role})
		default:
			writeJSON(w, http.StatusOK, result)
		}
		return
	}

	if r.URL.Path == "/api/admin/users" {
		s.handleAdminUsers(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		caller, ok := s.caller(w, r)
		if !ok {
			return
		}
		q := search.Query{Text: r.URL.Query().Get("q")}
		resp, err := s.service.Search(r.Context(), caller, q)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notes/watch" {
		s.handleWatch(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/notes") {
		s.handleNotes(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	adminEmail := bearerToken(r)
	if adminEmail == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sign-in required", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		records, err := s.service.ListUsers(r.Context(), adminEmail)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": records})

	case http.MethodPost:
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpsertUser(r.Context(), adminEmail, body.Email, body.Role); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case http.MethodDelete:
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Email) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
			return
		}
		if err := s.service.RemoveUser(r.Context(), adminEmail, body.Email); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleNotes(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	parts := splitPath(r.URL.Path) // ["api", "notes", ...]

	// /api/notes
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			infos, err := s.service.ListNotes(r.Context(), caller)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"notes": infos})
		case http.MethodPost:
			var body CreateNoteInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			id, err := s.service.CreateNote(r.Context(), caller, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/notes/tree and /api/notes/lookup
	if len(parts) == 3 && r.Method == http.MethodGet && parts[2] == "tree" {
		forest, err := s.service.NoteTree(r.Context(), caller, r.URL.Query().Get("q"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": forest})
		return
	}
	if len(parts) == 3 && r.Method == http.MethodGet && parts[2] == "lookup" {
		id, err := s.service.LookupNoteByTitle(r.Context(), caller, r.URL.Query().Get("title"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
		return
	}

	// /api/notes/{id}
	if len(parts) == 3 {
		noteID := parts[2]
		switch r.Method {
		case http.MethodGet:
			note, err := s.service.GetNote(r.Context(), caller, noteID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, note)
		case http.MethodPatch:
			in, err := decodeNotePatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.UpdateNote(r.Context(), caller, noteID, in); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case http.MethodDelete:
			if err := s.service.DeleteNote(r.Context(), caller, noteID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/notes/{id}/...
	if len(parts) == 4 {
		noteID := parts[2]
		switch {
		case r.Method == http.MethodPost && parts[3] == "restore":
			if err := s.service.RestoreNote(r.Context(), caller, noteID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case r.Method == http.MethodGet && parts[3] == "blocks":
			blocks, err := s.service.ListBlocks(r.Context(), caller, noteID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
		case r.Method == http.MethodPut && parts[3] == "text":
			var body struct {
				Text string `json:"text"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			blocks, err := s.service.SaveText(r.Context(), caller, noteID, body.Text)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// decodeNotePatch decodes a partial note update, tracking whether parentId
// was present so "move to root" (explicit null) differs from "leave alone".
func decodeNotePatch(r *http.Request) (UpdateNoteInput, error) {
	var in UpdateNoteInput
	if r.Body == nil {
		return in, nil
	}
	defer r.Body.Close()
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return in, fmt.Errorf("invalid JSON body")
	}
	decode := func(key string, target any) error {
		payload, ok := raw[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("invalid %s", key)
		}
		return nil
	}
	if err := decode("title", &in.Title); err != nil {
		return in, err
	}
	if err := decode("visibility", &in.Visibility); err != nil {
		return in, err
	}
	if err := decode("tags", &in.Tags); err != nil {
		return in, err
	}
	if err := decode("links", &in.Links); err != nil {
		return in, err
	}
	if err := decode("adminNotes", &in.AdminNotes); err != nil {
		return in, err
	}
	if err := decode("metadata", &in.Metadata); err != nil {
		return in, err
	}
	if payload, ok := raw["parentId"]; ok {
		in.HasParent = true
		if err := json.Unmarshal(payload, &in.ParentID); err != nil {
			return in, fmt.Errorf("invalid parentId")
		}
	}
	return in, nil
}

// caller resolves the bearer email to a permission bundle, writing the error
// response itself on failure.
func (s *HTTPServer) caller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	caller, err := s.service.ResolveCaller(r.Context(), bearerToken(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// Websocket upgrades need the raw ResponseWriter; skip the recorder
		// and JSON headers for them.
		if r.URL.Path == "/api/notes/watch" {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
