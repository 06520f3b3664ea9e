// Package app is the HTTP boundary of the sync core: channel
// authorization, blueprint state access, and operational endpoints.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"warmanager/collab/internal/archive"
	"warmanager/collab/internal/identity"
	"warmanager/collab/internal/presence"
	"warmanager/collab/internal/session"
	"warmanager/collab/internal/store"
	"warmanager/collab/internal/util"
)

// Documents is the slice of the canonical store the HTTP layer needs.
type Documents interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	UpsertDocumentState(ctx context.Context, id string, state []byte, updatedBy string) error
	CreateDocument(ctx context.Context, id, name, createdBy string) (store.Document, error)
	Ping(ctx context.Context) error
}

// Grantor authorizes one connection attempt for one channel.
type Grantor interface {
	Authorize(ctx context.Context, credentials, channelName, connectionNonce string) (session.GrantResponse, error)
}

// Presence is the roster backing the per-blueprint presence endpoints.
// Agents announce themselves through Join/Heartbeat/Leave; viewers read
// the roster through Members.
type Presence interface {
	Join(ctx context.Context, documentID, connectionID string, m presence.Member) error
	Heartbeat(ctx context.Context, documentID, connectionID string) error
	Leave(ctx context.Context, documentID, connectionID string) error
	Members(ctx context.Context, documentID string) ([]presence.Member, error)
	Ping(ctx context.Context) error
}

// Archives is the slice of the snapshot archive the HTTP layer needs.
type Archives interface {
	List(ctx context.Context, documentID string) ([]string, error)
	Latest(ctx context.Context, documentID string) ([]byte, error)
}

type HTTPServer struct {
	grantor    Grantor
	identities identity.Provider
	documents  Documents
	presence   Presence
	archives   Archives
	registry   prometheus.Gatherer
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(grantor Grantor, identities identity.Provider, documents Documents, presence Presence, archives Archives, registry prometheus.Gatherer, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		grantor:    grantor,
		identities: identities,
		documents:  documents,
		presence:   presence,
		archives:   archives,
		registry:   registry,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/collab/auth", s.handleCollabAuth).Methods(http.MethodPost)
	r.HandleFunc("/api/blueprints", s.handleCreateBlueprint).Methods(http.MethodPost)
	r.HandleFunc("/api/blueprints/{id}", s.handleGetBlueprint).Methods(http.MethodGet)
	r.HandleFunc("/api/blueprints/{id}/state", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/api/blueprints/{id}/state", s.handlePutState).Methods(http.MethodPut)
	r.HandleFunc("/api/blueprints/{id}/presence", s.handleListPresence).Methods(http.MethodGet)
	r.HandleFunc("/api/blueprints/{id}/presence", s.handleJoinPresence).Methods(http.MethodPost)
	r.HandleFunc("/api/blueprints/{id}/presence/{conn}", s.handleHeartbeatPresence).Methods(http.MethodPut)
	r.HandleFunc("/api/blueprints/{id}/presence/{conn}", s.handleLeavePresence).Methods(http.MethodDelete)
	r.HandleFunc("/api/blueprints/{id}/archive", s.handleListArchive).Methods(http.MethodGet)
	r.HandleFunc("/api/blueprints/{id}/archive/restore", s.handleRestoreArchive).Methods(http.MethodPost)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.documents.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}

	if s.presence != nil {
		checks["presence"] = map[string]any{"status": "ok"}
		if err := s.presence.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["presence"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleCollabAuth issues channel grants. Every denial is a plain 403; the
// reason stays server side.
func (s *HTTPServer) handleCollabAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChannelName     string `json:"channelName"`
		ConnectionNonce string `json:"connectionNonce"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	grant, err := s.grantor.Authorize(r.Context(), bearerToken(r), body.ChannelName, body.ConnectionNonce)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthorized) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *HTTPServer) handleCreateBlueprint(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeDomainError(w, validationError("name is required"))
		return
	}
	id := strings.TrimSpace(body.ID)
	if id == "" {
		id = util.NewID("bp")
	}

	doc, err := s.documents.CreateDocument(r.Context(), id, body.Name, who.UserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, blueprintPayload(doc))
}

func (s *HTTPServer) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}

	doc, err := s.documents.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, blueprintPayload(doc))
}

// handleGetState serves the raw committed snapshot, the seed for a fresh
// replica with no local cache.
func (s *HTTPServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}

	doc, err := s.documents.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.LiveData)
}

func (s *HTTPServer) handlePutState(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := s.documents.GetDocument(r.Context(), id); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	state, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read state", nil)
		return
	}
	if len(state) == 0 {
		writeDomainError(w, validationError("state is required"))
		return
	}

	if err := s.documents.UpsertDocumentState(r.Context(), id, state, who.UserID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleListPresence returns the current roster of a blueprint.
func (s *HTTPServer) handleListPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	if s.presence == nil {
		writeDomainError(w, unavailableError("presence is not configured"))
		return
	}

	members, err := s.presence.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if members == nil {
		members = []presence.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// handleJoinPresence puts the caller on a blueprint roster. The member
// record comes from the bearer token, never from the request body.
func (s *HTTPServer) handleJoinPresence(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if s.presence == nil {
		writeDomainError(w, unavailableError("presence is not configured"))
		return
	}

	var body struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ConnectionID) == "" {
		writeDomainError(w, validationError("connectionId is required"))
		return
	}

	if err := s.presence.Join(r.Context(), mux.Vars(r)["id"], body.ConnectionID, presence.MemberFromIdentity(who)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *HTTPServer) handleHeartbeatPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	if s.presence == nil {
		writeDomainError(w, unavailableError("presence is not configured"))
		return
	}

	vars := mux.Vars(r)
	if err := s.presence.Heartbeat(r.Context(), vars["id"], vars["conn"]); err != nil {
		if errors.Is(err, presence.ErrNotJoined) {
			writeError(w, http.StatusNotFound, "NOT_JOINED", "Connection is not on the roster", nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLeavePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	if s.presence == nil {
		writeDomainError(w, unavailableError("presence is not configured"))
		return
	}

	vars := mux.Vars(r)
	if err := s.presence.Leave(r.Context(), vars["id"], vars["conn"]); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleListArchive returns the archived snapshot names, oldest first.
func (s *HTTPServer) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	if s.archives == nil {
		writeDomainError(w, unavailableError("archive is not configured"))
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := s.documents.GetDocument(r.Context(), id); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	names, err := s.archives.List(r.Context(), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": names})
}

// handleRestoreArchive replaces the committed state with the most recent
// archived snapshot. Live replicas pick the restored state up the next
// time they seed; connected ones keep their own state until they rejoin.
func (s *HTTPServer) handleRestoreArchive(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if s.archives == nil {
		writeDomainError(w, unavailableError("archive is not configured"))
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := s.documents.GetDocument(r.Context(), id); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	blob, err := s.archives.Latest(r.Context(), id)
	if errors.Is(err, archive.ErrNoSnapshots) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No archived snapshots", nil)
		return
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if err := s.documents.UpsertDocumentState(r.Context(), id, blob, who.UserID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes": len(blob)})
}

func blueprintPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"name":      doc.Name,
		"updatedBy": doc.UpdatedBy,
		"updatedAt": doc.UpdatedAt,
	}
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return identity.Identity{}, false
	}
	who, err := s.identities.Resolve(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return identity.Identity{}, false
	}
	return who, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORSHeaders(w.Header(), s.corsOrigin)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, session.ErrNotAuthorized) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
