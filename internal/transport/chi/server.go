// Package chi is the collaborator-facing HTTP adapter: change notification
// intake, the membership read API, and the operational endpoints.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kilnworks/catalogsync/internal/domain"
	domcontent "github.com/kilnworks/catalogsync/internal/domain/content"
	logpkg "github.com/kilnworks/catalogsync/internal/logger"
	"github.com/kilnworks/catalogsync/internal/usecase/collector"
	healthuc "github.com/kilnworks/catalogsync/internal/usecase/health"
)

// ContentIntake stores and deletes content snapshots on behalf of collaborators.
type ContentIntake interface {
	Get(ctx context.Context, key string) (domcontent.Record, error)
	Put(ctx context.Context, rec domcontent.Record) error
	Delete(ctx context.Context, key string) error
}

// Notifier accepts change notifications for batching.
type Notifier interface {
	RecordContentChange(contentKey string, changedAttrs []string)
	RecordFilterChange(change collector.FilterChange)
	Flush()
}

// MembershipReader serves the membership read API.
type MembershipReader interface {
	EdgesForFilter(filterID string) []string
	FiltersForContent(contentKey string) []string
}

// Rebuilder re-derives the whole search index.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server is the HTTP API server.
type Server struct {
	intake        ContentIntake
	notifier      Notifier
	members       MembershipReader
	rebuilder     Rebuilder
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	intake ContentIntake,
	notifier Notifier,
	members MembershipReader,
	rebuilder Rebuilder,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		intake:    intake,
		notifier:  notifier,
		members:   members,
		rebuilder: rebuilder,
		health:    health,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrContentNotFound, http.StatusNotFound, "content_not_found"),
		sentinelHandler(domain.ErrFilterNotFound, http.StatusNotFound, "filter_not_found"),
		sentinelHandler(domain.ErrMalformedFilter, http.StatusBadRequest, "malformed_filter"),
		sentinelHandler(domain.ErrBackendUnavailable, http.StatusBadGateway, "backend_unavailable"),
	}
	return s
}

// Routes mounts all API routes on the given router. Middleware belongs to
// the composition root.
func (s *Server) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/changes/content", s.ContentChange)
		r.Post("/changes/filter", s.FilterChange)
		r.Post("/flush", s.Flush)
		r.Post("/rebuild", s.Rebuild)

		r.Put("/content/{contentKey}", s.PutContent)
		r.Delete("/content/{contentKey}", s.DeleteContent)

		r.Get("/filters/{filterID}/content", s.FilterContent)
		r.Get("/content/{contentKey}/filters", s.ContentFilters)
	})

	r.Get("/healthz", s.HealthCheck)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
}

// contentChangeRequest is the body of POST /v1/changes/content.
type contentChangeRequest struct {
	ContentKey        string   `json:"content_key"`
	ChangedAttributes []string `json:"changed_attributes"`
}

// ContentChange handles POST /v1/changes/content.
func (s *Server) ContentChange(w http.ResponseWriter, r *http.Request) {
	var req contentChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.ContentKey == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "content_key is required")
		return
	}

	s.notifier.RecordContentChange(req.ContentKey, req.ChangedAttributes)
	w.WriteHeader(http.StatusAccepted)
}

// filterChangeRequest is the body of POST /v1/changes/filter.
type filterChangeRequest struct {
	FilterID   string          `json:"filter_id"`
	ChangeKind string          `json:"change_kind"`
	Expression json.RawMessage `json:"expression,omitempty"`
}

// FilterChange handles POST /v1/changes/filter.
func (s *Server) FilterChange(w http.ResponseWriter, r *http.Request) {
	var req filterChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	if req.FilterID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "filter_id is required")
		return
	}

	var kind collector.FilterChangeKind
	switch req.ChangeKind {
	case "created":
		kind = collector.FilterCreated
	case "edited":
		kind = collector.FilterEdited
	case "deleted":
		kind = collector.FilterDeleted
	default:
		writeError(w, http.StatusBadRequest, "validation_failed",
			"change_kind must be created, edited or deleted")
		return
	}
	if kind != collector.FilterDeleted && len(req.Expression) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed",
			"expression is required for created and edited changes")
		return
	}

	s.notifier.RecordFilterChange(collector.FilterChange{
		FilterID:   req.FilterID,
		Kind:       kind,
		Expression: req.Expression,
	})
	w.WriteHeader(http.StatusAccepted)
}

// Flush handles POST /v1/flush: the scheduled batch-close trigger.
func (s *Server) Flush(w http.ResponseWriter, _ *http.Request) {
	s.notifier.Flush()
	w.WriteHeader(http.StatusAccepted)
}

// Rebuild handles POST /v1/rebuild.
func (s *Server) Rebuild(w http.ResponseWriter, r *http.Request) {
	n, err := s.rebuilder.Rebuild(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"records": n})
}

// putContentRequest is the body of PUT /v1/content/{contentKey}.
type putContentRequest struct {
	Type       string                     `json:"type"`
	ParentKey  string                     `json:"parent_key,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes"`
}

// PutContent handles PUT /v1/content/{contentKey}: stores the snapshot and
// records a change covering every attribute of both the new and the previous
// snapshot. An attribute the new snapshot dropped still changed, so the
// notification must carry its name for candidate narrowing to see it.
func (s *Server) PutContent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "contentKey")

	var req putContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	attrs, err := attrsFromJSON(req.Attributes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	typ := domcontent.Type(req.Type)
	// Unknown types are advisory: accepted and logged, never rejected, so new
	// upstream types flow through before the engine learns about them.
	if !typ.IsKnown() {
		logpkg.FromContext(r.Context()).Warn("unknown content type accepted",
			zap.String("content_key", key), zap.String("type", req.Type))
	}

	rec, err := domcontent.NewRecord(key, typ, attrs, req.ParentKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	changed := rec.AttrNames()
	prev, err := s.intake.Get(r.Context(), key)
	switch {
	case err == nil:
		changed = unionSorted(prev.AttrNames(), changed)
	case !errors.Is(err, domain.ErrContentNotFound):
		logpkg.FromContext(r.Context()).Warn("previous snapshot unreadable, change set may miss dropped attributes",
			zap.String("content_key", key), zap.Error(err))
	}

	if err := s.intake.Put(r.Context(), rec); err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.notifier.RecordContentChange(key, changed)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteContent handles DELETE /v1/content/{contentKey}: removes the snapshot
// and records a change so evaluation tears the edges down.
func (s *Server) DeleteContent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "contentKey")

	if err := s.intake.Delete(r.Context(), key); err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.notifier.RecordContentChange(key, nil)
	w.WriteHeader(http.StatusNoContent)
}

// FilterContent handles GET /v1/filters/{filterID}/content.
func (s *Server) FilterContent(w http.ResponseWriter, r *http.Request) {
	filterID := chi.URLParam(r, "filterID")
	keys := s.members.EdgesForFilter(filterID)

	writeJSON(w, http.StatusOK, map[string]any{
		"filter_id":    filterID,
		"content_keys": keys,
		"count":        len(keys),
	})
}

// ContentFilters handles GET /v1/content/{contentKey}/filters.
func (s *Server) ContentFilters(w http.ResponseWriter, r *http.Request) {
	contentKey := chi.URLParam(r, "contentKey")
	ids := s.members.FiltersForContent(contentKey)

	writeJSON(w, http.StatusOK, map[string]any{
		"content_key": contentKey,
		"filter_ids":  ids,
		"count":       len(ids),
	})
}

// HealthCheck handles GET /healthz.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": report.Status,
		"checks": report.Checks,
	})
}

// attrsFromJSON converts wire attribute values into domain values. Strings,
// numbers and string lists are the only carried shapes.
func attrsFromJSON(raw map[string]json.RawMessage) (map[string]domcontent.Value, error) {
	attrs := make(map[string]domcontent.Value, len(raw))
	for name, rv := range raw {
		var str string
		if err := json.Unmarshal(rv, &str); err == nil {
			attrs[name] = domcontent.String(str)
			continue
		}
		var num float64
		if err := json.Unmarshal(rv, &num); err == nil {
			attrs[name] = domcontent.Number(num)
			continue
		}
		var list []string
		if err := json.Unmarshal(rv, &list); err == nil {
			attrs[name] = domcontent.StringList(list...)
			continue
		}
		return nil, errors.New("attribute " + name + " must be a string, a number or a string list")
	}
	return attrs, nil
}

// unionSorted merges two name sets into one sorted, deduplicated slice.
func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, names := range [][]string{a, b} {
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrContentNotFound,
		domain.ErrFilterNotFound,
		domain.ErrMalformedFilter,
		domain.ErrBackendUnavailable,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
