package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycal/internal/meeting"
)

// SyncFunc runs one intake cycle on demand and returns a JSON-able report.
type SyncFunc func(ctx context.Context) (any, error)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Now                func() time.Time
}

type Server struct {
	store              meeting.Store
	sync               SyncFunc
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store meeting.Store, syncFn SyncFunc) *Server {
	return NewServerWithConfig(store, syncFn, ServerConfig{})
}

func NewServerWithConfig(store meeting.Store, syncFn SyncFunc, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              store,
		sync:               syncFn,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/sync" && r.Method == http.MethodPost {
		s.handleSync(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "meetings" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = ScopeMeetingsRead
		route = "list"
	case len(parts) == 3 && r.Method == http.MethodGet:
		requiredScope = ScopeMeetingsRead
		route = "get"
	case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodPost:
		requiredScope = ScopeMeetingsReport
		route = "report_status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var meetingID int64
	if len(parts) >= 3 {
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid meeting id", getCorrelationID(r))
			return
		}
		meetingID = id
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, s.cfg.Now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list":
		s.handleList(w, r, correlationID)
	case "get":
		s.handleGet(w, r, meetingID, correlationID)
	case "report_status":
		s.handleReportStatus(w, r, claims, meetingID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	filter := meeting.ListFilter{
		Project:   strings.TrimSpace(query.Get("project")),
		Limit:     parseBoundedInt(query.Get("limit"), meeting.DefaultListLimit, 1, meeting.MaxListLimit),
		Ascending: parseBool(query.Get("ascending"), false),
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := meeting.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		filter.Status = status
	}
	items, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if items == nil {
		items = []meeting.Meeting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, meetingID int64, correlationID string) {
	m, err := s.store.Get(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, meeting.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "meeting not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type statusReport struct {
	Status string `json:"status"`
}

// handleReportStatus is the bot's callback. Its token is bound to a single
// meeting, and the only move it can make is joined -> completed.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request, claims *Claims, meetingID int64, correlationID string) {
	if claims.MeetingID != meetingID {
		writeError(w, http.StatusForbidden, "forbidden", "token is not valid for this meeting", correlationID)
		return
	}
	var req statusReport
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	next, err := meeting.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if next != meeting.StatusCompleted {
		writeError(w, http.StatusBadRequest, "bad_request", "bots may only report completed", correlationID)
		return
	}
	swapped, err := s.store.CompareAndSetStatus(r.Context(), meetingID, meeting.StatusJoined, next)
	switch {
	case errors.Is(err, meeting.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "meeting not found", correlationID)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	current, err := s.store.Get(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if !swapped && current.Status != next {
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "invalid_state",
			"message":       "meeting is " + string(current.Status),
			"correlationId": correlationID,
		})
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.cfg.Now()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relaycal-Timestamp"),
		r.Header.Get("X-Relaycal-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relaycal-Timestamp"), r.Header.Get("X-Relaycal-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync is not enabled in this mode", correlationID)
		return
	}
	report, err := s.sync(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
