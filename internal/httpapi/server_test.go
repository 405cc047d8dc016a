package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaycal/internal/meeting"
)

var testNow = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, store meeting.Store, syncFn SyncFunc) *Server {
	t.Helper()
	return NewServerWithConfig(store, syncFn, ServerConfig{
		JWTSecret:          "dev-secret",
		InternalHMACSecret: "dev-internal-secret",
		Now:                func() time.Time { return testNow },
	})
}

func seed(t *testing.T, store meeting.Store, key, project string, hour int, status meeting.Status) int64 {
	t.Helper()
	id, inserted, err := store.InsertIfAbsent(context.Background(), meeting.Meeting{
		IdentityKey: key,
		Project:     project,
		Title:       "Meeting " + key,
		StartTime:   time.Date(2026, 3, 9, hour, 0, 0, 0, time.UTC),
		JoinURL:     "https://meet.google.com/abc-defg-hij",
		Status:      status,
	})
	if err != nil || !inserted {
		t.Fatalf("seed %s: inserted=%v err=%v", key, inserted, err)
	}
	return id
}

func mustToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := IssueToken("dev-secret", "operator", scopes, time.Hour, testNow)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthAndDashboardAreOpen(t *testing.T) {
	server := newTestServer(t, meeting.NewMemoryStore(), nil)

	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", health.Code)
	}
	board := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if board.Code != http.StatusOK || !strings.Contains(board.Body.String(), "/v1/meetings") {
		t.Fatalf("expected dashboard html, got %d", board.Code)
	}
	if ct := board.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected text/html, got %q", ct)
	}
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(t, meeting.NewMemoryStore(), nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/meetings"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestListAndGetMeetings(t *testing.T) {
	store := meeting.NewMemoryStore()
	seed(t, store, "m1", "cattle-erp", 10, meeting.StatusPending)
	seed(t, store, "m2", "cattle-erp", 11, meeting.StatusDeclined)
	id3 := seed(t, store, "m3", "ops", 12, meeting.StatusPending)
	server := newTestServer(t, store, nil)
	token := mustToken(t, ScopeMeetingsRead)
	headers := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_list"}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/meetings?project=cattle-erp&status=pending", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var list struct {
		Items []meeting.Meeting `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].IdentityKey != "m1" {
		t.Fatalf("expected only pending cattle-erp meeting, got %+v", list.Items)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/meetings?limit=2", headers: headers})
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].IdentityKey != "m3" {
		t.Fatalf("expected newest two meetings first, got %+v", list.Items)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/meetings?status=bogus", headers: headers})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: fmt.Sprintf("/v1/meetings/%d", id3), headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var got meeting.Meeting
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode meeting: %v", err)
	}
	if got.ID != id3 || got.Platform != meeting.PlatformGoogleMeet {
		t.Fatalf("unexpected meeting %+v", got)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/meetings/999", headers: headers})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/meetings/abc", headers: headers})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.Code)
	}
}

func TestScopeAndAudienceEnforced(t *testing.T) {
	server := newTestServer(t, meeting.NewMemoryStore(), nil)

	reportOnly, err := IssueCallbackToken("dev-secret", 1, time.Hour, testNow)
	if err != nil {
		t.Fatalf("issue callback token: %v", err)
	}
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/meetings",
		headers: map[string]string{"Authorization": "Bearer " + reportOnly},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for callback token on read route, got %d (%s)", resp.Code, resp.Body.String())
	}

	wrongSecret, _ := IssueToken("other-secret", "operator", []string{ScopeMeetingsRead}, time.Hour, testNow)
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/meetings",
		headers: map[string]string{"Authorization": "Bearer " + wrongSecret},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}

	expired, _ := IssueToken("dev-secret", "operator", []string{ScopeMeetingsRead}, time.Minute, testNow.Add(-time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/meetings",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	noScopes, _ := IssueToken("dev-secret", "operator", nil, time.Hour, testNow)
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/meetings",
		headers: map[string]string{"Authorization": "Bearer " + noScopes},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for token without scopes, got %d", resp.Code)
	}
}

func TestBotCallbackCompletesJoinedMeeting(t *testing.T) {
	store := meeting.NewMemoryStore()
	joined := seed(t, store, "m1", "cattle-erp", 8, meeting.StatusJoined)
	pending := seed(t, store, "m2", "cattle-erp", 10, meeting.StatusPending)
	server := newTestServer(t, store, nil)

	report := func(id int64, token string, status string) *httptest.ResponseRecorder {
		return doRequest(t, server, request{
			method:  http.MethodPost,
			path:    fmt.Sprintf("/v1/meetings/%d/status", id),
			headers: map[string]string{"Authorization": "Bearer " + token},
			body:    map[string]any{"status": status},
		})
	}
	tokenFor := func(id int64) string {
		token, err := IssueCallbackToken("dev-secret", id, 0, testNow)
		if err != nil {
			t.Fatalf("issue callback token: %v", err)
		}
		return token
	}

	if resp := report(joined, tokenFor(pending), "completed"); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for token bound to another meeting, got %d", resp.Code)
	}
	if resp := report(joined, tokenFor(joined), "cancelled"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-completed report, got %d", resp.Code)
	}
	if resp := report(pending, tokenFor(pending), "completed"); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 completing a pending meeting, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp := report(joined, tokenFor(joined), "completed")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	got, err := store.Get(context.Background(), joined)
	if err != nil || got.Status != meeting.StatusCompleted {
		t.Fatalf("expected completed, got %+v err=%v", got, err)
	}

	// A repeated report is idempotent.
	if resp := report(joined, tokenFor(joined), "completed"); resp.Code != http.StatusOK {
		t.Fatalf("expected repeated report to succeed, got %d", resp.Code)
	}
	if resp := report(999, tokenFor(999), "completed"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown meeting, got %d", resp.Code)
	}
}

func TestCallbackTokenIssuerMatchesServer(t *testing.T) {
	store := meeting.NewMemoryStore()
	id := seed(t, store, "m1", "cattle-erp", 8, meeting.StatusJoined)
	server := NewServerWithConfig(store, nil, ServerConfig{JWTSecret: "s3cret"})

	token, err := CallbackTokenIssuer("s3cret", time.Hour)(id)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/meetings/%d/status", id),
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{"status": "completed"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestSyncEndpointHMAC(t *testing.T) {
	calls := 0
	server := newTestServer(t, meeting.NewMemoryStore(), func(ctx context.Context) (any, error) {
		calls++
		return map[string]int{"handled": 3}, nil
	})
	body := []byte(`{}`)
	ts := testNow.Format(time.RFC3339)
	sig := SignInternalRequest("dev-internal-secret", ts, body)
	headers := map[string]string{
		"X-Correlation-Id":     "corr_sync_1",
		"X-Relaycal-Timestamp": ts,
		"X-Relaycal-Signature": sig,
	}

	okResp := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/sync", headers: headers, body: body})
	if okResp.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid sync, got %d (%s)", okResp.Code, okResp.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected one sync call, got %d", calls)
	}

	replay := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/sync", headers: headers, body: body})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed request, got %d", replay.Code)
	}

	bad := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/sync",
		headers: map[string]string{
			"X-Relaycal-Timestamp": ts,
			"X-Relaycal-Signature": "bad_signature",
		},
		body: body,
	})
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", bad.Code)
	}

	staleTs := testNow.Add(-10 * time.Minute).Format(time.RFC3339)
	stale := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/sync",
		headers: map[string]string{
			"X-Relaycal-Timestamp": staleTs,
			"X-Relaycal-Signature": SignInternalRequest("dev-internal-secret", staleTs, body),
		},
		body: body,
	})
	if stale.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", stale.Code)
	}
	if calls != 1 {
		t.Fatalf("rejected requests must not sync, got %d calls", calls)
	}
}

func TestSyncEndpointReportsFailureAndMissingSyncer(t *testing.T) {
	body := []byte(`{}`)
	ts := testNow.Format(time.RFC3339)
	headers := map[string]string{
		"X-Relaycal-Timestamp": ts,
		"X-Relaycal-Signature": SignInternalRequest("dev-internal-secret", ts, body),
	}

	failing := newTestServer(t, meeting.NewMemoryStore(), func(ctx context.Context) (any, error) {
		return nil, errors.New("gateway unavailable")
	})
	resp := doRawRequest(t, failing, rawRequest{method: http.MethodPost, path: "/v1/sync", headers: headers, body: body})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}

	disabled := newTestServer(t, meeting.NewMemoryStore(), nil)
	resp = doRawRequest(t, disabled, rawRequest{method: http.MethodPost, path: "/v1/sync", headers: headers, body: body})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := NewServerWithConfig(meeting.NewMemoryStore(), nil, ServerConfig{
		JWTSecret:       "dev-secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
		Now:             func() time.Time { return testNow },
	})
	token := mustToken(t, ScopeMeetingsRead)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/meetings",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/meetings",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestUnknownRoutes(t *testing.T) {
	server := newTestServer(t, meeting.NewMemoryStore(), nil)
	for _, path := range []string{"/", "/v1/calendars/x", "/v1/meetings/1/other"} {
		resp := doRequest(t, server, request{method: http.MethodGet, path: path})
		if resp.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.Code)
		}
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}
