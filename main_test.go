// main_test.go
//
// Level 3 smoke tests
// chi wiring via httptest.NewServer with in-memory mock stores.
// Catches middleware ordering, route grouping and real HTTP header behavior
// that httptest.NewRecorder cannot exercise.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/janus/internal/auth"
	"github.com/MGallo-Code/janus/internal/llm"
	"github.com/MGallo-Code/janus/internal/ratelimit"
	"github.com/MGallo-Code/janus/internal/secret"
	"github.com/MGallo-Code/janus/internal/store"
	"github.com/MGallo-Code/janus/internal/testutil"
	"golang.org/x/time/rate"
)

// --- Smoke mocks ---

// echoProvider answers every completion with the user prompt in a code fence.
type echoProvider struct{ calls int }

func (p *echoProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	p.calls++
	return "```sql\n" + req.UserPrompt + "\n```", nil
}

// --- Helpers ---

const smokePassword = "smokepassword1"

// smokeEnv is a running router over mock stores.
type smokeEnv struct {
	srv      *httptest.Server
	svc      *auth.Service
	store    *testutil.MockStore
	provider *echoProvider
}

// newSmokeEnv starts a test server. llmMax bounds completions per user.
func newSmokeEnv(t *testing.T, throttle *rate.Limiter, llmMax int) *smokeEnv {
	t.Helper()
	hasher, err := auth.NewHasher(auth.HasherConfig{PBKDF2Iterations: 1000})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	sealer, err := secret.NewSealer(bytes.Repeat([]byte("s"), secret.KeySize))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	llmRL, err := ratelimit.NewSlidingWindow(llmMax, time.Hour)
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}

	ms := testutil.NewMockStore()
	svc := auth.NewService(ms, testutil.NewMockCache(), hasher, sealer, auth.ServiceOptions{})
	provider := &echoProvider{}
	h := &auth.AuthHandler{
		Svc: svc,
		LLM: llm.NewGate(provider, llmRL),
		DB:  ms,
	}
	if throttle == nil {
		throttle = rate.NewLimiter(rate.Inf, 0)
	}
	srv := httptest.NewServer(buildRouter(h, throttle))
	t.Cleanup(srv.Close)
	return &smokeEnv{srv: srv, svc: svc, store: ms, provider: provider}
}

// do sends a request with optional JSON body and bearer token.
// Caller must close resp.Body.
func (e *smokeEnv) do(t *testing.T, method, path, body, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("building %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// expectStatus closes resp and fails if its status differs.
func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	resp.Body.Close()
	if resp.StatusCode != want {
		t.Errorf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

// register creates a user over HTTP and returns its token.
func (e *smokeEnv) register(t *testing.T, username string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/register",
		`{"username":"`+username+`","email":"`+username+`@example.com","password":"`+smokePassword+`"}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d", username, resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		t.Fatalf("register %s: no token (%v)", username, err)
	}
	return body.Token
}

// --- Smoke tests ---

// TestSmoke_Health verifies /health is mounted and reports the cache as disabled.
func TestSmoke_Health(t *testing.T) {
	env := newSmokeEnv(t, nil, 10)
	resp := env.do(t, http.MethodGet, "/health", "", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
		Cache  string `json:"cache"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != "ok" || body.Cache != "disabled" {
		t.Errorf("unexpected body: %+v", body)
	}
}

// TestSmoke_SessionFlow walks register -> me -> logout -> me through the router.
func TestSmoke_SessionFlow(t *testing.T) {
	env := newSmokeEnv(t, nil, 10)
	token := env.register(t, "smoke")

	expectStatus(t, env.do(t, http.MethodGet, "/me", "", token), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/logout", "", token), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/me", "", token), http.StatusUnauthorized)

	// Log back in by email; the new token works, the old one stays dead.
	resp := env.do(t, http.MethodPost, "/login",
		`{"identifier":"smoke@example.com","password":"`+smokePassword+`"}`, "")
	var body struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body.Token == "" || body.Token == token {
		t.Fatalf("login: expected fresh token, got %d %q", resp.StatusCode, body.Token)
	}
	expectStatus(t, env.do(t, http.MethodGet, "/me", "", body.Token), http.StatusOK)
}

// TestSmoke_ProtectedRoutesRequireAuth verifies every authenticated route is behind RequireAuth.
func TestSmoke_ProtectedRoutesRequireAuth(t *testing.T) {
	env := newSmokeEnv(t, nil, 10)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/logout"},
		{http.MethodPost, "/logout-all"},
		{http.MethodGet, "/me"},
		{http.MethodPost, "/api-key"},
		{http.MethodGet, "/settings"},
		{http.MethodGet, "/settings/theme"},
		{http.MethodPut, "/settings/theme"},
		{http.MethodPost, "/complete"},
		{http.MethodPost, "/admin/users/1/deactivate"},
	}
	for _, rt := range routes {
		expectStatus(t, env.do(t, rt.method, rt.path, "", ""), http.StatusUnauthorized)
	}
}

// TestSmoke_Settings verifies {key} URL params reach the handlers.
func TestSmoke_Settings(t *testing.T) {
	env := newSmokeEnv(t, nil, 10)
	token := env.register(t, "settings")

	expectStatus(t, env.do(t, http.MethodPut, "/settings/theme", `{"value":"dark"}`, token), http.StatusOK)

	resp := env.do(t, http.MethodGet, "/settings", "", token)
	defer resp.Body.Close()
	var all map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if all["theme"] != "dark" {
		t.Errorf("expected theme=dark, got %v", all)
	}
}

// TestSmoke_Complete verifies the per-user LLM budget and fence stripping.
func TestSmoke_Complete(t *testing.T) {
	env := newSmokeEnv(t, nil, 2)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")

	for range 2 {
		resp := env.do(t, http.MethodPost, "/complete", `{"prompt":"SELECT 1"}`, alice)
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || body.Text != "SELECT 1" {
			t.Fatalf("complete: expected 200 SELECT 1, got %d %q", resp.StatusCode, body.Text)
		}
	}
	expectStatus(t, env.do(t, http.MethodPost, "/complete", `{"prompt":"SELECT 1"}`, alice), http.StatusTooManyRequests)
	if env.provider.calls != 2 {
		t.Errorf("provider calls: expected 2, got %d", env.provider.calls)
	}

	// Budgets are per user.
	expectStatus(t, env.do(t, http.MethodPost, "/complete", `{"prompt":"SELECT 1"}`, bob), http.StatusOK)
}

// TestSmoke_AdminDeactivate verifies role gating and that deactivation revokes sessions.
func TestSmoke_AdminDeactivate(t *testing.T) {
	env := newSmokeEnv(t, nil, 10)
	ctx := context.Background()

	password, created, err := env.svc.EnsureAdmin(ctx, "admin@example.com")
	if err != nil || !created {
		t.Fatalf("EnsureAdmin: %v (created=%v)", err, created)
	}
	resp := env.do(t, http.MethodPost, "/login", `{"identifier":"admin","password":"`+password+`"}`, "")
	var body struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	adminToken := body.Token

	userToken := env.register(t, "target")
	target, _ := env.store.GetUserByUsernameOrEmail(ctx, "target")

	path := "/admin/users/" + strconv.FormatInt(target.ID, 10) + "/deactivate"
	expectStatus(t, env.do(t, http.MethodPost, path, "", userToken), http.StatusForbidden)
	expectStatus(t, env.do(t, http.MethodPost, path, "", adminToken), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/me", "", userToken), http.StatusUnauthorized)
	if got := env.store.Users[target.ID]; got.IsActive || got.Role != store.RoleUser {
		t.Errorf("target: expected inactive user, got %+v", got)
	}
}

// TestSmoke_GlobalThrottle verifies the process-wide throttle sits in front of every route.
func TestSmoke_GlobalThrottle(t *testing.T) {
	env := newSmokeEnv(t, rate.NewLimiter(0, 0), 10)
	resp := env.do(t, http.MethodGet, "/health", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status: expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}
