package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func serve(t *testing.T, m Middleware, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := IdentityFromContext(r.Context()); !ok {
			t.Fatalf("identity missing from request context")
		}
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return body
}

func TestMiddlewareUnauthorized(t *testing.T) {
	var denied []DenyEvent
	m := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
		Audit: func(_ context.Context, event DenyEvent) error {
			denied = append(denied, event)
			return nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/runs", nil)
	req.Header.Set("X-Request-Id", "rid-1")

	rec, called := serve(t, m, req)
	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	body := decodeError(t, rec)
	if body["error"] != "unauthorized" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(denied) != 1 || denied[0].Reason != "unauthorized" || denied[0].Path != "/v1/runs" {
		t.Fatalf("unexpected audit events %+v", denied)
	}
}

func TestMiddlewareInvalidToken(t *testing.T) {
	m := Middleware{Authenticator: &testAuthenticator{err: errors.New("bad token")}}
	rec, _ := serve(t, m, httptest.NewRequest(http.MethodGet, "http://example.test/v1/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body["error"] != "invalid_token" {
		t.Fatalf("error=%v, want invalid_token", body["error"])
	}
}

func TestMiddlewareForbidden(t *testing.T) {
	m := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "u", Roles: []string{RoleViewer}}},
		Authorize:     MethodRoleAuthorizer(),
		Audit:         func(context.Context, DenyEvent) error { return errors.New("audit down") },
	}
	rec, called := serve(t, m, httptest.NewRequest(http.MethodPost, "http://example.test/v1/runs", nil))
	if called || rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d called=%v, want 403 without handler", rec.Code, called)
	}
}

func TestMiddlewareAllowsAndSkips(t *testing.T) {
	authn := &testAuthenticator{identity: Identity{Subject: "u", Roles: []string{RoleEditor}}}
	m := Middleware{
		Authenticator: authn,
		Authorize:     MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz"},
	}
	rec, called := serve(t, m, httptest.NewRequest(http.MethodPost, "http://example.test/v1/runs", nil))
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("status=%d called=%v, want 200", rec.Code, called)
	}

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("skipped path status=%d", rec.Code)
	}
	if authn.calls != 1 {
		t.Fatalf("authenticator calls=%d, want 1", authn.calls)
	}
}
