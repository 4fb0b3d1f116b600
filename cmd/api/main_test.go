package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/auth"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/ratelimit"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

func principalRequest(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func TestWithRolesAuthOff(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	called := false
	h := s.withRoles(func(w http.ResponseWriter, r *http.Request) { called = true }, "tenantadmin")

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/v1/companies", nil))
	if !called {
		t.Fatal("expected handler call in auth-off mode")
	}
}

func TestWithRolesUnauthenticated(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.AuthMode = "oidc_hs256"
	h := s.withRoles(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a principal")
	}, "tenantadmin")

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/v1/companies", nil))
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWithRolesForbidden(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.AuthMode = "oidc_hs256"
	h := s.withRoles(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for the wrong role")
	}, "tenantadmin")

	req := principalRequest(httptest.NewRequest("DELETE", "/v1/companies/c1", nil),
		auth.Principal{Subject: "u1", Roles: []string{"viewer"}, Tenant: "t1"})
	w := httptest.NewRecorder()
	h(w, req)
	if w.Code != 403 {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestWithRolesTenantRequired(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.AuthMode = "oidc_hs256"
	h := s.withRoles(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a tenant")
	}, "accountant")

	req := principalRequest(httptest.NewRequest("GET", "/v1/companies", nil),
		auth.Principal{Subject: "u1", Roles: []string{"accountant"}})
	w := httptest.NewRecorder()
	h(w, req)
	if w.Code != 403 {
		t.Fatalf("expected 403 without tenant, got %d", w.Code)
	}
}

func TestWithRolesElevatedBypassesRoleList(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.AuthMode = "oidc_hs256"
	called := false
	h := s.withRoles(func(w http.ResponseWriter, r *http.Request) { called = true }, "tenantadmin")

	req := principalRequest(httptest.NewRequest("GET", "/v1/companies", nil),
		auth.Principal{Subject: "ops", Roles: []string{"platformadmin"}})
	w := httptest.NewRecorder()
	h(w, req)
	if !called {
		t.Fatalf("expected platformadmin to pass, got %d", w.Code)
	}
}

func TestTenantScope(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.AuthMode = "oidc_hs256"

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "u1", Roles: []string{"accountant"}, Tenant: "t1"})
	tenant, scoped := s.tenantScope(ctx)
	if !scoped || tenant != "t1" {
		t.Fatalf("expected scoped t1, got %q %v", tenant, scoped)
	}

	elevated := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "ops", Roles: []string{"platformadmin"}, Tenant: "t1"})
	if _, scoped := s.tenantScope(elevated); scoped {
		t.Fatal("platformadmin must be unscoped")
	}

	s.AuthMode = "off"
	if _, scoped := s.tenantScope(ctx); scoped {
		t.Fatal("auth-off must be unscoped")
	}
}

func TestRequestTenantPrefersScopedPrincipal(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.AuthMode = "oidc_hs256"

	req := principalRequest(httptest.NewRequest("GET", "/v1/companies?tenant_id=other", nil),
		auth.Principal{Subject: "u1", Roles: []string{"accountant"}, Tenant: "t1"})
	w := httptest.NewRecorder()
	tenant, ok := s.requestTenant(w, req)
	if !ok || tenant != "t1" {
		t.Fatalf("scoped principal must not pick a foreign tenant, got %q", tenant)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 2
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	h := s.rateLimitMiddleware(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/v1/companies", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	req := httptest.NewRequest("GET", "/v1/companies", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// a different client keeps its own budget
	other := httptest.NewRequest("GET", "/v1/companies", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, other)
	if w.Code != 200 {
		t.Fatalf("expected 200 for second client, got %d", w.Code)
	}
}

func TestAPIUsageMiddlewareBlocksMutations(t *testing.T) {
	db := &fakeAPIDB{}
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		return subscriptionRow(10, 5, 100, 1)
	}
	s := newTestServer(t, db)
	s.AuthMode = "oidc_hs256"

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	h := s.apiUsageMiddleware(next)
	principal := auth.Principal{Subject: "u1", Roles: []string{"accountant"}, Tenant: "t-usage"}

	req := principalRequest(httptest.NewRequest("POST", "/v1/invoices", nil), principal)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("first call expected 200, got %d", w.Code)
	}

	req = principalRequest(httptest.NewRequest("POST", "/v1/invoices", nil), principal)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 past the cap, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "LIMIT_EXCEEDED") {
		t.Fatalf("expected LIMIT_EXCEEDED error: %s", w.Body.String())
	}

	// reads are counted but never blocked
	req = principalRequest(httptest.NewRequest("GET", "/v1/invoices", nil), principal)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("reads must pass, got %d", w.Code)
	}
}

func TestAPIUsageMiddlewareUnscopedPassthrough(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	h := s.apiUsageMiddleware(next)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/invoices", nil))
	if w.Code != 200 {
		t.Fatalf("auth-off must not be metered, got %d", w.Code)
	}
}

func TestLimitRequestBodyMiddleware(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.MaxRequestBodyBytes = 16
	s.MaxUploadBytes = 1024

	var handlerCode int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := readRequestBody(w, r); !ok {
			handlerCode = http.StatusRequestEntityTooLarge
			return
		}
		handlerCode = 200
		w.WriteHeader(200)
	})
	h := s.limitRequestBodyMiddleware(next)

	req := httptest.NewRequest("POST", "/v1/invoices", strings.NewReader(strings.Repeat("x", 64)))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if handlerCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected oversized body rejection, got %d", handlerCode)
	}

	// uploads get the larger budget
	req = httptest.NewRequest("PUT", "/v1/documents/d1/content", strings.NewReader(strings.Repeat("x", 64)))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if handlerCode != 200 {
		t.Fatalf("expected upload within budget, got %d", handlerCode)
	}
}

func TestClientIP(t *testing.T) {
	s := newTestServer(t, &fakeAPIDB{})
	s.TrustedProxyCIDRs = parseCIDRs("10.0.0.0/8")

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := s.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded IP from trusted proxy, got %s", got)
	}

	// untrusted peers cannot spoof via XFF
	req.RemoteAddr = "198.51.100.7:5000"
	if got := s.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected remote address for untrusted peer, got %s", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	if got := s.clientIP(req); got != "203.0.113.10" {
		t.Fatalf("expected X-Real-IP fallback, got %s", got)
	}
}

func TestParseCIDRs(t *testing.T) {
	got := parseCIDRs("10.0.0.0/8, 192.168.1.5, 2001:db8::1, garbage, ")
	if len(got) != 3 {
		t.Fatalf("expected 3 networks, got %d", len(got))
	}
	ones, bits := got[1].Mask.Size()
	if ones != 32 || bits != 32 {
		t.Fatalf("bare IPv4 must become a /32, got /%d of %d", ones, bits)
	}
	ones, bits = got[2].Mask.Size()
	if ones != 128 || bits != 128 {
		t.Fatalf("bare IPv6 must become a /128, got /%d of %d", ones, bits)
	}
	if parseCIDRs("") != nil {
		t.Fatal("empty input must produce nil")
	}
}

func TestParseIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:8080":  "10.0.0.1",
		"10.0.0.1":       "10.0.0.1",
		"[2001:db8::1]:443": "2001:db8::1",
		"not-an-ip":      "",
		"":               "",
	}
	for in, want := range cases {
		if got := parseIP(in); got != want {
			t.Errorf("parseIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for _, v := range []string{"prod", "Production", " staging ", "STAGE"} {
		if !isProductionLikeEnv(v) {
			t.Errorf("%q should be production-like", v)
		}
	}
	for _, v := range []string{"", "dev", "development", "test", "local"} {
		if isProductionLikeEnv(v) {
			t.Errorf("%q should not be production-like", v)
		}
	}
}

func TestWSOriginPatterns(t *testing.T) {
	got := wsOriginPatterns(" https://app.example.com ,, https://ops.example.com ")
	if len(got) != 2 || got[0] != "https://app.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
	if wsOriginPatterns("") != nil {
		t.Fatal("empty input must produce nil")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("  ") != nil {
		t.Fatal("blank string must become nil")
	}
	if nullIfEmpty("value") != "value" {
		t.Fatal("non-empty string must pass through")
	}
}

type closingFakeDB struct {
	*fakeAPIDB
	closed bool
}

func (c *closingFakeDB) Close() { c.closed = true }

func TestRunAPIWiresServer(t *testing.T) {
	t.Setenv("STORAGE_ROOT", t.TempDir())
	t.Setenv("ADDR", "127.0.0.1:0")
	t.Setenv("AUTH_MODE", "oidc_hs256")
	t.Setenv("OIDC_HS256_SECRET", "test-secret")

	db := &closingFakeDB{fakeAPIDB: &fakeAPIDB{}}
	var captured *http.Server
	err := runAPI(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (apiDBCloser, error) { return db, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
		func(s *Server) {},
	)
	if err != nil {
		t.Fatalf("runAPI: %v", err)
	}
	if captured == nil || captured.Addr != "127.0.0.1:0" {
		t.Fatalf("expected configured server, got %+v", captured)
	}
	if captured.Handler == nil {
		t.Fatal("expected router wired")
	}
	if !db.closed {
		t.Fatal("expected db pool closed on shutdown")
	}

	// unauthenticated requests are rejected by the auth middleware
	w := httptest.NewRecorder()
	captured.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/companies", nil))
	if w.Code != 401 {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}

	// the health endpoint stays open
	w = httptest.NewRecorder()
	captured.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 200 {
		t.Fatalf("expected open health endpoint, got %d", w.Code)
	}
}

func TestRunAPIRefusesInsecureAuthOff(t *testing.T) {
	t.Setenv("STORAGE_ROOT", t.TempDir())
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")

	err := runAPI(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (apiDBCloser, error) {
			return &closingFakeDB{fakeAPIDB: &fakeAPIDB{}}, nil
		},
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "AUTH_MODE=off") {
		t.Fatalf("expected auth-off refusal, got %v", err)
	}
}

func TestRunAPIRefusesAuthOffInProduction(t *testing.T) {
	t.Setenv("STORAGE_ROOT", t.TempDir())
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("ENVIRONMENT", "production")

	err := runAPI(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (apiDBCloser, error) {
			return &closingFakeDB{fakeAPIDB: &fakeAPIDB{}}, nil
		},
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "production") {
		t.Fatalf("expected production refusal, got %v", err)
	}
}
