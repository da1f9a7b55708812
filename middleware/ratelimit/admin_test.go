package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"abuse-gateway/middleware/ratelimit/infra"
)

func adminRequest(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func newAdminFixture(t *testing.T) (http.Handler, *Gate) {
	t.Helper()
	reg := infra.NewSuspiciousRegistry(1, 0)
	login := newGate(t, Options{Name: "login", Window: time.Minute, MaxAttempts: 0, ProgressiveDelay: true, Suspicious: reg})
	api := newGate(t, Options{Name: "api", Window: time.Minute, MaxAttempts: 100, Suspicious: reg})

	doRequest(login.Handler(okHandler(nil)), "10.0.0.1:1", nil)

	return AdminHandler(AdminOptions{Token: "s3cret", Gates: []*Gate{login, api}, Suspicious: reg}), login
}

func TestAdmin_RequiresToken(t *testing.T) {
	h, _ := newAdminFixture(t)
	if w := adminRequest(h, http.MethodGet, "/suspicious", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := adminRequest(h, http.MethodGet, "/suspicious", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}

	empty := AdminHandler(AdminOptions{})
	if w := adminRequest(empty, http.MethodGet, "/suspicious", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected admin without token configured to refuse, got %d", w.Code)
	}
}

func TestAdmin_Suspicious(t *testing.T) {
	h, _ := newAdminFixture(t)

	w := adminRequest(h, http.MethodGet, "/suspicious", "s3cret")
	var body struct {
		Suspicious []string `json:"suspicious"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Suspicious) != 1 || body.Suspicious[0] != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1 flagged, got %v", body.Suspicious)
	}

	if w := adminRequest(h, http.MethodDelete, "/suspicious/10.0.0.1", "s3cret"); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := adminRequest(h, http.MethodDelete, "/suspicious/10.0.0.1", "s3cret"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second clear, got %d", w.Code)
	}
}

func TestAdmin_PoliciesAndRecords(t *testing.T) {
	h, login := newAdminFixture(t)

	w := adminRequest(h, http.MethodGet, "/policies", "s3cret")
	var policies struct {
		Policies []policyView `json:"policies"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &policies); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(policies.Policies) != 2 || policies.Policies[0].Name != "login" || policies.Policies[0].WindowMs != 60000 {
		t.Fatalf("unexpected policies: %+v", policies.Policies)
	}

	w = adminRequest(h, http.MethodGet, "/policies/login/records/10.0.0.1", "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec recordView
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Count != 1 || !rec.IsBlocked || rec.BlockUntil == nil || rec.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if w := adminRequest(h, http.MethodGet, "/policies/api/records/10.0.0.1", "s3cret"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a key the policy never saw, got %d", w.Code)
	}
	if w := adminRequest(h, http.MethodGet, "/policies/nope/records/10.0.0.1", "s3cret"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown policy, got %d", w.Code)
	}

	if w := adminRequest(h, http.MethodDelete, "/policies/login/records", "s3cret"); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, ok := login.Status("10.0.0.1"); ok {
		t.Fatalf("expected login records cleared")
	}
}

func TestAdmin_EscapedKey(t *testing.T) {
	g := newGate(t, Options{Name: "login", Window: time.Minute, MaxAttempts: 5,
		KeyFn: func(*http.Request) (string, error) { return "login:10.0.0.1:abc", nil }})
	doRequest(g.Handler(okHandler(nil)), "10.0.0.1:1", nil)

	h := AdminHandler(AdminOptions{Token: "t", Gates: []*Gate{g}})
	if w := adminRequest(h, http.MethodGet, "/policies/login/records/login%3A10.0.0.1%3Aabc", "t"); w.Code != http.StatusOK {
		t.Fatalf("expected escaped key to resolve, got %d %s", w.Code, w.Body.String())
	}
}
