package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func TestParseJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"alice"}`))
	var dest struct {
		Name string `json:"name"`
	}
	if err := ParseJSON(req, &dest); err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	if dest.Name != "alice" {
		t.Errorf("Name = %q, want alice", dest.Name)
	}
}

func TestParseJSON_Invalid(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`not json`))
	var dest map[string]string
	if err := ParseJSON(req, &dest); err == nil {
		t.Error("ParseJSON() should fail on invalid JSON")
	}
}

func TestParsePathString(t *testing.T) {
	router := mux.NewRouter()
	var got string
	router.HandleFunc("/user/{name}", func(w http.ResponseWriter, r *http.Request) {
		got, _ = ParsePathString(r, "name")
	})

	req := httptest.NewRequest("GET", "/user/alice", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if got != "alice" {
		t.Errorf("ParsePathString() = %q, want alice", got)
	}
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/login?next=/user/alice/", nil)
	if got := ParseQueryString(req, "next", ""); got != "/user/alice/" {
		t.Errorf("ParseQueryString() = %q, want /user/alice/", got)
	}
	if got := ParseQueryString(req, "missing", "fallback"); got != "fallback" {
		t.Errorf("ParseQueryString() default = %q, want fallback", got)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := ClientIP(req); got != "10.0.0.1:1234" {
		t.Errorf("ClientIP() = %q, want RemoteAddr", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := ClientIP(req); got != "203.0.113.7" {
		t.Errorf("ClientIP() = %q, want forwarded address", got)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, http.StatusForbidden, "nope")

	if rec.Code != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"error":"nope"}` {
		t.Errorf("Body = %s", body)
	}
}
