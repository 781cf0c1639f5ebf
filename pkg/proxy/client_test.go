package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_Register(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody registerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "proxy-secret")
	err := client.Register(context.Background(), "/user/alice", "http://10.0.0.5:8888", "alice")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("Method = %s, want POST", gotMethod)
	}
	if gotPath != "/user/alice" {
		t.Errorf("Path = %q, want /user/alice", gotPath)
	}
	if gotAuth != "token proxy-secret" {
		t.Errorf("Authorization = %q, want token proxy-secret", gotAuth)
	}
	if gotBody.Target != "http://10.0.0.5:8888" {
		t.Errorf("Body target = %q, want http://10.0.0.5:8888", gotBody.Target)
	}
	if gotBody.User != "alice" {
		t.Errorf("Body user = %q, want alice", gotBody.User)
	}
}

func TestHTTPClient_Register_ProxyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "route conflict", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "proxy-secret")
	err := client.Register(context.Background(), "/user/alice", "http://10.0.0.5:8888", "alice")
	if !errors.Is(err, ErrRegistration) {
		t.Errorf("Register() err = %v, want ErrRegistration", err)
	}
}

func TestHTTPClient_Register_ConnectionRefused(t *testing.T) {
	// A closed server's URL still parses; the dial fails
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewHTTPClient(srv.URL, "proxy-secret")
	err := client.Register(context.Background(), "/user/alice", "http://10.0.0.5:8888", "alice")
	if !errors.Is(err, ErrRegistration) {
		t.Errorf("Register() err = %v, want ErrRegistration", err)
	}
}

func TestHTTPClient_Deregister(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", "proxy-secret")
	if err := client.Deregister(context.Background(), "/user/alice"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}

	if gotMethod != http.MethodDelete {
		t.Errorf("Method = %s, want DELETE", gotMethod)
	}
	if gotPath != "/user/alice" {
		t.Errorf("Path = %q, want /user/alice", gotPath)
	}
}
