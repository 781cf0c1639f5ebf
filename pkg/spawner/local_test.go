package spawner

import (
	"context"
	"errors"
	"testing"
)

func TestNewLocalFactory(t *testing.T) {
	factory := NewLocalFactory([]string{"singleuser-server", "--debug"})
	sp, err := factory(Options{Username: "alice"})
	if err != nil {
		t.Fatalf("factory error = %v", err)
	}
	if _, ok := sp.(*LocalProcessSpawner); !ok {
		t.Fatalf("factory returned %T, want *LocalProcessSpawner", sp)
	}
}

func TestNewLocalFactory_NoCommand(t *testing.T) {
	factory := NewLocalFactory(nil)
	_, err := factory(Options{Username: "alice"})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Errorf("factory err = %v, want ErrSpawnFailed", err)
	}
}

func TestLocalProcessSpawner_StateRoundtrip(t *testing.T) {
	sp := NewLocalProcessSpawner(Options{Username: "alice"}, []string{"srv"})
	sp.pid = 4321
	sp.ip = "127.0.0.1"
	sp.port = 8888

	state := sp.GetState()
	if state["pid"] != 4321 || state["ip"] != "127.0.0.1" || state["port"] != 8888 {
		t.Errorf("GetState() = %v", state)
	}

	// State comes back from the store via JSON, so numbers are float64
	restored := NewLocalProcessSpawner(Options{Username: "alice"}, []string{"srv"})
	restored.LoadState(map[string]any{
		"pid":  float64(4321),
		"ip":   "127.0.0.1",
		"port": float64(8888),
	})
	if restored.pid != 4321 || restored.ip != "127.0.0.1" || restored.port != 8888 {
		t.Errorf("LoadState() restored pid=%d ip=%s port=%d", restored.pid, restored.ip, restored.port)
	}
}

func TestLocalProcessSpawner_StopNotRunning(t *testing.T) {
	sp := NewLocalProcessSpawner(Options{Username: "alice"}, []string{"srv"})
	if err := sp.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() err = %v, want ErrNotRunning", err)
	}
}

func TestOptions_Environ(t *testing.T) {
	opts := Options{
		Username:     "alice",
		APIToken:     "hub_token",
		HubAPIURL:    "http://127.0.0.1:8000/api",
		BaseURL:      "/user/alice",
		CookieName:   "hub-alice",
		CookieSecret: "secret",
		Env:          map[string]string{"EXTRA": "1"},
	}

	env := opts.Environ()
	want := map[string]bool{
		"HUB_USER=alice":                        false,
		"HUB_API_TOKEN=hub_token":               false,
		"HUB_API_URL=http://127.0.0.1:8000/api": false,
		"HUB_BASE_URL=/user/alice":              false,
		"HUB_COOKIE_NAME=hub-alice":             false,
		"HUB_COOKIE_SECRET=secret":              false,
		"EXTRA=1":                               false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Errorf("Environ() missing %q", kv)
		}
	}
}
