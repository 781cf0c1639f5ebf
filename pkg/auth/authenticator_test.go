package auth

import (
	"context"
	"testing"
)

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]string{"alice": "wonderland"})

	tests := []struct {
		name string
		data map[string]string
		want bool
	}{
		{"valid credentials", map[string]string{"username": "alice", "password": "wonderland"}, true},
		{"wrong password", map[string]string{"username": "alice", "password": "rabbit"}, false},
		{"unknown user", map[string]string{"username": "bob", "password": "wonderland"}, false},
		{"empty password", map[string]string{"username": "alice"}, false},
		{"no fields", map[string]string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(context.Background(), tt.data)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Authenticate() = %v, want %v", got, tt.want)
			}
		})
	}
}
