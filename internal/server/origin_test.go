package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://localhost:8080", "HTTPS://App.Example.COM"}, testLogger())

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"exact match", "http://localhost:8080", true},
		{"case-insensitive match", "https://app.example.com", true},
		{"no origin header", "", true},
		{"disallowed host", "https://evil.example.com", false},
		{"scheme mismatch", "https://localhost:8080", false},
		{"garbage origin", "::not-a-url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws/chat/standup/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.allowed, policy.check(req))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, testLogger())

	req := httptest.NewRequest("GET", "/ws/chat/standup/", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	assert.True(t, policy.check(req))
}

func TestOriginPolicySkipsInvalidConfigEntries(t *testing.T) {
	policy := newOriginPolicy([]string{"", "   ", "not a url", "http://localhost:8080"}, testLogger())

	req := httptest.NewRequest("GET", "/ws/chat/standup/", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	assert.True(t, policy.check(req))
	assert.False(t, policy.allowAll)
	assert.Len(t, policy.allowed, 1)
}
