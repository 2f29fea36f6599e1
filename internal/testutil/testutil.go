package testutil

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

// TestRedirectURI is the redirect URI registered on GenerateTestClient clients.
const TestRedirectURI = "https://client.example.com/callback"

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateTestClient returns an unsaved confidential client allowed to use
// the given grant types. With no grant types it gets the store default.
func GenerateTestClient(grantTypes ...string) *storage.Client {
	c := &storage.Client{
		RandomID:     "test-random-id",
		Secret:       "test-secret",
		Name:         "Test Client",
		RedirectURIs: []string{TestRedirectURI},
	}
	if len(grantTypes) == 0 {
		grantTypes = []string{storage.GrantTypeAuthorizationCode}
	}
	c.AllowedGrantTypes = grantTypes
	return c
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}
