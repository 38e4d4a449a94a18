package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/triage-ai/palisade/moderation/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// testAPIKey is the raw API key used in tests. Must be >= store.KeyPrefixLength chars.
const testAPIKey = "msk_test_valid_key_1234567890abcdef"

// testHash returns a bcrypt hash of testAPIKey using MinCost (fast for tests).
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockKeyStore implements KeyStore for testing.
type mockKeyStore struct {
	row        atomic.Pointer[store.APIKey]
	err        error
	callCount  atomic.Int32
	lastPrefix atomic.Value
}

func newMockKeyStore(row *store.APIKey) *mockKeyStore {
	m := &mockKeyStore{}
	m.row.Store(row)
	return m
}

func (m *mockKeyStore) LookupByPrefix(_ context.Context, prefix string) (*store.APIKey, error) {
	m.callCount.Add(1)
	m.lastPrefix.Store(prefix)
	if m.err != nil {
		return nil, m.err
	}
	return m.row.Load(), nil
}

func newTestPostgresAuth(keys KeyStore, ttl time.Duration) *PostgresAuthenticator {
	return NewPostgresAuthenticator(PostgresAuthConfig{Keys: keys, CacheTTL: ttl, Logger: zap.NewNop()})
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	keys := newMockKeyStore(&store.APIKey{ID: "key_abc", Name: "ci-pipeline", KeyHash: testHash(t)})
	a := newTestPostgresAuth(keys, time.Minute)

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if p.KeyID != "key_abc" || p.Name != "ci-pipeline" {
		t.Errorf("unexpected principal: %+v", p)
	}
	if keys.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", keys.callCount.Load())
	}
	if got := keys.lastPrefix.Load(); got != testAPIKey[:store.KeyPrefixLength] {
		t.Errorf("looked up prefix %v", got)
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	keys := newMockKeyStore(&store.APIKey{ID: "key_abc", Name: "ci", KeyHash: testHash(t)})
	a := newTestPostgresAuth(keys, time.Minute)

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if keys.callCount.Load() != 1 {
		t.Errorf("expected still 1 DB call (cache hit), got %d", keys.callCount.Load())
	}
	if p.KeyID != "key_abc" {
		t.Errorf("expected key_abc from cache, got %s", p.KeyID)
	}
}

func TestPostgresAuth_InvalidKey(t *testing.T) {
	keys := newMockKeyStore(&store.APIKey{ID: "key_abc", KeyHash: testHash(t)})
	a := newTestPostgresAuth(keys, time.Minute)

	_, err := a.Authenticate(context.Background(), "msk_test_valid_but_wrong_secret")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_KeyNotFound(t *testing.T) {
	keys := newMockKeyStore(nil)
	a := newTestPostgresAuth(keys, time.Minute)

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_ShortKey_NoDBCall(t *testing.T) {
	keys := newMockKeyStore(nil)
	a := newTestPostgresAuth(keys, time.Minute)

	_, err := a.Authenticate(context.Background(), "msk_x")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
	if keys.callCount.Load() != 0 {
		t.Error("DB should not be called for a key shorter than the prefix")
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	keys := &mockKeyStore{err: errors.New("connection refused")}
	a := newTestPostgresAuth(keys, time.Minute)

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_MissingAPIKey(t *testing.T) {
	keys := &mockKeyStore{}
	a := newTestPostgresAuth(keys, time.Minute)

	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got: %v", err)
	}
	if keys.callCount.Load() != 0 {
		t.Error("DB should not be called when API key is missing")
	}
}

func TestPostgresAuth_StaleHit_ServesStaleAndRefreshes(t *testing.T) {
	hash := testHash(t)
	keys := newMockKeyStore(&store.APIKey{ID: "key_stale", Name: "old-name", KeyHash: hash})
	a := newTestPostgresAuth(keys, time.Millisecond)

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	keys.row.Store(&store.APIKey{ID: "key_stale", Name: "new-name", KeyHash: hash})

	p, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if p.Name != "old-name" {
		t.Errorf("stale hit should return old name, got %s", p.Name)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r := a.cache.Get(testAPIKey); r.Hit && r.Principal.Name == "new-name" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("background refresh did not update the cache")
}

func TestPostgresAuth_RevokedKeyDroppedOnRefresh(t *testing.T) {
	keys := newMockKeyStore(&store.APIKey{ID: "key_rev", KeyHash: testHash(t)})
	a := newTestPostgresAuth(keys, time.Millisecond)

	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	keys.row.Store(nil) // revoked

	// Stale value is still served once.
	if _, err := a.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("stale call failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.cache.Get(testAPIKey).Hit {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected revoked key to be rejected, got: %v", err)
	}
}

// Verify the interface is satisfied at compile time.
var _ Authenticator = (*PostgresAuthenticator)(nil)
var _ KeyStore = (*store.Store)(nil)
