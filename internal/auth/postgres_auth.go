package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/moderation/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts the api_keys lookup for testability.
// LookupByPrefix returns (nil, nil) when no active key has the prefix.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.APIKey, error)
}

// PostgresAuthenticator validates API keys against the api_keys table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the hot path.
type PostgresAuthenticator struct {
	keys   KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	Keys     KeyStore
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by the key store.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		keys:   cfg.Keys,
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// Authenticate validates apiKey.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale principal, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. DB errors surface as ErrAuthUnavailable, never as an anonymous pass.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return nil, a.handleLookupError(err)
	}

	a.cache.Set(apiKey, p)
	return p, nil
}

// backgroundRefresh re-verifies a stale key. On failure the entry is dropped,
// so a revoked key stops working on the next request.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, p)
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < store.KeyPrefixLength {
		return nil, ErrInvalidAPIKey
	}

	row, err := a.keys.LookupByPrefix(ctx, apiKey[:store.KeyPrefixLength])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidAPIKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{KeyID: row.ID, Name: row.Name}, nil
}

func (a *PostgresAuthenticator) handleLookupError(lookupErr error) error {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return ErrInvalidAPIKey
	}

	a.logger.Warn("auth DB unreachable", zap.Error(lookupErr))
	return fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
