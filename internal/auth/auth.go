package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

var (
	ErrMissingAPIKey   = errors.New("missing API key")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Principal identifies the authenticated caller.
type Principal struct {
	KeyID string
	Name  string // used as the rate-limit bucket and client_id on events
}

// Anonymous is the principal used when authentication is disabled.
var Anonymous = &Principal{Name: "anonymous"}

// Authenticator validates an API key and returns the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// NoopAuthenticator accepts every request. Used when no API key is configured.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(context.Context, string) (*Principal, error) {
	return Anonymous, nil
}

// StaticAuthenticator accepts exactly one configured key.
type StaticAuthenticator struct {
	key []byte
}

func NewStaticAuthenticator(key string) *StaticAuthenticator {
	return &StaticAuthenticator{key: []byte(key)}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), a.key) != 1 {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{KeyID: "static", Name: "static"}, nil
}

// KeyFromHeader extracts the API key from X-API-Key or "Authorization: Bearer".
// Returns "" when neither is present.
func KeyFromHeader(h http.Header) string {
	if key := strings.TrimSpace(h.Get("X-API-Key")); key != "" {
		return key
	}
	return bearer(h.Get("Authorization"))
}

// KeyFromMetadata extracts the API key from incoming gRPC metadata
// ("authorization: Bearer ..." or "x-api-key").
func KeyFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get("x-api-key"); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
		return strings.TrimSpace(v[0])
	}
	if v := md.Get("authorization"); len(v) > 0 {
		return bearer(v[0])
	}
	return ""
}

func bearer(token string) string {
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	return strings.TrimSpace(token)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal, or Anonymous.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok && p != nil {
		return p
	}
	return Anonymous
}
