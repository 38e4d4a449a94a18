package api

import (
	"context"
	"net/http"
	"time"

	"github.com/triage-ai/palisade/moderation/internal/auth"
	"github.com/triage-ai/palisade/moderation/internal/chread"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
	"go.uber.org/zap"
)

// AnalyticsReader serves GET /analytics. Implemented by *chread.Reader.
type AnalyticsReader interface {
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Moderator *moderator.Moderator
	Auth      auth.Authenticator
	Limiter   *RateLimiter    // nil disables rate limiting
	Reader    AnalyticsReader // nil if ClickHouse unavailable
	Metrics   http.Handler    // nil disables GET /metrics
	Logger    *zap.Logger
	Version   string
	StartedAt time.Time
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Auth == nil {
		deps.Auth = auth.NoopAuthenticator{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	mux := http.NewServeMux()

	// Moderation (auth + rate limit)
	mux.HandleFunc("POST /predict", deps.authMiddleware(deps.rateLimit(deps.handlePredict)))
	mux.HandleFunc("POST /predict/batch", deps.authMiddleware(deps.rateLimit(deps.handlePredictBatch)))
	mux.HandleFunc("POST /predict/explain", deps.authMiddleware(deps.rateLimit(deps.handleExplain)))

	// Audit (auth)
	mux.HandleFunc("POST /feedback", deps.authMiddleware(deps.handleSubmitFeedback))
	mux.HandleFunc("GET /feedback", deps.authMiddleware(deps.handleListFeedback))
	mux.HandleFunc("GET /stats", deps.authMiddleware(deps.handleStats))
	mux.HandleFunc("GET /history", deps.authMiddleware(deps.handleHistory))
	mux.HandleFunc("GET /analytics", deps.authMiddleware(deps.handleGetAnalytics))

	// Operations (no auth)
	mux.HandleFunc("GET /health", deps.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
