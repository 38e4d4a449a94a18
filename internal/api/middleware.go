package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/auth"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
	"go.uber.org/zap"
)

// requestIDHeader carries the caller's request id, generated when absent.
const requestIDHeader = "X-Request-ID"

// maxBodyBytes bounds request bodies; a full batch of maximum-length texts fits.
const maxBodyBytes = 4 << 20

// --- Auth middleware ---

// authMiddleware validates the API key (X-API-Key or Bearer) and injects the
// principal into the request context.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := d.Auth.Authenticate(r.Context(), auth.KeyFromHeader(r.Header))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingAPIKey):
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing API key"})
			case errors.Is(err, auth.ErrInvalidAPIKey):
				writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Invalid API key"})
			default:
				d.Logger.Warn("auth backend failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Authentication unavailable"})
			}
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// --- Rate limiting ---

// rateLimit rejects clients over the configured rate with 429. Must run after
// authMiddleware so authenticated clients get their own bucket.
func (d *Dependencies) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if d.Limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.Limiter.Allow(clientKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, rateLimitResp{Error: "Too many requests"})
			return
		}
		next(w, r)
	}
}

// clientKey is the API key id for authenticated callers, the remote IP otherwise.
func clientKey(r *http.Request) string {
	if p := auth.PrincipalFrom(r.Context()); p.KeyID != "" {
		return "key:" + p.KeyID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// --- Error mapping ---

// writeError maps moderator errors to HTTP status codes.
func (d *Dependencies) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *moderator.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: ve.Message, Field: ve.Field})
	case errors.Is(err, classifier.ErrUnsupportedModel):
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "Explanations are not supported by the loaded model"})
	case errors.Is(err, audit.ErrStorage):
		d.Logger.Error("audit store failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Storage unavailable"})
	default:
		d.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Classification failed"})
	}
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.String("request_id", id),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
