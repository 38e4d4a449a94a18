// Package audit persists every moderation decision and every piece of human
// feedback in an append-only store, and answers aggregate and recency queries
// over them.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrStorage wraps every failure of the underlying store. Writes are never
// retried; the caller decides whether to try again.
var ErrStorage = errors.New("audit storage failure")

// ErrInvalidDSN is returned for a store DSN that names no supported database.
var ErrInvalidDSN = errors.New("invalid store dsn")

const (
	// DefaultMaxTextLength is the rune limit applied to stored text.
	DefaultMaxTextLength = 500
	// DefaultMaxRecent is the hard ceiling on Recent and RecentFeedback.
	DefaultMaxRecent = 100
)

// PredictionRecord is one saved decision.
type PredictionRecord struct {
	ID           int64     `json:"id"`
	Text         string    `json:"text"`
	Label        string    `json:"label"`
	Confidence   float64   `json:"confidence"`
	Allowed      bool      `json:"allowed"`
	NeedsReview  bool      `json:"needs_review"`
	ModelVersion string    `json:"model_version,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FeedbackRecord is one human correction of a prediction.
type FeedbackRecord struct {
	ID             int64     `json:"id"`
	PredictionID   *int64    `json:"prediction_id,omitempty"`
	Text           string    `json:"text"`
	PredictedLabel string    `json:"predicted_label"`
	CorrectLabel   string    `json:"correct_label"`
	CreatedAt      time.Time `json:"created_at"`
}

// AggregateStats summarizes every saved prediction.
// Total == Allowed + Blocked and the ByLabel counts sum to Total.
type AggregateStats struct {
	Total       int64            `json:"total"`
	Allowed     int64            `json:"allowed"`
	Blocked     int64            `json:"blocked"`
	NeedsReview int64            `json:"needs_review"`
	ByLabel     map[string]int64 `json:"by_label"`
}

// Store is the append-only audit store.
type Store interface {
	// Save persists rec, filling ID and CreatedAt. Text longer than the
	// configured limit is truncated.
	Save(ctx context.Context, rec *PredictionRecord) error
	// SaveBatch persists all records in one transaction: all or none.
	SaveBatch(ctx context.Context, recs []*PredictionRecord) error
	// Stats aggregates all saved predictions.
	Stats(ctx context.Context) (*AggregateStats, error)
	// Recent returns at most min(limit, ceiling) predictions, newest first.
	Recent(ctx context.Context, limit int) ([]*PredictionRecord, error)
	// SaveFeedback persists rec, filling ID and CreatedAt.
	SaveFeedback(ctx context.Context, rec *FeedbackRecord) error
	// RecentFeedback returns at most min(limit, ceiling) feedback records, newest first.
	RecentFeedback(ctx context.Context, limit int) ([]*FeedbackRecord, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// TruncateText returns the first maxLen runes of s. It never splits a
// multi-byte UTF-8 character.
func TruncateText(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
