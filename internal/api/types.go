package api

import (
	"math"
	"time"

	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
)

// --- Predict ---

// TextRequest is the JSON body for POST /predict and POST /predict/explain.
type TextRequest struct {
	Text string `json:"text"`
}

// BatchRequest is the JSON body for POST /predict/batch.
type BatchRequest struct {
	Texts []string `json:"texts"`
}

// PredictionResp is one moderated text.
type PredictionResp struct {
	RequestID    string  `json:"request_id"`
	RecordID     int64   `json:"record_id"`
	Text         string  `json:"text"`
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	Allowed      bool    `json:"allowed"`
	NeedsReview  bool    `json:"needs_review"`
	ModelVersion string  `json:"model_version"`
}

// FeatureResp is one feature contribution.
type FeatureResp struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// ExplainResp is the body for POST /predict/explain.
type ExplainResp struct {
	Text          string             `json:"text"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	TopFeatures   []FeatureResp      `json:"top_features"`
}

// --- Feedback ---

// FeedbackRequest is the JSON body for POST /feedback.
type FeedbackRequest struct {
	PredictionID   *int64 `json:"prediction_id,omitempty"`
	Text           string `json:"text"`
	PredictedLabel string `json:"predicted_label"`
	CorrectLabel   string `json:"correct_label"`
}

// --- Health ---

// HealthResp is the body for GET /health.
type HealthResp struct {
	Status            string   `json:"status"`
	Version           string   `json:"version"`
	UptimeSeconds     float64  `json:"uptime_seconds"`
	ModelLoaded       bool     `json:"model_loaded"`
	ModelVersion      string   `json:"model_version"`
	Labels            []string `json:"labels"`
	DatabaseConnected bool     `json:"database_connected"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

// rateLimitResp is the 429 body.
type rateLimitResp struct {
	Error string `json:"error"`
}

func toPredictionResp(d *moderator.Decision) PredictionResp {
	return PredictionResp{
		RequestID:    d.RequestID,
		RecordID:     d.RecordID,
		Text:         d.Text,
		Label:        d.Label,
		Confidence:   round4(d.Confidence),
		Allowed:      d.Allowed,
		NeedsReview:  d.NeedsReview,
		ModelVersion: d.ModelVersion,
	}
}

func toExplainResp(text string, e *classifier.Explanation, displayLen int) ExplainResp {
	probs := make(map[string]float64, len(e.Probabilities))
	for l, p := range e.Probabilities {
		probs[l] = round4(p)
	}
	features := make([]FeatureResp, len(e.TopFeatures))
	for i, f := range e.TopFeatures {
		features[i] = FeatureResp{Feature: f.Feature, Weight: round4(f.Weight)}
	}
	return ExplainResp{
		Text:          audit.TruncateText(text, displayLen),
		Label:         e.Label,
		Confidence:    round4(e.Confidence),
		Probabilities: probs,
		TopFeatures:   features,
	}
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

func uptime(since time.Time) float64 {
	return math.Round(time.Since(since).Seconds()*10) / 10
}
