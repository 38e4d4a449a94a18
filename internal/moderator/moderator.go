// Package moderator composes the classifier, the decision policy, the audit
// store and the decision event stream into the operations every transport
// exposes.
package moderator

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/decision"
	"github.com/triage-ai/palisade/moderation/internal/storage"
	"go.uber.org/zap"
)

// Config holds gateway limits and the two decision sites.
type Config struct {
	Policy            decision.Policy
	BatchOverrides    decision.Overrides // nil fields inherit Policy
	MaxInputLength    int                // runes per text, default 5000
	MaxBatchSize      int                // default 100
	DisplayTextLength int                // runes echoed back in decisions, default 100
	ExplainTopN       int                // default classifier.DefaultTopN
	DefaultHistory    int                // default 20
	MaxHistory        int                // default audit.DefaultMaxRecent
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Policy:            decision.DefaultPolicy(),
		MaxInputLength:    5000,
		MaxBatchSize:      100,
		DisplayTextLength: 100,
		ExplainTopN:       classifier.DefaultTopN,
		DefaultHistory:    20,
		MaxHistory:        audit.DefaultMaxRecent,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy == (decision.Policy{}) {
		c.Policy = d.Policy
	}
	if c.MaxInputLength <= 0 {
		c.MaxInputLength = d.MaxInputLength
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.DisplayTextLength <= 0 {
		c.DisplayTextLength = d.DisplayTextLength
	}
	if c.ExplainTopN <= 0 {
		c.ExplainTopN = d.ExplainTopN
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.DefaultHistory <= 0 {
		c.DefaultHistory = d.DefaultHistory
	}
	c.DefaultHistory = min(c.DefaultHistory, c.MaxHistory)
	return c
}

// Meta describes where a request came from.
type Meta struct {
	RequestID string // generated when empty
	Source    string // "http", "grpc", "cli"
	ClientID  string
}

// Decision is the outcome of one moderated text.
type Decision struct {
	RequestID    string  `json:"request_id"`
	RecordID     int64   `json:"record_id"`
	Text         string  `json:"text"`
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	Allowed      bool    `json:"allowed"`
	NeedsReview  bool    `json:"needs_review"`
	ModelVersion string  `json:"model_version"`
}

// FeedbackInput is a human correction submitted through a transport.
type FeedbackInput struct {
	PredictionID   *int64
	Text           string
	PredictedLabel string
	CorrectLabel   string
}

// Health reports readiness of the moderator's dependencies.
type Health struct {
	ModelLoaded       bool      `json:"model_loaded"`
	ModelVersion      string    `json:"model_version"`
	ModelLoadedAt     time.Time `json:"model_loaded_at"`
	Labels            []string  `json:"labels"`
	DatabaseConnected bool      `json:"database_connected"`
}

// Moderator is safe for concurrent use.
type Moderator struct {
	clf         *classifier.Classifier
	store       audit.Store
	events      storage.EventWriter
	policy      decision.Policy
	batchPolicy decision.Policy
	cfg         Config
	logger      *zap.Logger
}

// New wires a Moderator. events may be nil, in which case no decision events
// are published.
func New(clf *classifier.Classifier, store audit.Store, events storage.EventWriter, cfg Config, logger *zap.Logger) (*Moderator, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	batchPolicy := cfg.Policy.With(cfg.BatchOverrides)
	for _, p := range []decision.Policy{cfg.Policy, batchPolicy} {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("moderator.New: %w", err)
		}
	}
	if cfg.Policy.BenignLabel != clf.BenignLabel() {
		return nil, fmt.Errorf("moderator.New: %w: policy benign label %q, classifier benign label %q",
			decision.ErrInvalidPolicy, cfg.Policy.BenignLabel, clf.BenignLabel())
	}

	return &Moderator{
		clf:         clf,
		store:       store,
		events:      events,
		policy:      cfg.Policy,
		batchPolicy: batchPolicy,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Config returns the effective configuration.
func (m *Moderator) Config() Config { return m.cfg }

// Classifier returns the underlying classifier.
func (m *Moderator) Classifier() *classifier.Classifier { return m.clf }

// Check classifies text, applies the single-item policy, saves the decision
// and publishes a decision event. Nothing is published when the save fails.
func (m *Moderator) Check(ctx context.Context, text string, meta Meta) (*Decision, error) {
	start := time.Now()
	if err := m.validateText("text", text); err != nil {
		return nil, err
	}
	meta = withRequestID(meta)

	pred, err := m.clf.Predict(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("Moderator.Check: %w", err)
	}

	rec := m.record(text, pred, m.policy, meta.RequestID)
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("Moderator.Check: %w", err)
	}

	d := m.decision(rec)
	m.publish(text, rec, meta, "predict", time.Since(start))
	return d, nil
}

// CheckBatch classifies every text with one model call, applies the batch
// policy and saves all decisions in one transaction.
func (m *Moderator) CheckBatch(ctx context.Context, texts []string, meta Meta) ([]*Decision, error) {
	start := time.Now()
	if len(texts) == 0 || len(texts) > m.cfg.MaxBatchSize {
		return nil, &ValidationError{
			Field:   "texts",
			Message: fmt.Sprintf("must contain between 1 and %d items, got %d", m.cfg.MaxBatchSize, len(texts)),
		}
	}
	for i, t := range texts {
		if err := m.validateText(fmt.Sprintf("texts[%d]", i), t); err != nil {
			return nil, err
		}
	}
	meta = withRequestID(meta)

	preds, err := m.clf.PredictBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("Moderator.CheckBatch: %w", err)
	}

	recs := make([]*audit.PredictionRecord, len(preds))
	for i, p := range preds {
		recs[i] = m.record(texts[i], p, m.batchPolicy, meta.RequestID)
	}
	if err := m.store.SaveBatch(ctx, recs); err != nil {
		return nil, fmt.Errorf("Moderator.CheckBatch: %w", err)
	}

	elapsed := time.Since(start)
	perItem := elapsed / time.Duration(len(recs))
	out := make([]*Decision, len(recs))
	for i, rec := range recs {
		out[i] = m.decision(rec)
		m.publish(texts[i], rec, meta, "predict_batch", perItem)
	}
	return out, nil
}

// Explain returns per-label probabilities and the top contributing features.
// Explanations are not audited.
func (m *Moderator) Explain(ctx context.Context, text string) (*classifier.Explanation, error) {
	if err := m.validateText("text", text); err != nil {
		return nil, err
	}
	exp, err := m.clf.Explain(ctx, text, m.cfg.ExplainTopN)
	if err != nil {
		return nil, fmt.Errorf("Moderator.Explain: %w", err)
	}
	return exp, nil
}

// SubmitFeedback stores a human correction. Both labels must belong to the
// current model's label set.
func (m *Moderator) SubmitFeedback(ctx context.Context, in FeedbackInput) (*audit.FeedbackRecord, error) {
	if err := m.validateText("text", in.Text); err != nil {
		return nil, err
	}
	for _, f := range [...]struct{ field, label string }{
		{"predicted_label", in.PredictedLabel},
		{"correct_label", in.CorrectLabel},
	} {
		if !m.clf.HasLabel(f.label) {
			return nil, &ValidationError{
				Field:   f.field,
				Message: fmt.Sprintf("unknown label %q, expected one of %v", f.label, m.clf.Labels()),
			}
		}
	}
	if in.PredictionID != nil && *in.PredictionID <= 0 {
		return nil, &ValidationError{Field: "prediction_id", Message: "must be positive"}
	}

	rec := &audit.FeedbackRecord{
		PredictionID:   in.PredictionID,
		Text:           in.Text,
		PredictedLabel: in.PredictedLabel,
		CorrectLabel:   in.CorrectLabel,
	}
	if err := m.store.SaveFeedback(ctx, rec); err != nil {
		return nil, fmt.Errorf("Moderator.SubmitFeedback: %w", err)
	}
	return rec, nil
}

// Stats returns aggregate counts over every saved decision.
func (m *Moderator) Stats(ctx context.Context) (*audit.AggregateStats, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("Moderator.Stats: %w", err)
	}
	return stats, nil
}

// History returns recent decisions, newest first. limit 0 means the default;
// limits above the maximum are capped.
func (m *Moderator) History(ctx context.Context, limit int) ([]*audit.PredictionRecord, error) {
	limit, err := m.historyLimit(limit)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("Moderator.History: %w", err)
	}
	return recs, nil
}

// FeedbackHistory returns recent feedback, newest first, with History's limit rules.
func (m *Moderator) FeedbackHistory(ctx context.Context, limit int) ([]*audit.FeedbackRecord, error) {
	limit, err := m.historyLimit(limit)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.RecentFeedback(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("Moderator.FeedbackHistory: %w", err)
	}
	return recs, nil
}

// Health never fails; unreachable dependencies are reported as false.
func (m *Moderator) Health(ctx context.Context) Health {
	h := Health{
		ModelLoaded:   true,
		ModelVersion:  m.clf.ModelVersion(),
		ModelLoadedAt: m.clf.LoadedAt(),
		Labels:        m.clf.Labels(),
	}
	if err := m.store.Ping(ctx); err != nil {
		m.logger.Warn("health check: audit store unreachable", zap.Error(err))
	} else {
		h.DatabaseConnected = true
	}
	return h
}

func (m *Moderator) historyLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return m.cfg.DefaultHistory, nil
	case limit < 0:
		return 0, &ValidationError{Field: "limit", Message: "must be positive"}
	default:
		return min(limit, m.cfg.MaxHistory), nil
	}
}

func (m *Moderator) validateText(field, text string) error {
	if text == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(text); n > m.cfg.MaxInputLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be at most %d characters, got %d", m.cfg.MaxInputLength, n),
		}
	}
	return nil
}

func (m *Moderator) record(text string, p classifier.Prediction, policy decision.Policy, requestID string) *audit.PredictionRecord {
	v := policy.Decide(p.Label, p.Confidence)
	return &audit.PredictionRecord{
		Text:         text,
		Label:        p.Label,
		Confidence:   p.Confidence,
		Allowed:      v.Allowed,
		NeedsReview:  v.NeedsReview,
		ModelVersion: p.ModelVersion,
		RequestID:    requestID,
	}
}

func (m *Moderator) decision(rec *audit.PredictionRecord) *Decision {
	return &Decision{
		RequestID:    rec.RequestID,
		RecordID:     rec.ID,
		Text:         audit.TruncateText(rec.Text, m.cfg.DisplayTextLength),
		Label:        rec.Label,
		Confidence:   rec.Confidence,
		Allowed:      rec.Allowed,
		NeedsReview:  rec.NeedsReview,
		ModelVersion: rec.ModelVersion,
	}
}

func (m *Moderator) publish(text string, rec *audit.PredictionRecord, meta Meta, route string, latency time.Duration) {
	if m.events == nil {
		return
	}
	e := &storage.DecisionEvent{
		RequestID:    meta.RequestID,
		RecordID:     rec.ID,
		Timestamp:    rec.CreatedAt,
		Source:       meta.Source,
		Route:        route,
		Label:        rec.Label,
		Confidence:   rec.Confidence,
		Allowed:      rec.Allowed,
		NeedsReview:  rec.NeedsReview,
		ModelVersion: rec.ModelVersion,
		LatencyMs:    float32(latency.Microseconds()) / 1000,
		ClientID:     meta.ClientID,
	}
	e.SetText(text)
	m.events.Write(e)
}

func withRequestID(meta Meta) Meta {
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}
	return meta
}

// ValidationError is a request rejected before any model call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
