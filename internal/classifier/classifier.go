package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/palisade/moderation/internal/metrics"
	"github.com/triage-ai/palisade/moderation/internal/model"
	"go.uber.org/zap"
)

var (
	ErrNoModel             = errors.New("no model loaded")
	ErrUnsupportedModel    = errors.New("model does not expose feature weights")
	ErrInvalidDistribution = errors.New("model returned an invalid distribution")
	ErrBenignLabelMissing  = errors.New("benign label not in model label set")
)

// DefaultTopN is the number of features Explain returns when none is requested.
const DefaultTopN = 10

const (
	probabilityTolerance = 1e-6
	// closeGrace delays closing a replaced model so in-flight calls can finish.
	closeGrace = 30 * time.Second
)

// Config configures a Classifier.
type Config struct {
	BenignLabel string
}

// Prediction is a single classification result.
type Prediction struct {
	Label        string
	Confidence   float64 // arg-max probability, in [0,1]
	ModelVersion string  // version of the model that produced it
}

// FeatureWeight is one feature's contribution to the predicted label's score.
type FeatureWeight struct {
	Feature string
	Weight  float64
}

// Explanation is a prediction with per-label probabilities and the features
// that moved the predicted label's score the most.
type Explanation struct {
	Label         string
	Confidence    float64
	Probabilities map[string]float64
	TopFeatures   []FeatureWeight
}

// Classifier maps raw text to a label and confidence using the model currently
// published in its Holder. Safe for concurrent use.
type Classifier struct {
	holder *model.Holder
	benign string
	sink   metrics.Sink
	logger *zap.Logger
}

// New creates a Classifier. The holder must already publish a model whose
// label set contains the benign label.
func New(holder *model.Holder, cfg Config, sink metrics.Sink, logger *zap.Logger) (*Classifier, error) {
	if sink == nil {
		sink = metrics.Nop{}
	}
	m := holder.Load()
	if m == nil {
		return nil, fmt.Errorf("classifier.New: %w", ErrNoModel)
	}
	if !slices.Contains(m.Labels(), cfg.BenignLabel) {
		return nil, fmt.Errorf("classifier.New: %w: %q not in %v", ErrBenignLabelMissing, cfg.BenignLabel, m.Labels())
	}
	return &Classifier{
		holder: holder,
		benign: cfg.BenignLabel,
		sink:   sink,
		logger: logger,
	}, nil
}

// Clean trims text and collapses every whitespace run to a single space.
func Clean(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// BenignLabel returns the label reported for empty input.
func (c *Classifier) BenignLabel() string { return c.benign }

// Labels returns the current model's label set.
func (c *Classifier) Labels() []string { return c.holder.Load().Labels() }

// HasLabel reports whether l is in the current model's label set.
func (c *Classifier) HasLabel(l string) bool { return slices.Contains(c.Labels(), l) }

// Model returns the currently published model.
func (c *Classifier) Model() model.Model { return c.holder.Load() }

// ModelVersion returns the current model's version.
func (c *Classifier) ModelVersion() string { return c.holder.Load().Version() }

// LoadedAt returns when the current model was published.
func (c *Classifier) LoadedAt() time.Time { return c.holder.LoadedAt() }

// Predict classifies one text. Text that is empty after cleaning is benign with
// confidence 1.0 and never reaches the model.
func (c *Classifier) Predict(ctx context.Context, text string) (Prediction, error) {
	preds, err := c.predict(ctx, []string{text}, "predict")
	if err != nil {
		return Prediction{}, err
	}
	return preds[0], nil
}

// PredictBatch classifies texts with a single model call. The result has the
// same length and order as texts, and element i equals Predict(texts[i]).
func (c *Classifier) PredictBatch(ctx context.Context, texts []string) ([]Prediction, error) {
	return c.predict(ctx, texts, "predict_batch")
}

func (c *Classifier) predict(ctx context.Context, texts []string, op string) ([]Prediction, error) {
	start := time.Now()
	m := c.holder.Load()
	version := m.Version()

	out := make([]Prediction, len(texts))
	var pending []string
	var slots []int
	for i, t := range texts {
		cleaned := Clean(t)
		if cleaned == "" {
			out[i] = Prediction{Label: c.benign, Confidence: 1.0, ModelVersion: version}
			continue
		}
		pending = append(pending, cleaned)
		slots = append(slots, i)
	}

	if len(pending) > 0 {
		rows, err := m.PredictProba(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("Classifier.%s: %w", op, err)
		}
		labels := m.Labels()
		if err := validateRows(rows, len(pending), len(labels)); err != nil {
			return nil, fmt.Errorf("Classifier.%s: %w", op, err)
		}
		for k, row := range rows {
			idx := argmax(row)
			out[slots[k]] = Prediction{Label: labels[idx], Confidence: clamp01(row[idx]), ModelVersion: version}
		}
	}

	c.sink.InferenceObserved(op, len(texts), time.Since(start))
	return out, nil
}

// Explain classifies text and attributes the predicted label's score to input
// features: weight = activation × learned weight for the predicted label.
// Features are sorted by descending absolute weight and truncated to topN
// (DefaultTopN when topN <= 0). Models without feature weights yield
// ErrUnsupportedModel.
func (c *Classifier) Explain(ctx context.Context, text string, topN int) (*Explanation, error) {
	start := time.Now()
	if topN <= 0 {
		topN = DefaultTopN
	}

	cleaned := Clean(text)
	if cleaned == "" {
		return &Explanation{
			Label:         c.benign,
			Confidence:    1.0,
			Probabilities: map[string]float64{},
			TopFeatures:   []FeatureWeight{},
		}, nil
	}

	lin, ok := c.holder.Load().(model.Linear)
	if !ok {
		return nil, ErrUnsupportedModel
	}

	rows, err := lin.PredictProba(ctx, []string{cleaned})
	if err != nil {
		return nil, fmt.Errorf("Classifier.Explain: %w", err)
	}
	labels := lin.Labels()
	if err := validateRows(rows, 1, len(labels)); err != nil {
		return nil, fmt.Errorf("Classifier.Explain: %w", err)
	}
	row := rows[0]
	idx := argmax(row)

	probs := make(map[string]float64, len(labels))
	for j, l := range labels {
		probs[l] = clamp01(row[j])
	}

	acts := lin.Activations(cleaned)
	features := make([]FeatureWeight, 0, len(acts))
	for _, a := range acts {
		features = append(features, FeatureWeight{
			Feature: lin.FeatureName(a.Feature),
			Weight:  a.Value * lin.Weight(idx, a.Feature),
		})
	}
	sort.SliceStable(features, func(i, j int) bool {
		return math.Abs(features[i].Weight) > math.Abs(features[j].Weight)
	})
	if len(features) > topN {
		features = features[:topN]
	}

	c.sink.InferenceObserved("explain", 1, time.Since(start))
	return &Explanation{
		Label:         labels[idx],
		Confidence:    clamp01(row[idx]),
		Probabilities: probs,
		TopFeatures:   features,
	}, nil
}

// Reload opens a new model and publishes it. In-flight calls finish on the
// model they started with. The new model must contain the benign label.
func (c *Classifier) Reload(ctx context.Context, open func(context.Context) (model.Model, error)) error {
	m, err := open(ctx)
	if err != nil {
		return fmt.Errorf("Classifier.Reload: %w", err)
	}
	if !slices.Contains(m.Labels(), c.benign) {
		if cl, ok := m.(io.Closer); ok {
			_ = cl.Close()
		}
		return fmt.Errorf("Classifier.Reload: %w: %q not in %v", ErrBenignLabelMissing, c.benign, m.Labels())
	}

	prev := c.holder.Swap(m)
	c.logger.Info("model reloaded",
		zap.String("version", m.Version()),
		zap.Strings("labels", m.Labels()),
	)
	if cl, ok := prev.(io.Closer); ok {
		time.AfterFunc(closeGrace, func() {
			if err := cl.Close(); err != nil {
				c.logger.Warn("closing replaced model failed", zap.Error(err))
			}
		})
	}
	return nil
}

func validateRows(rows [][]float64, n, width int) error {
	if len(rows) != n {
		return fmt.Errorf("%w: %d rows for %d texts", ErrInvalidDistribution, len(rows), n)
	}
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d columns for %d labels", ErrInvalidDistribution, i, len(row), width)
		}
		for _, p := range row {
			if math.IsNaN(p) || p < -probabilityTolerance || p > 1+probabilityTolerance {
				return fmt.Errorf("%w: row %d has probability %v", ErrInvalidDistribution, i, p)
			}
		}
	}
	return nil
}

// argmax returns the index of the largest value; ties go to the lowest index.
func argmax(row []float64) int {
	best := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}

func clamp01(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
