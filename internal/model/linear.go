package model

import (
	"context"
	"fmt"
	"math"
)

// Loss functions accepted in artifacts.
const (
	LossModifiedHuber = "modified_huber"
	LossLog           = "log_loss"
)

// LinearModel is a TF-IDF vectorizer followed by a linear scorer per label.
// It is immutable after construction and safe for concurrent use.
type LinearModel struct {
	version   string
	labels    []string
	vec       *Vectorizer
	loss      string
	coef      [][]float64
	intercept []float64
}

var _ Linear = (*LinearModel)(nil)

// NewLinear builds a LinearModel from a decoded artifact, checking that the
// weight matrix agrees with the label set and vocabulary.
func NewLinear(a *Artifact) (*LinearModel, error) {
	if a.Format != ArtifactFormat {
		return nil, fmt.Errorf("NewLinear: %w: format %q", ErrInvalidArtifact, a.Format)
	}
	if len(a.Labels) < 2 {
		return nil, fmt.Errorf("NewLinear: %w: need at least two labels", ErrInvalidArtifact)
	}

	vec, err := NewVectorizer(VectorizerParams{
		Analyzer:    a.Vectorizer.Analyzer,
		NgramMin:    a.Vectorizer.NgramMin,
		NgramMax:    a.Vectorizer.NgramMax,
		Lowercase:   a.Vectorizer.Lowercase,
		SublinearTF: a.Vectorizer.SublinearTF,
		Norm:        a.Vectorizer.Norm,
		Features:    a.Vectorizer.Features,
		IDF:         a.Vectorizer.IDF,
	})
	if err != nil {
		return nil, fmt.Errorf("NewLinear: %w", err)
	}

	switch a.Classifier.Loss {
	case LossModifiedHuber, LossLog:
	default:
		return nil, fmt.Errorf("NewLinear: %w: unknown loss %q", ErrInvalidArtifact, a.Classifier.Loss)
	}

	rows := len(a.Labels)
	if rows == 2 {
		rows = 1
	}
	if len(a.Classifier.Coef) != rows || len(a.Classifier.Intercept) != rows {
		return nil, fmt.Errorf("NewLinear: %w: %d coef rows and %d intercepts for %d labels",
			ErrInvalidArtifact, len(a.Classifier.Coef), len(a.Classifier.Intercept), len(a.Labels))
	}
	for i, row := range a.Classifier.Coef {
		if len(row) != vec.NumFeatures() {
			return nil, fmt.Errorf("NewLinear: %w: coef row %d has %d weights for %d features",
				ErrInvalidArtifact, i, len(row), vec.NumFeatures())
		}
	}

	return &LinearModel{
		version:   a.Version,
		labels:    append([]string(nil), a.Labels...),
		vec:       vec,
		loss:      a.Classifier.Loss,
		coef:      a.Classifier.Coef,
		intercept: a.Classifier.Intercept,
	}, nil
}

func (m *LinearModel) Labels() []string { return append([]string(nil), m.labels...) }

func (m *LinearModel) Version() string { return m.version }

func (m *LinearModel) FeatureName(i int) string { return m.vec.FeatureName(i) }

func (m *LinearModel) Activations(text string) []Activation { return m.vec.Transform(text) }

// Weight returns the weight of feature i for label l. In the binary form the
// first label scores the negated row.
func (m *LinearModel) Weight(label, feature int) float64 {
	if m.binary() {
		w := m.coef[0][feature]
		if label == 0 {
			return -w
		}
		return w
	}
	return m.coef[label][feature]
}

// PredictProba scores every text independently.
func (m *LinearModel) PredictProba(ctx context.Context, texts []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = m.proba(m.decision(m.vec.Transform(t)))
	}
	return out, nil
}

func (m *LinearModel) binary() bool { return len(m.labels) == 2 }

func (m *LinearModel) decision(x []Activation) []float64 {
	scores := make([]float64, len(m.coef))
	for k, row := range m.coef {
		s := m.intercept[k]
		for _, a := range x {
			s += a.Value * row[a.Feature]
		}
		scores[k] = s
	}
	return scores
}

func (m *LinearModel) proba(scores []float64) []float64 {
	link := huberLink
	if m.loss == LossLog {
		link = logisticLink
	}

	if m.binary() {
		p := link(scores[0])
		return []float64{1 - p, p}
	}

	p := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		p[i] = link(s)
		sum += p[i]
	}
	if sum == 0 {
		for i := range p {
			p[i] = 1 / float64(len(p))
		}
		return p
	}
	for i := range p {
		p[i] /= sum
	}
	return p
}

func huberLink(d float64) float64 {
	return (math.Max(-1, math.Min(1, d)) + 1) / 2
}

func logisticLink(d float64) float64 {
	return 1 / (1 + math.Exp(-d))
}
