package model

import (
	"context"
	"errors"
)

var (
	// ErrModelNotFound is returned when no artifact exists at the configured location.
	ErrModelNotFound = errors.New("model artifact not found")
	// ErrInvalidArtifact is returned when an artifact exists but cannot be decoded
	// into a usable model.
	ErrInvalidArtifact = errors.New("invalid model artifact")
)

// Model maps cleaned text to a probability distribution over a closed label set.
// The label set is fixed for the lifetime of a Model value.
type Model interface {
	// Labels returns the label set in column order of PredictProba rows.
	Labels() []string
	// Version identifies the artifact the model was built from.
	Version() string
	// PredictProba returns one row per input text, one column per label.
	PredictProba(ctx context.Context, texts []string) ([][]float64, error)
}

// Linear is implemented by models whose per-label scores are a linear function
// of sparse text features. Only Linear models support feature attribution.
type Linear interface {
	Model
	// Activations returns the nonzero feature activations for one text, ordered by
	// feature index.
	Activations(text string) []Activation
	// FeatureName returns the human-readable name of feature i.
	FeatureName(i int) string
	// Weight returns the learned weight linking feature i to label l.
	Weight(label, feature int) float64
}

// Activation is one nonzero entry of a sparse feature vector.
type Activation struct {
	Feature int
	Value   float64
}
