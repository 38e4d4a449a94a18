// Package decision turns a (label, confidence) prediction into an allow/block
// verdict and a review flag. It is pure: no I/O, no clocks, no randomness.
package decision

import (
	"errors"
	"fmt"
)

var ErrInvalidPolicy = errors.New("invalid decision policy")

// Policy holds the thresholds for verdict determination.
type Policy struct {
	BenignLabel         string  // the only label that can be allowed
	ConfidenceThreshold float64 // benign with confidence >= this → allowed (default 0.5)
	ReviewThreshold     float64 // confidence < this → needs review (default 0.7)
}

// DefaultPolicy returns the server defaults.
func DefaultPolicy() Policy {
	return Policy{
		BenignLabel:         "product",
		ConfidenceThreshold: 0.5,
		ReviewThreshold:     0.7,
	}
}

// Verdict is the outcome of Decide.
type Verdict struct {
	Allowed     bool
	NeedsReview bool
}

// Decide applies the policy to one prediction.
//
// Rules:
//  1. allowed      = label is the benign label AND confidence >= ConfidenceThreshold
//  2. needs_review = confidence < ReviewThreshold
//
// The two flags are independent: a blocked prediction can need review, and an
// allowed prediction can too when ConfidenceThreshold < ReviewThreshold.
func (p Policy) Decide(label string, confidence float64) Verdict {
	return Verdict{
		Allowed:     label == p.BenignLabel && confidence >= p.ConfidenceThreshold,
		NeedsReview: confidence < p.ReviewThreshold,
	}
}

// Validate rejects thresholds outside [0,1] and an empty benign label.
func (p Policy) Validate() error {
	if p.BenignLabel == "" {
		return fmt.Errorf("%w: benign label is empty", ErrInvalidPolicy)
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold %v outside [0,1]", ErrInvalidPolicy, p.ConfidenceThreshold)
	}
	if p.ReviewThreshold < 0 || p.ReviewThreshold > 1 {
		return fmt.Errorf("%w: review threshold %v outside [0,1]", ErrInvalidPolicy, p.ReviewThreshold)
	}
	return nil
}

// Overrides adjusts a policy for one call site.
// All pointer fields use nil to mean "use server default".
type Overrides struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	ReviewThreshold     *float64 `json:"review_threshold" yaml:"review_threshold"`
}

// EffectiveConfidenceThreshold returns the override or the server default.
func (o Overrides) EffectiveConfidenceThreshold(serverDefault float64) float64 {
	if o.ConfidenceThreshold == nil {
		return serverDefault
	}
	return *o.ConfidenceThreshold
}

// EffectiveReviewThreshold returns the override or the server default.
func (o Overrides) EffectiveReviewThreshold(serverDefault float64) float64 {
	if o.ReviewThreshold == nil {
		return serverDefault
	}
	return *o.ReviewThreshold
}

// With returns a copy of p with the overrides applied.
func (p Policy) With(o Overrides) Policy {
	p.ConfidenceThreshold = o.EffectiveConfidenceThreshold(p.ConfidenceThreshold)
	p.ReviewThreshold = o.EffectiveReviewThreshold(p.ReviewThreshold)
	return p
}
