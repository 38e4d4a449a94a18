// Package metrics defines the counters and latency observations emitted by the
// classifier and the audit store. Implementations are injected; nothing in the
// core depends on a global registry.
package metrics

import (
	"sync"
	"time"
)

// Sink receives observations from the classifier and the audit store.
// Implementations must be safe for concurrent use.
type Sink interface {
	// InferenceObserved records one classifier call over items texts.
	InferenceObserved(op string, items int, elapsed time.Duration)
	// PredictionRecorded is called once per prediction durably saved.
	PredictionRecorded(label string, allowed bool)
	// FeedbackRecorded is called once per feedback record durably saved.
	FeedbackRecorded(predicted, correct string)
	// StorageFailed is called when an audit store operation fails.
	StorageFailed(op string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) InferenceObserved(string, int, time.Duration) {}
func (Nop) PredictionRecorded(string, bool)              {}
func (Nop) FeedbackRecorded(string, string)              {}
func (Nop) StorageFailed(string)                         {}

// Recorder keeps observations in memory. Used in tests and by the CLI bench
// command.
type Recorder struct {
	mu          sync.Mutex
	inferences  map[string]int
	items       map[string]int
	elapsed     map[string]time.Duration
	predictions map[PredictionKey]int
	feedback    map[FeedbackKey]int
	failures    map[string]int
}

// PredictionKey groups recorded predictions.
type PredictionKey struct {
	Label   string
	Allowed bool
}

// FeedbackKey groups recorded feedback.
type FeedbackKey struct {
	Predicted string
	Correct   string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		inferences:  map[string]int{},
		items:       map[string]int{},
		elapsed:     map[string]time.Duration{},
		predictions: map[PredictionKey]int{},
		feedback:    map[FeedbackKey]int{},
		failures:    map[string]int{},
	}
}

func (r *Recorder) InferenceObserved(op string, items int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inferences[op]++
	r.items[op] += items
	r.elapsed[op] += elapsed
}

func (r *Recorder) PredictionRecorded(label string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions[PredictionKey{Label: label, Allowed: allowed}]++
}

func (r *Recorder) FeedbackRecorded(predicted, correct string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback[FeedbackKey{Predicted: predicted, Correct: correct}]++
}

func (r *Recorder) StorageFailed(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op]++
}

// Inferences returns the number of calls and texts observed for op.
func (r *Recorder) Inferences(op string) (calls, items int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inferences[op], r.items[op]
}

// Elapsed returns the total time observed for op.
func (r *Recorder) Elapsed(op string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed[op]
}

// Predictions returns how many predictions were recorded for label/allowed.
func (r *Recorder) Predictions(label string, allowed bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.predictions[PredictionKey{Label: label, Allowed: allowed}]
}

// TotalPredictions returns the number of predictions recorded across labels.
func (r *Recorder) TotalPredictions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.predictions {
		n += c
	}
	return n
}

// Feedback returns how many feedback records were recorded for the pair.
func (r *Recorder) Feedback(predicted, correct string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feedback[FeedbackKey{Predicted: predicted, Correct: correct}]
}

// Failures returns how many storage failures were recorded for op.
func (r *Recorder) Failures(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[op]
}
