package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
	"unicode/utf8"
)

// EventWriter is the interface for writing decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent is one moderation decision published for analytics.
// The audit store stays the system of record; events may be dropped.
type DecisionEvent struct {
	RequestID    string
	RecordID     int64
	Timestamp    time.Time
	Source       string // "http", "grpc" or "cli"
	Route        string // "predict" or "predict_batch"
	TextPreview  string // First TextPreviewLength runes
	TextHash     string // SHA256 of full text
	TextSize     uint32
	Label        string
	Confidence   float64
	Allowed      bool
	NeedsReview  bool
	ModelVersion string
	LatencyMs    float32
	ClientID     string
}

// TextPreviewLength is the max runes stored in text_preview.
const TextPreviewLength = 200

// SetText fills the preview, hash and size fields from the full text.
func (e *DecisionEvent) SetText(text string) {
	sum := sha256.Sum256([]byte(text))
	e.TextHash = hex.EncodeToString(sum[:])
	e.TextSize = uint32(len(text))
	e.TextPreview = text
	if utf8.RuneCountInString(text) > TextPreviewLength {
		e.TextPreview = string([]rune(text)[:TextPreviewLength])
	}
}

// MemoryWriter keeps events in memory. Used by tests.
type MemoryWriter struct {
	mu     sync.Mutex
	events []*DecisionEvent
}

func (w *MemoryWriter) Write(event *DecisionEvent) {
	w.mu.Lock()
	w.events = append(w.events, event)
	w.mu.Unlock()
}

// Events returns a copy of everything written so far.
func (w *MemoryWriter) Events() []*DecisionEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*DecisionEvent(nil), w.events...)
}

func (w *MemoryWriter) Close() {}
