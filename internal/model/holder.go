package model

import (
	"sync/atomic"
	"time"
)

// Holder publishes the current model. Readers take a snapshot with Load and
// use it for a whole call, so a concurrent Swap is never observed halfway.
type Holder struct {
	current atomic.Pointer[loaded]
}

type loaded struct {
	model    Model
	loadedAt time.Time
}

// NewHolder returns a Holder publishing m.
func NewHolder(m Model) *Holder {
	h := &Holder{}
	h.Swap(m)
	return h
}

// Load returns the current model, or nil if none has been published.
func (h *Holder) Load() Model {
	if l := h.current.Load(); l != nil {
		return l.model
	}
	return nil
}

// LoadedAt returns when the current model was published.
func (h *Holder) LoadedAt() time.Time {
	if l := h.current.Load(); l != nil {
		return l.loadedAt
	}
	return time.Time{}
}

// Swap publishes m and returns the previously published model.
func (h *Holder) Swap(m Model) Model {
	prev := h.current.Swap(&loaded{model: m, loadedAt: time.Now()})
	if prev == nil {
		return nil
	}
	return prev.model
}
