package llm

import "sync"

// CancelEvent is a one-shot, thread-safe cancellation flag shared between the
// transport (which sets it on a client "cancel" message) and in-flight LLM
// streams (which poll it between chunks).
type CancelEvent struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelEvent returns an unset cancel event.
func NewCancelEvent() *CancelEvent {
	return &CancelEvent{ch: make(chan struct{})}
}

// Set marks the event. Safe to call more than once.
func (e *CancelEvent) Set() {
	if e == nil {
		return
	}
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has been marked.
func (e *CancelEvent) IsSet() bool {
	if e == nil {
		return false
	}
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done exposes the event as a channel for select loops.
func (e *CancelEvent) Done() <-chan struct{} {
	if e == nil {
		return nil
	}
	return e.ch
}
