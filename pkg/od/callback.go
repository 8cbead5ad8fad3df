package od

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// FailMode selects how [CallbackHandler] reacts to a callback
// returning an error, grounded on durand's callback_handler.py
// FailMode enum (spec.md §4.2).
type FailMode uint8

const (
	// FailIgnore logs and swallows every error; all callbacks run.
	FailIgnore FailMode = iota
	// FailFirst stops and returns on the first error.
	FailFirst
	// FailLate runs every callback, then returns the first error seen.
	FailLate
)

// Token identifies a registered callback so it can later be removed;
// Go function values are not comparable, so callbacks are addressed
// indirectly, the same cancel-closure idiom the teacher's
// pkg/nmt.NMT.AddStateChangeCallback uses.
type Token uint64

// Callback is invoked with the value involved in the triggering
// Object Dictionary write.
type Callback func(value any) error

// CallbackHandler is an ordered multicast of callbacks with one of
// three fail modes (spec.md §4.2).
type CallbackHandler struct {
	mode FailMode

	mu      sync.Mutex
	next    Token
	order   []Token
	entries map[Token]Callback
}

// NewCallbackHandler creates a handler with the given fail mode.
func NewCallbackHandler(mode FailMode) *CallbackHandler {
	return &CallbackHandler{
		mode:    mode,
		next:    1,
		entries: make(map[Token]Callback),
	}
}

// Add registers callback and returns a token that can be used with
// Remove.
func (h *CallbackHandler) Add(callback Callback) Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	token := h.next
	h.next++
	h.entries[token] = callback
	h.order = append(h.order, token)
	return token
}

// Remove unregisters a previously added callback.
func (h *CallbackHandler) Remove(token Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[token]; !ok {
		return
	}
	delete(h.entries, token)
	for i, t := range h.order {
		if t == token {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether token still names a registered callback.
func (h *CallbackHandler) Contains(token Token) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[token]
	return ok
}

// Len reports the number of registered callbacks.
func (h *CallbackHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

// Call invokes every registered callback with value, honoring the
// handler's fail mode.
func (h *CallbackHandler) Call(value any) error {
	h.mu.Lock()
	order := make([]Token, len(h.order))
	copy(order, h.order)
	entries := h.entries
	h.mu.Unlock()

	var firstErr error
	for _, token := range order {
		callback, ok := entries[token]
		if !ok {
			continue
		}
		if err := callback(value); err != nil {
			switch h.mode {
			case FailFirst:
				return err
			case FailLate:
				if firstErr == nil {
					firstErr = err
				}
			default: // FailIgnore
				log.WithError(err).Debug("od: ignored exception in callback handler")
			}
		}
	}
	return firstErr
}
