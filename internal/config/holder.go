package config

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStaleHash is returned by Swap when the caller's hash no longer matches
// the current snapshot (concurrent update).
var ErrStaleHash = errors.New("config hash mismatch")

// Validator is an optional hook that validates a candidate config against
// live state (schema cache, rule syntax) before it is swapped in.
type Validator func(*Config) error

// Holder provides lock-free reads of the current config snapshot and
// compare-and-swap updates keyed by the snapshot hash.
type Holder struct {
	cur       atomic.Pointer[Config]
	mu        sync.Mutex // serializes Swap
	validator Validator
}

// NewHolder creates a Holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(cfg)
	return h
}

// SetValidator installs the live-state validation hook applied on Swap.
func (h *Holder) SetValidator(v Validator) {
	h.mu.Lock()
	h.validator = v
	h.mu.Unlock()
}

// Get returns the current snapshot. Lock-free, safe for concurrent use.
// Callers must not mutate the returned value.
func (h *Holder) Get() *Config {
	return h.cur.Load()
}

// Swap validates next and installs it, but only if expectHash matches the
// hash of the current snapshot. Returns the new hash on success.
func (h *Holder) Swap(next *Config, expectHash string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cur.Load().Hash() != expectHash {
		return "", ErrStaleHash
	}
	if err := next.Validate(); err != nil {
		return "", err
	}
	if h.validator != nil {
		if err := h.validator(next); err != nil {
			return "", err
		}
	}
	h.cur.Store(next)
	return next.Hash(), nil
}
