// Package tokens tracks usage counters per key (a model name, an agent id)
// against a fixed-window limit. Admission paths call Track before accepting
// work; a rejected charge is never applied, so a caller that backs off and
// retries is not penalized for the failed attempt.
package tokens

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/validate"
)

const (
	DefaultWindow = time.Minute
	DefaultLimit  = 100000
)

// Config sets the window length, the default per-key limit and optional
// per-key overrides.
type Config struct {
	Window time.Duration    `yaml:"window"`
	Limit  int64            `yaml:"limit"`
	Limits map[string]int64 `yaml:"limits"` // Per-key overrides, e.g. per model
}

// DefaultConfig returns a one minute window with DefaultLimit per key.
func DefaultConfig() *Config {
	return &Config{
		Window: DefaultWindow,
		Limit:  DefaultLimit,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.ValidatePositiveTimeout(c.Window, "rate window"); err != nil {
		return err
	}
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	for key, limit := range c.Limits {
		if limit <= 0 {
			return fmt.Errorf("rate limit for %q must be positive, got %d", key, limit)
		}
	}
	return nil
}

type window struct {
	start time.Time
	used  int64
	total int64 // Lifetime usage, not reset with the window
}

// charge adds an admitted amount. total saturates instead of wrapping.
func (w *window) charge(amount int64) {
	w.used += amount
	if w.total > math.MaxInt64-amount {
		w.total = math.MaxInt64
	} else {
		w.total += amount
	}
}

// Usage is a point-in-time view of one key.
type Usage struct {
	Key         string    `json:"key"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Total       int64     `json:"total"`
	WindowStart time.Time `json:"window_start"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	config *Config

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

// NewTracker creates a tracker. A nil config uses DefaultConfig.
func NewTracker(cfg *Config) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}
	return &Tracker{
		config:  cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}, nil
}

// LimitFor returns the limit applied to key.
func (t *Tracker) LimitFor(key string) int64 {
	if limit, ok := t.config.Limits[key]; ok {
		return limit
	}
	return t.config.Limit
}

// current returns key's window, rolling it over when expired. Must hold t.mu.
func (t *Tracker) current(key string, now time.Time) *window {
	w, ok := t.windows[key]
	if !ok {
		w = &window{start: now}
		t.windows[key] = w
		return w
	}
	if now.Sub(w.start) >= t.config.Window {
		w.start = now
		w.used = 0
	}
	return w
}

// Track charges amount to key. If the post-increment usage would exceed the
// key's limit for the current window it returns ErrRateLimitExceeded and the
// counter keeps its previous value.
func (t *Tracker) Track(key string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative usage %d for %q", amount, key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.current(key, t.now())
	if err := t.admit(key, w, amount); err != nil {
		return err
	}
	w.charge(amount)
	return nil
}

// admit rejects amount when it would take w past key's limit. The check is
// written so that it cannot overflow for any non-negative amount.
func (t *Tracker) admit(key string, w *window, amount int64) error {
	limit := t.LimitFor(key)
	if amount > limit || w.used > limit-amount {
		return fmt.Errorf("%q would use %d more with %d of %d used in window: %w",
			key, amount, w.used, limit, nexaerr.ErrRateLimitExceeded)
	}
	return nil
}

// TrackAll charges amount to every key, all or nothing: if any key would
// exceed its limit, none are charged.
func (t *Tracker) TrackAll(amount int64, keys ...string) error {
	if amount < 0 {
		return fmt.Errorf("negative usage %d", amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, key := range keys {
		if err := t.admit(key, t.current(key, now), amount); err != nil {
			return err
		}
	}
	for _, key := range keys {
		t.windows[key].charge(amount)
	}
	return nil
}

// Usage returns key's usage in the current window.
func (t *Tracker) Usage(key string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.current(key, t.now())
	return Usage{Key: key, Used: w.used, Limit: t.LimitFor(key), Total: w.total, WindowStart: w.start}
}

// Snapshot returns usage for every key seen, sorted by key.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Usage, 0, len(t.windows))
	for key := range t.windows {
		w := t.current(key, now)
		out = append(out, Usage{Key: key, Used: w.used, Limit: t.LimitFor(key), Total: w.total, WindowStart: w.start})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
