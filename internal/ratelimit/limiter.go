package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Veraticus/esg-flow/internal/common"
)

// Limits are the per-key ceilings.
type Limits struct {
	PerMinute int
	PerHour   int
	// CleanupProbability is the chance that an admission also sweeps
	// expired entries from the store.
	CleanupProbability float64
}

// DefaultLimits returns 10 requests per minute and 100 per hour with a 1%
// cleanup probability.
func DefaultLimits() Limits {
	return Limits{PerMinute: 10, PerHour: 100, CleanupProbability: 0.01}
}

// Limiter admits calls per client key.
type Limiter struct {
	store  Store
	locks  *keyLocks
	now    func() time.Time
	random func() float64
	logger *slog.Logger
	limits Limits
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithStore replaces the in-memory store.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRandom replaces the source deciding when to sweep.
func WithRandom(random func() float64) Option {
	return func(l *Limiter) { l.random = random }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter. Zero limits fall back to the defaults.
func New(limits Limits, opts ...Option) *Limiter {
	def := DefaultLimits()
	if limits.PerMinute <= 0 {
		limits.PerMinute = def.PerMinute
	}
	if limits.PerHour <= 0 {
		limits.PerHour = def.PerHour
	}
	if limits.CleanupProbability < 0 {
		limits.CleanupProbability = 0
	}

	l := &Limiter{
		store:  NewMemoryStore(),
		locks:  newKeyLocks(),
		now:    time.Now,
		random: rand.Float64,
		logger: slog.Default(),
		limits: limits,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// Limits returns the configured ceilings.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Admit counts one call for key or fails with *common.RateLimitError when
// either window is full. Expired windows are reset before the check, and
// the read-check-increment sequence holds the key's lock.
func (l *Limiter) Admit(ctx context.Context, key string) error {
	now := l.now()

	if l.limits.CleanupProbability > 0 && l.random() < l.limits.CleanupProbability {
		l.sweep(ctx, now)
	}

	unlock := l.locks.lock(key)
	defer unlock()

	entry, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load rate limit state: %w", err)
	}
	if !ok {
		entry = newEntry(now)
	}

	if entry.Minute.expired(now) {
		entry.Minute = Window{ResetAt: now.Add(MinuteWindow)}
	}
	if entry.Minute.Count >= l.limits.PerMinute {
		wait := entry.Minute.ResetAt.Sub(now)
		return common.NewRateLimitError(fmt.Sprintf(
			"Rate limit exceeded: %d requests per minute. Please try again in %d seconds.",
			l.limits.PerMinute, ceilUnits(wait, time.Second)), wait)
	}

	if entry.Hour.expired(now) {
		entry.Hour = Window{ResetAt: now.Add(HourWindow)}
	}
	if entry.Hour.Count >= l.limits.PerHour {
		wait := entry.Hour.ResetAt.Sub(now)
		return common.NewRateLimitError(fmt.Sprintf(
			"Rate limit exceeded: %d requests per hour. Please try again in %d hour(s).",
			l.limits.PerHour, ceilUnits(wait, time.Hour)), wait)
	}

	entry.Minute.Count++
	entry.Hour.Count++

	if err := l.store.Set(ctx, key, entry); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}
	return nil
}

// Reset forgets all state for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	unlock := l.locks.lock(key)
	defer unlock()
	return l.store.Delete(ctx, key)
}

func (l *Limiter) sweep(ctx context.Context, now time.Time) {
	sweeper, ok := l.store.(Sweeper)
	if !ok {
		return
	}
	removed, err := sweeper.Sweep(ctx, now)
	if err != nil {
		l.logger.Warn("rate limit cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		l.logger.Debug("removed expired rate limit entries", "count", removed)
	}
}

func ceilUnits(d, unit time.Duration) int {
	return int(math.Ceil(float64(d) / float64(unit)))
}

// keyLocks hands out one mutex per key and forgets it once unused.
type keyLocks struct {
	locks map[string]*keyLock
	mu    sync.Mutex
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	kl, ok := k.locks[key]
	if !ok {
		kl = &keyLock{}
		k.locks[key] = kl
	}
	kl.refs++
	k.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		k.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
