package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// completionCacheMaxCost is the memory budget of the completion cache (32 MiB).
const completionCacheMaxCost = 32 << 20

// CompletionCache memoizes successful results for identical requests and
// collapses concurrent identical calls into one provider round trip.
type CompletionCache struct {
	cache *ristretto.Cache[string, Result]
	group singleflight.Group
	ttl   time.Duration
}

// NewCompletionCache creates a cache whose entries live for ttl.
// It returns nil when ttl is not positive, which disables caching.
func NewCompletionCache(ttl time.Duration) (*CompletionCache, error) {
	if ttl <= 0 {
		return nil, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, Result]{
		NumCounters: 100_000,
		MaxCost:     completionCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &CompletionCache{cache: cache, ttl: ttl}, nil
}

// Do returns the cached result for req or runs fn once for all concurrent
// callers with the same key. Only successes are stored.
//
// fn runs on a context detached from the first caller's cancellation so one
// caller going away does not fail the others. Each caller stops waiting when
// its own ctx is done and gets ctx.Err().
func (c *CompletionCache) Do(ctx context.Context, req Request, fn func(context.Context) (Result, error)) (Result, error) {
	key := cacheKey(req)
	if res, ok := c.cache.Get(key); ok {
		res.Cached = true
		return res, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		res, err := fn(shared)
		if err != nil {
			return Result{}, err
		}
		c.cache.SetWithTTL(key, res, int64(len(res.Content))+64, c.ttl)
		c.cache.Wait()
		return res, nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result), r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Clear drops every entry.
func (c *CompletionCache) Clear() {
	c.cache.Clear()
}

// Close releases the cache. Safe to call on a nil cache.
func (c *CompletionCache) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}

func cacheKey(req Request) string {
	h := sha256.New()
	for _, part := range []string{
		string(req.Provider),
		req.Model,
		req.SystemPrompt,
		req.Prompt,
		formatTemperature(req.Temperature),
		strconv.Itoa(req.MaxTokens),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatTemperature(t *float64) string {
	if t == nil {
		return ""
	}
	return strconv.FormatFloat(*t, 'f', -1, 64)
}
