// Package search fans independent knowledge-base queries out to an LLM under
// a concurrency cap and turns the answers into structured results.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/service"
)

// Batch defaults.
const (
	DefaultConcurrency = 3
	DefaultDelay       = 500 * time.Millisecond
)

// QueryFunc answers one query. fullQuery is the batch label joined with the
// query text.
type QueryFunc func(ctx context.Context, fullQuery string) ([]model.SearchResult, error)

// ProgressFunc is told how many queries of a batch have settled. It is called
// from worker goroutines.
type ProgressFunc func(done, total int)

// Runner executes batches of queries in sequential chunks. Queries inside a
// chunk run concurrently; a failed query becomes an empty placeholder and
// never aborts the rest of the batch.
type Runner struct {
	query    QueryFunc
	observer service.Observer
	sleep    common.Sleeper
	now      func() time.Time
	progress ProgressFunc
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithRunnerObserver sets the log and metric sink.
func WithRunnerObserver(o service.Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithRunnerSleeper replaces the pause between chunks.
func WithRunnerSleeper(s common.Sleeper) RunnerOption {
	return func(r *Runner) { r.sleep = s }
}

// WithRunnerClock replaces time.Now for result timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) RunnerOption {
	return func(r *Runner) { r.progress = fn }
}

// NewRunner creates a Runner that answers each query with fn.
func NewRunner(fn QueryFunc, opts ...RunnerOption) *Runner {
	r := &Runner{
		query:    fn,
		observer: service.NopObserver{},
		sleep:    common.SleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.observer = service.SafeObserver{Next: r.observer}
	return r
}

// RunBatch answers every query and returns one entry per distinct query,
// keyed by the query text. Chunks of concurrency queries run strictly in
// order with delay between them. If ctx ends early, the queries not yet
// answered are returned as placeholders.
func (r *Runner) RunBatch(ctx context.Context, label string, queries []string, concurrency int, delay time.Duration) map[string]model.SearchResults {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timestamp := r.now()
	results := make(map[string]model.SearchResults, len(queries))
	if len(queries) == 0 {
		return results
	}

	pool, err := ants.NewPool(concurrency)
	if err != nil {
		r.logEvent(slog.LevelError, "Search batch failed", map[string]any{
			"label":        label,
			"queriesCount": len(queries),
			"error":        err.Error(),
		})
		return placeholders(label, queries, timestamp)
	}
	defer pool.Release()

	var done atomic.Int32
	for start := 0; start < len(queries); start += concurrency {
		end := min(start+concurrency, len(queries))
		chunk := queries[start:end]

		for i, res := range r.runChunk(ctx, pool, label, chunk, timestamp, &done, len(queries)) {
			results[chunk[i]] = res
		}

		if end >= len(queries) {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			r.logEvent(slog.LevelWarn, "Search batch interrupted", map[string]any{
				"label":     label,
				"completed": end,
				"remaining": len(queries) - end,
				"error":     err.Error(),
			})
			for q, res := range placeholders(label, queries[end:], timestamp) {
				results[q] = res
			}
			break
		}
	}

	total := 0
	for _, res := range results {
		total += len(res.Results)
	}
	r.logEvent(slog.LevelInfo, fmt.Sprintf("Search completed. Total results: %d across %d queries", total, len(results)), map[string]any{
		"label":        label,
		"totalResults": total,
		"queryCount":   len(results),
	})

	return results
}

func (r *Runner) runChunk(
	ctx context.Context,
	pool *ants.Pool,
	label string,
	chunk []string,
	timestamp time.Time,
	done *atomic.Int32,
	total int,
) []model.SearchResults {
	out := make([]model.SearchResults, len(chunk))
	var wg sync.WaitGroup

	for i, query := range chunk {
		full := FullQuery(label, query)
		out[i] = placeholder(full, timestamp)

		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer r.settled(done, total)
			defer func() {
				if p := recover(); p != nil {
					r.logEvent(slog.LevelError, fmt.Sprintf("Search query failed: %s", query), map[string]any{
						"label": label,
						"query": full,
						"error": fmt.Sprint(p),
					})
				}
			}()

			found, err := r.query(ctx, full)
			if err != nil {
				r.logEvent(slog.LevelError, fmt.Sprintf("Search query failed: %s", query), map[string]any{
					"label": label,
					"query": full,
					"error": err.Error(),
				})
				return
			}
			if found != nil {
				out[i].Results = found
			}
		}

		if err := pool.Submit(task); err != nil {
			wg.Done()
			r.settled(done, total)
			r.logEvent(slog.LevelError, fmt.Sprintf("Search query failed: %s", query), map[string]any{
				"label": label,
				"query": full,
				"error": err.Error(),
			})
		}
	}

	wg.Wait()
	return out
}

func (r *Runner) settled(done *atomic.Int32, total int) {
	n := done.Add(1)
	if r.progress != nil {
		r.progress(int(n), total)
	}
}

func (r *Runner) logEvent(level slog.Level, msg string, fields map[string]any) {
	fields["component"] = "search"
	r.observer.LogEvent(level, msg, fields)
}

// FullQuery joins a batch label and a query the way prompts and results
// refer to it.
func FullQuery(label, query string) string {
	return strings.TrimSpace(label + " " + query)
}

func placeholder(fullQuery string, timestamp time.Time) model.SearchResults {
	return model.SearchResults{Query: fullQuery, Results: []model.SearchResult{}, Timestamp: timestamp}
}

func placeholders(label string, queries []string, timestamp time.Time) map[string]model.SearchResults {
	out := make(map[string]model.SearchResults, len(queries))
	for _, q := range queries {
		out[q] = placeholder(FullQuery(label, q), timestamp)
	}
	return out
}
