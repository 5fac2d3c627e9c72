package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Veraticus/esg-flow/internal/llm"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/service"
)

// DefaultMaxTokens bounds each research answer.
const DefaultMaxTokens = 1000

// KnowledgeBaseSource is the URL recorded for answers that come from the
// model's own knowledge rather than a fetched page.
const KnowledgeBaseSource = "OpenAI Knowledge Base"

const researchSystemPrompt = "You are a research assistant that searches for and summarizes information. " +
	"Provide accurate, factual information with context from your knowledge base. " +
	"Cite what you find or state clearly if nothing is found. " +
	"Be specific about dates, events, and sources when available."

const researchPromptTemplate = `Based on your knowledge, search for information about: "%s".

Provide specific, verifiable facts including:
- Company name and context
- Specific dates, incidents, or events (if known)
- Regulatory actions or breaches (if any)
- Public disclosures or reports
- News articles or official statements

Focus on:
- ESG-related information
- Regulatory compliance issues
- Supply chain problems
- Transparency and disclosure
- Public records or reports

If you find relevant information, provide details with context. If no information is found in your knowledge base, state clearly: "No relevant information found in knowledge base."

Be specific and factual. Include dates, locations, or context when available.`

// Answers containing any of these mean the model found nothing.
var noResultPhrases = []string{
	"no relevant information found",
	"no information found",
	"could not find",
	"not available in my knowledge",
}

// TrackRecordQueries probe a company's compliance history.
var TrackRecordQueries = []string{
	"regulatory breaches ESG compliance violations",
	"supply chain violations labor issues",
	"financial audit qualified opinion restatement",
	"ESG reporting sustainability disclosure",
	"transparency disclosure public records",
}

// ESGPracticeQueries probe a company's stated policies.
var ESGPracticeQueries = []string{
	"ESG policy sustainability practices",
	"environmental policy climate action",
	"social responsibility labor standards",
	"governance policies board structure",
	"ESG reporting sustainability report",
}

// Completer performs one completion. *llm.Caller satisfies it.
type Completer interface {
	Call(ctx context.Context, req llm.Request) (llm.Result, error)
}

// Config tunes the company search.
type Config struct {
	Provider    llm.ProviderName
	Model       string
	Concurrency int
	Delay       time.Duration
	MaxTokens   int
	Temperature *float64
}

// DefaultConfig returns a cap of 3 concurrent queries, 500ms between chunks
// and 1000 tokens per answer.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		Delay:       DefaultDelay,
		MaxTokens:   DefaultMaxTokens,
		Temperature: llm.Temperature(llm.DefaultTemperature),
	}
}

// Service researches companies by asking the LLM one question per query.
type Service struct {
	completer Completer
	runner    *Runner
	observer  service.Observer
	cfg       Config
}

// NewService creates a Service. Runner options are passed through to the
// underlying batch runner.
func NewService(completer Completer, cfg Config, observer service.Observer, opts ...RunnerOption) *Service {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Temperature == nil {
		cfg.Temperature = def.Temperature
	}
	if observer == nil {
		observer = service.NopObserver{}
	}

	s := &Service{completer: completer, cfg: cfg, observer: service.SafeObserver{Next: observer}}
	s.runner = NewRunner(s.research, append([]RunnerOption{WithRunnerObserver(observer)}, opts...)...)
	return s
}

// SearchCompanyInfo runs every query against company and returns one entry
// per query keyed by the query text.
func (s *Service) SearchCompanyInfo(ctx context.Context, company string, queries []string) map[string]model.SearchResults {
	s.logEvent(slog.LevelInfo, fmt.Sprintf("Starting information search for company: %s", company), map[string]any{
		"companyName": company,
		"queryCount":  len(queries),
	})
	return s.runner.RunBatch(ctx, company, queries, s.cfg.Concurrency, s.cfg.Delay)
}

// SearchTrackRecord runs TrackRecordQueries, returning results in query order.
func (s *Service) SearchTrackRecord(ctx context.Context, company string) []model.SearchResults {
	return Ordered(s.SearchCompanyInfo(ctx, company, TrackRecordQueries), TrackRecordQueries)
}

// SearchESGPractices runs ESGPracticeQueries, returning results in query order.
func (s *Service) SearchESGPractices(ctx context.Context, company string) []model.SearchResults {
	return Ordered(s.SearchCompanyInfo(ctx, company, ESGPracticeQueries), ESGPracticeQueries)
}

func (s *Service) research(ctx context.Context, fullQuery string) ([]model.SearchResult, error) {
	s.logEvent(slog.LevelInfo, fmt.Sprintf("Searching: \"%s\"", fullQuery), map[string]any{"query": fullQuery})

	res, err := s.completer.Call(ctx, llm.Request{
		Provider:     s.cfg.Provider,
		Model:        s.cfg.Model,
		SystemPrompt: researchSystemPrompt,
		Prompt:       fmt.Sprintf(researchPromptTemplate, fullQuery),
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	if NoResults(res.Content) {
		s.logEvent(slog.LevelInfo, fmt.Sprintf("No results found for: \"%s\"", fullQuery), map[string]any{"query": fullQuery})
		return []model.SearchResult{}, nil
	}

	s.logEvent(slog.LevelInfo, fmt.Sprintf("Found information for: \"%s\"", fullQuery), map[string]any{
		"query":         fullQuery,
		"contentLength": len(res.Content),
	})
	return []model.SearchResult{{
		Title:     "Search Results: " + fullQuery,
		URL:       KnowledgeBaseSource,
		Snippet:   res.Content,
		Relevance: 0.8,
	}}, nil
}

func (s *Service) logEvent(level slog.Level, msg string, fields map[string]any) {
	fields["component"] = "search"
	s.observer.LogEvent(level, msg, fields)
}

// NoResults reports whether an answer says nothing was found. An empty
// answer counts as nothing found.
func NoResults(content string) bool {
	lower := strings.ToLower(content)
	if strings.TrimSpace(lower) == "" {
		return true
	}
	return slices.ContainsFunc(noResultPhrases, func(p string) bool {
		return strings.Contains(lower, p)
	})
}

// Ordered lists results in the order of queries, skipping queries that have
// no entry.
func Ordered(results map[string]model.SearchResults, queries []string) []model.SearchResults {
	out := make([]model.SearchResults, 0, len(queries))
	for _, q := range queries {
		if res, ok := results[q]; ok {
			out = append(out, res)
		}
	}
	return out
}

// FormatResultsForPrompt renders results as a block for inclusion in a
// downstream prompt. Queries without findings are omitted.
func FormatResultsForPrompt(results []model.SearchResults) string {
	var b strings.Builder
	b.WriteString("\n\n=== WEB SEARCH RESULTS (External Verification) ===\n")

	if !slices.ContainsFunc(results, func(r model.SearchResults) bool { return !r.Empty() }) {
		b.WriteString("No additional information found through web search.\n")
		return b.String()
	}

	for _, sr := range results {
		if sr.Empty() {
			continue
		}
		fmt.Fprintf(&b, "\nQuery: \"%s\"\n", sr.Query)
		for i, r := range sr.Results {
			fmt.Fprintf(&b, "Result %d:\n", i+1)
			fmt.Fprintf(&b, "  %s\n", r.Snippet)
			if r.URL != "" && r.URL != KnowledgeBaseSource {
				fmt.Fprintf(&b, "  Source: %s\n", r.URL)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("=== END WEB SEARCH RESULTS ===\n")
	return b.String()
}
