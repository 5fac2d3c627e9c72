package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/esg-flow/internal/common"
	"github.com/Veraticus/esg-flow/internal/config"
	"github.com/Veraticus/esg-flow/internal/document"
	"github.com/Veraticus/esg-flow/internal/llm"
	"github.com/Veraticus/esg-flow/internal/model"
	"github.com/Veraticus/esg-flow/internal/observability"
	"github.com/Veraticus/esg-flow/internal/ratelimit"
	"github.com/Veraticus/esg-flow/internal/search"
	"github.com/Veraticus/esg-flow/internal/service"
)

type stubProvider struct {
	err          error
	temperatures []*float64
	content      string
	prompts      []string
	mu           sync.Mutex
	calls        atomic.Int32
}

func (p *stubProvider) Name() llm.ProviderName { return llm.ProviderOpenAI }

func (p *stubProvider) SendCompletion(_ context.Context, req model.CompletionRequest) (model.Completion, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	p.temperatures = append(p.temperatures, req.Temperature)
	p.mu.Unlock()
	if p.err != nil {
		return model.Completion{}, p.err
	}
	return model.Completion{Content: p.content, Model: "gpt-4o-mini", Usage: model.Usage{PromptTokens: 4, CompletionTokens: 2}}, nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type failingStore struct{}

func (failingStore) Get(context.Context, string) (ratelimit.Entry, bool, error) {
	return ratelimit.Entry{}, false, errors.New("store offline")
}
func (failingStore) Set(context.Context, string, ratelimit.Entry) error { return nil }
func (failingStore) Delete(context.Context, string) error              { return nil }

type fixture struct {
	provider *stubProvider
	metrics  *observability.Metrics
	handler  http.Handler
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()

	provider := &stubProvider{content: "No relevant information found in knowledge base."}
	caller := llm.NewCaller(llm.NewRegistry(nil, llm.WithProvider(provider)), llm.WithSleeper(noSleep))

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg, 0)
	observer := observability.NewObserver(nil, metrics)

	deps := Deps{
		Caller:    caller,
		Search:    search.NewService(caller, search.DefaultConfig(), observer, search.WithRunnerSleeper(noSleep)),
		Documents: document.NewProcessor(nil, document.DefaultConfig(), observer),
		Health: observability.NewHealthChecker("test", config.KeyStatus{HasAllRequired: true},
			config.Flags{EnableWebSearch: true}, metrics),
		Metrics:  metrics,
		Gatherer: reg,
		Observer: observer,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &fixture{provider: provider, metrics: metrics, handler: New(deps).Router()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) common.ErrorResponse {
	t.Helper()
	var resp common.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestComplete(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.content = "hello there"

	rec := f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "  say hi\x00 "})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp completeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, model.Usage{PromptTokens: 4, CompletionTokens: 2}, resp.Usage)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, []string{"say hi"}, f.provider.prompts)

	summary := f.metrics.Summary()
	assert.Equal(t, 1, summary.TotalRequests)
	assert.Zero(t, summary.TotalErrors)
}

func TestComplete_JSON(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.content = "Sure! ```json\n{\"score\": 7}\n```"

	rec := f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "rate it", "json": true})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp completeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]any{"score": float64(7)}, resp.Data)
	require.Len(t, f.provider.prompts, 1)
	assert.True(t, strings.HasPrefix(f.provider.prompts[0], "rate it"))
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		body       any
		providerEr error
		name       string
		wantCode   string
		wantStatus int
	}{
		{name: "malformed body", body: "not an object", wantStatus: http.StatusBadRequest, wantCode: common.CodeValidation},
		{name: "unknown field", body: map[string]any{"prompt": "x", "bogus": 1}, wantStatus: http.StatusBadRequest, wantCode: common.CodeValidation},
		{name: "empty prompt", body: map[string]any{"prompt": " \x01 "}, wantStatus: http.StatusBadRequest, wantCode: common.CodeValidation},
		{name: "unknown provider", body: map[string]any{"prompt": "x", "provider": "mystery"}, wantStatus: http.StatusBadRequest, wantCode: common.CodeValidation},
		{name: "temperature out of range", body: map[string]any{"prompt": "x", "temperature": 2.5}, wantStatus: http.StatusBadRequest, wantCode: common.CodeValidation},
		{
			name:       "provider failure",
			body:       map[string]any{"prompt": "x"},
			providerEr: common.Classified(common.KindAuthentication, errors.New("bad key")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   common.CodeLLM,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.provider.err = tt.providerEr

			rec := f.do(t, http.MethodPost, "/api/complete", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.RequestID)
		})
	}
}

func TestComplete_Temperature(t *testing.T) {
	tests := []struct {
		body map[string]any
		want *float64
		name string
	}{
		{name: "omitted uses provider default", body: map[string]any{"prompt": "x"}},
		{name: "zero is forwarded", body: map[string]any{"prompt": "x", "temperature": 0}, want: llm.Temperature(0)},
		{name: "explicit value", body: map[string]any{"prompt": "x", "temperature": 0.9}, want: llm.Temperature(0.9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.provider.content = "ok"

			rec := f.do(t, http.MethodPost, "/api/complete", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			require.Len(t, f.provider.temperatures, 1)
			got := f.provider.temperatures[0]
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.0001)
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	slow := &blockingProvider{release: block}
	caller := llm.NewCaller(llm.NewRegistry(nil, llm.WithProvider(slow)), llm.WithSleeper(noSleep))
	f := &fixture{handler: New(Deps{Caller: caller, RequestTimeout: 20 * time.Millisecond}).Router()}

	rec := f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "x"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, common.CodeTimeout, decodeError(t, rec).Code)
}

type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Name() llm.ProviderName { return llm.ProviderOpenAI }

func (p *blockingProvider) SendCompletion(ctx context.Context, _ model.CompletionRequest) (model.Completion, error) {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return model.Completion{}, ctx.Err()
}

func TestSearch_Preset(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.content = "Fined in 2021 for late disclosure."

	rec := f.do(t, http.MethodPost, "/api/search", map[string]any{"company": "Acme", "preset": PresetTrackRecord})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, len(search.TrackRecordQueries))
	for i, q := range search.TrackRecordQueries {
		assert.Equal(t, "Acme "+q, resp.Results[i].Query)
		require.Len(t, resp.Results[i].Results, 1)
	}
	assert.Contains(t, resp.Formatted, "Fined in 2021")
	assert.Equal(t, int32(len(search.TrackRecordQueries)), f.provider.calls.Load())
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		body       map[string]any
		mutate     func(*Deps)
		name       string
		wantStatus int
	}{
		{name: "missing company", body: map[string]any{"preset": PresetTrackRecord}, wantStatus: http.StatusBadRequest},
		{name: "no queries", body: map[string]any{"company": "Acme"}, wantStatus: http.StatusBadRequest},
		{name: "unknown preset", body: map[string]any{"company": "Acme", "preset": "gossip"}, wantStatus: http.StatusBadRequest},
		{
			name:       "disabled",
			body:       map[string]any{"company": "Acme", "queries": []string{"q"}},
			mutate:     func(d *Deps) { d.Search = nil },
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			rec := f.do(t, http.MethodPost, "/api/search", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, int32(0), f.provider.calls.Load())
		})
	}
}

func uploadRequest(t *testing.T, field, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/extract", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestExtract(t *testing.T) {
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, "file", "report.md", []byte("# Annual report\n\nScope 1 down 4%.")))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp extractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "report.md", resp.FileName)
	assert.Equal(t, model.DocumentMarkdown, resp.Kind)
	assert.Contains(t, resp.Text, "Scope 1 down 4%.")
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		req        func(t *testing.T) *http.Request
		name       string
		wantCode   string
		wantStatus int
	}{
		{
			name:       "missing file field",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "other", "a.txt", []byte("x")) },
			wantStatus: http.StatusBadRequest,
			wantCode:   common.CodeValidation,
		},
		{
			name:       "unsupported type",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.exe", []byte("MZ")) },
			wantStatus: http.StatusBadRequest,
			wantCode:   common.CodeValidation,
		},
		{
			name:       "pdf without extractor",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.pdf", []byte("%PDF-1.4")) },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   common.CodeFileProcessing,
		},
		{
			name: "oversized",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "file", "big.txt", bytes.Repeat([]byte("a"), int(document.DefaultMaxFileSize)+10))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   common.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, tt.req(t))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(ratelimit.Limits{PerMinute: 1, PerHour: 10},
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithRandom(func() float64 { return 1 }))
	f := newFixture(t, func(d *Deps) { d.Limiter = limiter })
	f.provider.content = "ok"

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/complete", strings.NewReader(`{"prompt":"x"}`))
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)

	rec := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	resp := decodeError(t, rec)
	assert.Equal(t, common.CodeRateLimit, resp.Code)
	assert.Contains(t, resp.Error, "1 requests per minute")

	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code)
	assert.Equal(t, int32(2), f.provider.calls.Load())
}

func TestRateLimit_RejectionsCountAsRequests(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(ratelimit.Limits{PerMinute: 1, PerHour: 10},
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithRandom(func() float64 { return 1 }))
	f := newFixture(t, func(d *Deps) { d.Limiter = limiter })
	f.provider.content = "ok"

	codes := make([]int, 0, 4)
	for range 4 {
		codes = append(codes, f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "x"}).Code)
	}
	assert.Equal(t, []int{
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)

	summary := f.metrics.Summary()
	assert.Equal(t, 4, summary.TotalRequests)
	assert.Equal(t, 3, summary.TotalErrors)
	assert.InDelta(t, 75.0, summary.ErrorRate, 0.0001)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	var report observability.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 4, report.Metrics.TotalRequests)
	assert.Equal(t, "75%", report.Metrics.ErrorRate)
}

func TestRateLimit_StoreFailure(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Limiter = ratelimit.New(ratelimit.DefaultLimits(), ratelimit.WithStore(failingStore{}))
	})

	rec := f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "x"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, common.CodeInternal, decodeError(t, rec).Code)
	assert.Equal(t, int32(0), f.provider.calls.Load())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.content = "ok"
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "x"}).Code)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report observability.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, observability.StatusHealthy, report.Status)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "esgflow_")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	const inbound = "3f0c1c2e-8a43-4c3e-9d0a-2a7d1f3e4b5c"
	tests := []struct {
		name    string
		header  string
		reuseIt bool
	}{
		{name: "well formed is reused", header: inbound, reuseIt: true},
		{name: "missing is generated", header: ""},
		{name: "garbage is replaced", header: "<script>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.reuseIt {
				assert.Equal(t, inbound, seen)
			} else {
				assert.NotEqual(t, tt.header, seen)
				assert.Len(t, seen, 36)
			}
		})
	}
}

func TestObserverFailuresDoNotBreakRequests(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Observer = panicObserver{} })
	f.provider.content = "fine"

	rec := f.do(t, http.MethodPost, "/api/complete", map[string]any{"prompt": "x"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

type panicObserver struct{}

func (panicObserver) LogEvent(_ slog.Level, _ string, _ map[string]any) { panic("down") }
func (panicObserver) RecordMetric(service.MetricEvent)                 { panic("down") }
