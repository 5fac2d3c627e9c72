package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/esg-flow/internal/cli"
	"github.com/Veraticus/esg-flow/internal/config"
	"github.com/Veraticus/esg-flow/internal/llm"
	"github.com/Veraticus/esg-flow/internal/observability"
	"github.com/Veraticus/esg-flow/internal/search"
)

func testConfig() *config.Config {
	return &config.Config{
		Flags: config.Flags{
			LLMProvider:        config.ProviderAuto,
			EnableWebSearch:    true,
			EnableMetrics:      true,
			EnableRateLimiting: true,
		},
		Secrets: config.Secrets{AnthropicAPIKey: "sk-ant-test"},
		LLM: config.LLMConfig{
			Temperature: 0.3,
			MaxTokens:   1024,
			Timeout:     time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		RateLimit: config.RateLimitConfig{
			Store:              config.StoreMemory,
			PerMinute:          10,
			PerHour:            100,
			CleanupProbability: 0.01,
		},
		Search:   config.SearchConfig{Concurrency: 3, Delay: 500 * time.Millisecond, MaxTokens: 1000},
		Document: config.DocumentConfig{Timeout: time.Minute, MaxFileSize: 1 << 20, MaxConcurrent: 2},
		Server:   config.ServerConfig{Address: ":0", RequestTimeout: time.Minute},
	}
}

func TestNewApp_AllFeatures(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, llm.ProviderAnthropic, a.provider)
	assert.NotNil(t, a.limiter)
	assert.NotNil(t, a.search)
	assert.NotNil(t, a.metrics)
	assert.Nil(t, a.cache)
	assert.Nil(t, a.redis)
	assert.Equal(t, 10, a.limiter.Limits().PerMinute)
	assert.Equal(t, int64(1<<20), a.documents.MaxFileSize())

	deps := a.serverDeps()
	assert.Same(t, a.search, deps.Search)
	assert.Same(t, a.limiter, deps.Limiter)
	assert.Equal(t, time.Minute, deps.RequestTimeout)

	families, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewApp_DisabledFeatures(t *testing.T) {
	cfg := testConfig()
	cfg.Flags.EnableWebSearch = false
	cfg.Flags.EnableRateLimiting = false
	cfg.Flags.EnableMetrics = false
	cfg.LLM.CacheTTL = time.Minute

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.search)
	assert.Nil(t, a.limiter)
	assert.Nil(t, a.metrics)
	assert.NotNil(t, a.cache)

	deps := a.serverDeps()
	assert.Nil(t, deps.Search)
	assert.Nil(t, deps.Limiter)
}

func TestNewApp_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Secrets = config.Secrets{OpenAIAPIKey: "sk-test"}
	cfg.RateLimit.Store = config.StoreRedis
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), Prefix: "test:"}

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.redis)
	require.NoError(t, a.limiter.Admit(context.Background(), "10.0.0.1"))
	assert.True(t, mr.Exists("test:10.0.0.1"))

	report := a.health.Check(context.Background())
	assert.Equal(t, "ok", report.Dependencies["redis"])

	mr.Close()
	report = a.health.Check(context.Background())
	assert.NotEqual(t, "ok", report.Dependencies["redis"])
	assert.Equal(t, observability.StatusDegraded, report.Status)
}

func TestSearchQueries(t *testing.T) {
	tests := []struct {
		name    string
		preset  string
		extra   []string
		want    int
		wantErr bool
	}{
		{name: "track record", preset: "track_record", want: len(search.TrackRecordQueries)},
		{name: "esg practices plus extra", preset: "esg_practices", extra: []string{"board diversity"}, want: len(search.ESGPracticeQueries) + 1},
		{name: "custom only", extra: []string{"a", " ", "b"}, want: 2},
		{name: "nothing", wantErr: true},
		{name: "unknown preset", preset: "rumours", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := searchQueries(tt.preset, tt.extra)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestSearchQueries_DoesNotAliasPresets(t *testing.T) {
	got, err := searchQueries("track_record", []string{"extra"})
	require.NoError(t, err)
	got[0] = "changed"
	assert.NotEqual(t, "changed", search.TrackRecordQueries[0])
}

func TestSearchBanner(t *testing.T) {
	out := searchBanner("Acme Capital", 5, 0)
	assert.Contains(t, out, "Acme Capital")
	assert.Contains(t, out, cli.LeafIcon)
	assert.Contains(t, out, cli.SearchIcon)
	assert.Contains(t, out, fmt.Sprintf("5 queries, %d at a time", search.DefaultConcurrency))
}

func TestRenderHealth(t *testing.T) {
	out := renderHealth(observability.HealthReport{
		Status:       observability.StatusDegraded,
		Version:      "1.2.3",
		Dependencies: map[string]string{"redis": "connection refused"},
		APIKeys:      config.KeyStatus{OpenAI: true},
	})

	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "redis: connection refused")
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.Run(cmd, nil)
	assert.Equal(t, "esgflow dev\n", buf.String())
}
