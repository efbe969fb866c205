package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blogroll-crawler/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Port: 8080, ShutdownTimeout: 5},
		Logging:   config.LoggingConfig{Level: "error"},
		Crawler:   config.CrawlerConfig{UserAgent: "test", Concurrency: 2, TimeoutSeconds: 5},
		Extractor: config.ExtractorConfig{Strategy: "readability", MaxAttempts: 1},
		Enrich:    config.EnrichConfig{Provider: "none"},
		Image:     config.ImageConfig{Enabled: true},
		Storage:   config.StorageConfig{Backend: "memory"},
		Database:  config.DatabaseConfig{Backend: "memory"},
		PubSub:    config.PubSubConfig{TopicName: "article-ingested"},
		Audit:     config.AuditConfig{BatchSize: 10, DeleteThreshold: 3, Concurrency: 1, ProbeAttempts: 1},
		Schedule: config.ScheduleConfig{
			Ingest:            "0 0 0-16/2 * * *",
			Audit:             "0 0 19 * * *",
			Statistics:        "0 0 17 * * *",
			JobTimeoutMinutes: 1,
		},
	}
}

func TestBuildWiresMemoryBackends(t *testing.T) {
	cfg := memoryConfig()
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.Store)
	require.NotNil(t, app.Orchestrator)
	require.NotNil(t, app.Auditor)
	require.NotNil(t, app.Snapshotter)
	require.NotNil(t, app.Registry)

	var names []string
	for _, job := range app.Scheduler.Jobs() {
		names = append(names, job.Name)
	}
	require.ElementsMatch(t, []string{JobIngest, JobAudit, JobStatistics}, names)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildSnapshotOnEmptyStore(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	snap, err := app.Snapshotter.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, snap.WebsiteCount)
	require.Zero(t, snap.ArticleCount)
}

func TestBuildRejectsBadOllamaHost(t *testing.T) {
	cfg := memoryConfig()
	cfg.Enrich.Provider = "ollama"
	cfg.Enrich.OllamaHost = "://bad"

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
}

func TestBuildRejectsBadSchedule(t *testing.T) {
	cfg := memoryConfig()
	cfg.Schedule.Audit = "not a cron"

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "register job audit")
}
