package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/dispatcher"
	"github.com/JakeFAU/blogroll-crawler/internal/metrics"
)

// Stage names the step a source reached during ingestion.
type Stage string

// Source ingestion stages.
const (
	StageFetchingFeed     Stage = "fetching_feed"
	StageIngestingEntries Stage = "ingesting_entries"
	StageUpdatingCounts   Stage = "updating_counts"
	StageDone             Stage = "done"
)

// adder is the part of Ingestor the orchestrator needs.
type adder interface {
	AddArticle(ctx context.Context, c aggregator.Candidate) (aggregator.AddResult, error)
}

// OrchestratorConfig controls a cycle.
type OrchestratorConfig struct {
	// Concurrency is the number of sources processed in parallel.
	Concurrency int
}

// SourceReport summarizes one source pass.
type SourceReport struct {
	SourceID    string `json:"source_id"`
	URL         string `json:"url"`
	Stage       Stage  `json:"stage"`
	Entries     int    `json:"entries"`
	Added       int    `json:"added"`
	EntryErrors int    `json:"entry_errors"`
	// HitExisting is set when the pass stopped at an already stored entry.
	HitExisting bool   `json:"hit_existing"`
	Error       string `json:"error,omitempty"`
}

// CycleReport summarizes a full ingestion cycle.
type CycleReport struct {
	Sources      int            `json:"sources"`
	Processed    int            `json:"processed"`
	FailedSource int            `json:"failed_sources"`
	Added        int            `json:"added"`
	Reports      []SourceReport `json:"reports"`
}

// Orchestrator runs sources through feed fetch, article ingestion and
// aggregate recomputation.
type Orchestrator struct {
	sources  aggregator.SourceStore
	articles aggregator.ArticleStore
	feeds    aggregator.FeedFetcher
	adder    adder
	cfg      OrchestratorConfig
	logger   *zap.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(
	sources aggregator.SourceStore,
	articles aggregator.ArticleStore,
	feeds aggregator.FeedFetcher,
	ingestor adder,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sources:  sources,
		articles: articles,
		feeds:    feeds,
		adder:    ingestor,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
}

// IngestSource processes one source. A failed pass increments the source's
// crawl error counter exactly once. A pass cut short by ctx is not counted
// against the source.
func (o *Orchestrator) IngestSource(ctx context.Context, source aggregator.Source) (SourceReport, error) {
	report := SourceReport{SourceID: source.ID, URL: source.URL, Stage: StageFetchingFeed}
	if source.RSS == "" {
		report.Error = aggregator.ErrNoFeed.Error()
		return report, fmt.Errorf("ingest %s: %w", source.URL, aggregator.ErrNoFeed)
	}
	logger := o.logger.With(zap.String("source", source.URL))

	err := o.ingest(ctx, source, &report, logger)
	if err != nil {
		report.Error = err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("source ingestion interrupted", zap.String("stage", string(report.Stage)), zap.Error(ctxErr))
			return report, fmt.Errorf("ingest %s: %w", source.URL, ctxErr)
		}
		if incErr := o.sources.IncrementSourceCrawlError(ctx, source.ID, 1); incErr != nil {
			logger.Error("increment crawl error failed", zap.Error(incErr))
		}
		logger.Warn("source ingestion failed", zap.String("stage", string(report.Stage)), zap.Error(err))
		return report, fmt.Errorf("ingest %s: %w", source.URL, err)
	}
	report.Stage = StageDone
	logger.Info("source ingested",
		zap.Int("entries", report.Entries),
		zap.Int("added", report.Added),
		zap.Bool("hit_existing", report.HitExisting),
	)
	return report, nil
}

func (o *Orchestrator) ingest(ctx context.Context, source aggregator.Source, report *SourceReport, logger *zap.Logger) error {
	entries, err := o.feeds.Fetch(ctx, source.RSS)
	if err != nil {
		metrics.ObserveFeedFetch("error")
		return err
	}
	metrics.ObserveFeedFetch("ok")
	report.Entries = len(entries)

	report.Stage = StageIngestingEntries
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ingest entries: %w", err)
		}
		result, err := o.adder.AddArticle(ctx, aggregator.Candidate{Source: source, Entry: entry})
		if err != nil {
			report.EntryErrors++
			logger.Warn("entry skipped", zap.String("url", entry.Link), zap.Error(err))
			continue
		}
		if result.Status == aggregator.StatusExists {
			report.HitExisting = true
			break
		}
		report.Added++
	}

	report.Stage = StageUpdatingCounts
	if _, err := aggregator.RecomputeSourceAggregates(ctx, o.articles, o.sources, source.ID); err != nil {
		return fmt.Errorf("update counts: %w", err)
	}
	return nil
}

// RunCycle ingests every registered source. Only failing to list the sources
// aborts the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	sources, err := o.sources.ListSources(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("list sources: %w", err)
	}

	var (
		mu     sync.Mutex
		report = CycleReport{Sources: len(sources)}
	)
	pool := dispatcher.New(o.cfg.Concurrency, func(ctx context.Context, source aggregator.Source) {
		sourceReport, err := o.IngestSource(ctx, source)
		mu.Lock()
		defer mu.Unlock()
		report.Reports = append(report.Reports, sourceReport)
		report.Added += sourceReport.Added
		if err != nil {
			report.FailedSource++
		}
	})
	report.Processed = pool.Run(ctx, sources)

	sort.Slice(report.Reports, func(a, b int) bool {
		return report.Reports[a].URL < report.Reports[b].URL
	})
	o.logger.Info("ingestion cycle finished",
		zap.Int("sources", report.Sources),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.FailedSource),
		zap.Int("added", report.Added),
	)
	return report, nil
}

// IngestByURL runs a single source identified by its homepage URL.
func (o *Orchestrator) IngestByURL(ctx context.Context, rawURL string) (SourceReport, error) {
	canonical, err := aggregator.CanonicalSourceURL(rawURL)
	if err != nil {
		return SourceReport{}, err
	}
	source, err := o.sources.GetSourceByURL(ctx, canonical)
	if err != nil {
		if errors.Is(err, aggregator.ErrNotFound) {
			return SourceReport{}, fmt.Errorf("source %s: %w", canonical, aggregator.ErrNotFound)
		}
		return SourceReport{}, fmt.Errorf("lookup source: %w", err)
	}
	if source.RSS == "" {
		return SourceReport{URL: source.URL}, fmt.Errorf("source %s: %w", canonical, aggregator.ErrNoFeed)
	}
	return o.IngestSource(ctx, source)
}
