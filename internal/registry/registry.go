package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
)

// Seed is one entry of a sources file. Empty fields are discovered.
type Seed struct {
	URL         string `yaml:"url"`
	Name        string `yaml:"name"`
	RSS         string `yaml:"rss"`
	Description string `yaml:"description"`
	Cover       string `yaml:"cover"`
}

type seedFile struct {
	Sources []Seed `yaml:"sources"`
}

type discoverer interface {
	Discover(ctx context.Context, homepage string) (Metadata, error)
}

// Registry creates sources.
type Registry struct {
	sources  aggregator.SourceStore
	discover discoverer
	ids      aggregator.IDGenerator
	clock    aggregator.Clock
	logger   *zap.Logger
}

// New wires a Registry. discover may be nil, which disables discovery.
func New(sources aggregator.SourceStore, discover discoverer, ids aggregator.IDGenerator, clock aggregator.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{sources: sources, discover: discover, ids: ids, clock: clock, logger: logger.Named("registry")}
}

// Register canonicalizes seed.URL and stores a new source, filling empty
// fields from the homepage. Registering a known URL returns the stored source
// and created=false.
func (r *Registry) Register(ctx context.Context, seed Seed) (aggregator.Source, bool, error) {
	canonical, err := aggregator.CanonicalSourceURL(seed.URL)
	if err != nil {
		return aggregator.Source{}, false, fmt.Errorf("register %q: %w", seed.URL, err)
	}
	existing, err := r.sources.GetSourceByURL(ctx, canonical)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, aggregator.ErrNotFound):
		return aggregator.Source{}, false, fmt.Errorf("lookup source: %w", err)
	}

	source := aggregator.Source{
		URL:         canonical,
		Name:        strings.TrimSpace(seed.Name),
		RSS:         strings.TrimSpace(seed.RSS),
		Description: strings.TrimSpace(seed.Description),
		Cover:       strings.TrimSpace(seed.Cover),
		CreatedAt:   r.clock.Now(),
	}
	if r.discover != nil && needsDiscovery(source) {
		meta, err := r.discover.Discover(ctx, canonical)
		if err != nil {
			r.logger.Warn("metadata discovery failed", zap.String("url", canonical), zap.Error(err))
		} else {
			fill(&source, meta)
		}
	}
	if source.Name == "" {
		source.Name = aggregator.HostNamespace(canonical)
	}
	if source.RSS == "" {
		r.logger.Warn("source registered without feed", zap.String("url", canonical))
	}

	if source.ID, err = r.ids.NewID(); err != nil {
		return aggregator.Source{}, false, fmt.Errorf("generate source id: %w", err)
	}
	if err := r.sources.CreateSource(ctx, source); err != nil {
		return aggregator.Source{}, false, fmt.Errorf("create source: %w", err)
	}
	r.logger.Info("source registered", zap.String("url", canonical), zap.String("rss", source.RSS))
	return source, true, nil
}

// Refresh re-runs discovery for a stored source. Discovered values replace
// stored ones; fields the homepage no longer advertises are kept.
func (r *Registry) Refresh(ctx context.Context, sourceID string) (aggregator.SourceMetadata, error) {
	if r.discover == nil {
		return aggregator.SourceMetadata{}, errors.New("discovery disabled")
	}
	source, err := r.sources.GetSource(ctx, sourceID)
	if err != nil {
		return aggregator.SourceMetadata{}, fmt.Errorf("load source: %w", err)
	}
	meta, err := r.discover.Discover(ctx, source.URL)
	if err != nil {
		return aggregator.SourceMetadata{}, fmt.Errorf("discover %s: %w", source.URL, err)
	}
	update := aggregator.SourceMetadata{
		Name:        firstNonEmpty(meta.Name, source.Name),
		RSS:         firstNonEmpty(meta.RSS, source.RSS),
		Description: firstNonEmpty(meta.Description, source.Description),
		Cover:       firstNonEmpty(meta.Favicon, source.Cover),
	}
	if err := r.sources.UpdateSourceMetadata(ctx, sourceID, update); err != nil {
		return aggregator.SourceMetadata{}, fmt.Errorf("update source metadata: %w", err)
	}
	return update, nil
}

// Lookup finds a stored source by homepage URL in any spelling that
// canonicalizes to it.
func (r *Registry) Lookup(ctx context.Context, rawURL string) (aggregator.Source, error) {
	canonical, err := aggregator.CanonicalSourceURL(rawURL)
	if err != nil {
		return aggregator.Source{}, fmt.Errorf("lookup %q: %w", rawURL, err)
	}
	source, err := r.sources.GetSourceByURL(ctx, canonical)
	if err != nil {
		return aggregator.Source{}, fmt.Errorf("lookup %s: %w", canonical, err)
	}
	return source, nil
}

// ResetCrawlError zeroes a source's crawl error counter. It is the only path
// that lowers the counter.
func (r *Registry) ResetCrawlError(ctx context.Context, rawURL string) (aggregator.Source, error) {
	source, err := r.Lookup(ctx, rawURL)
	if err != nil {
		return aggregator.Source{}, err
	}
	if err := r.sources.ResetSourceCrawlError(ctx, source.ID); err != nil {
		return aggregator.Source{}, fmt.Errorf("reset crawl error: %w", err)
	}
	r.logger.Info("crawl error reset",
		zap.String("url", source.URL),
		zap.Int64("previous", source.CrawlError),
	)
	source.CrawlError = 0
	return source, nil
}

// ImportReport summarizes a seed import.
type ImportReport struct {
	Created int `json:"created"`
	Existed int `json:"existed"`
	Failed  int `json:"failed"`
}

// ImportFile registers every source listed in a YAML seed file.
func (r *Registry) ImportFile(ctx context.Context, path string) (ImportReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ImportReport{}, fmt.Errorf("read seed file: %w", err)
	}
	seeds, err := ParseSeeds(raw)
	if err != nil {
		return ImportReport{}, err
	}
	return r.Import(ctx, seeds), nil
}

// Import registers seeds one by one. Failures are logged and counted.
func (r *Registry) Import(ctx context.Context, seeds []Seed) ImportReport {
	var report ImportReport
	for _, seed := range seeds {
		_, created, err := r.Register(ctx, seed)
		switch {
		case err != nil:
			report.Failed++
			r.logger.Warn("seed skipped", zap.String("url", seed.URL), zap.Error(err))
		case created:
			report.Created++
		default:
			report.Existed++
		}
	}
	return report
}

// ParseSeeds decodes a seed file.
func ParseSeeds(raw []byte) ([]Seed, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return file.Sources, nil
}

func needsDiscovery(s aggregator.Source) bool {
	return s.RSS == "" || s.Name == "" || s.Description == "" || s.Cover == ""
}

func fill(source *aggregator.Source, meta Metadata) {
	if source.Name == "" {
		source.Name = meta.Name
	}
	if source.Description == "" {
		source.Description = meta.Description
	}
	if source.RSS == "" {
		source.RSS = meta.RSS
	}
	if source.Cover == "" {
		source.Cover = meta.Favicon
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
