package aggregator

import (
	"context"
	"fmt"
)

// UncategorizedTopic is the histogram bucket for articles without a topic.
const UncategorizedTopic = "uncategorized"

// ComputeSourceAggregates derives counters and the topic histogram from the
// articles of one source. LastPublish is the newest publish date, or nil when
// the source has no articles.
func ComputeSourceAggregates(articles []Article) SourceAggregates {
	agg := SourceAggregates{
		ArticleCount: int64(len(articles)),
		Categories:   make(map[string]int),
	}
	for i := range articles {
		a := &articles[i]
		agg.PageView += a.PageView
		topic := UncategorizedTopic
		if a.Topic != nil && *a.Topic != "" {
			topic = *a.Topic
		}
		agg.Categories[topic]++
		if a.PublishDate.IsZero() {
			continue
		}
		if agg.LastPublish == nil || a.PublishDate.After(*agg.LastPublish) {
			published := a.PublishDate
			agg.LastPublish = &published
		}
	}
	return agg
}

// RecomputeSourceAggregates reloads the source's aggregates and overwrites
// the stored ones. The values are recomputed, never incremented. Stores that
// implement SourceAggregateReader compute them in place.
func RecomputeSourceAggregates(ctx context.Context, articles ArticleStore, sources SourceStore, sourceID string) (SourceAggregates, error) {
	var agg SourceAggregates
	if reader, ok := articles.(SourceAggregateReader); ok {
		computed, err := reader.AggregateSourceArticles(ctx, sourceID)
		if err != nil {
			return SourceAggregates{}, fmt.Errorf("aggregate source articles: %w", err)
		}
		agg = computed
	} else {
		list, err := articles.ListSourceArticles(ctx, sourceID)
		if err != nil {
			return SourceAggregates{}, fmt.Errorf("list source articles: %w", err)
		}
		agg = ComputeSourceAggregates(list)
	}
	if err := sources.SetSourceAggregates(ctx, sourceID, agg); err != nil {
		return SourceAggregates{}, fmt.Errorf("set source aggregates: %w", err)
	}
	return agg, nil
}
