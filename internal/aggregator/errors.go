package aggregator

import "errors"

var (
	// ErrSourceUnreachable marks a feed that could not be fetched or parsed.
	ErrSourceUnreachable = errors.New("source unreachable")
	// ErrExtractionDegraded marks an article page that could not be read.
	ErrExtractionDegraded = errors.New("extraction degraded")
	// ErrDuplicateArticle is returned by stores when the article URL exists.
	ErrDuplicateArticle = errors.New("duplicate article")
	// ErrLivenessFailure marks an article URL that failed its reachability probe.
	ErrLivenessFailure = errors.New("liveness failure")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("not found")
	// ErrNoFeed is returned when a source has no feed endpoint.
	ErrNoFeed = errors.New("source has no feed")
)
