// Package aggregator holds the domain model of the blogroll crawler: sources,
// articles, statistic snapshots, the contracts of every external collaborator
// the pipeline talks to, and the small pure helpers shared between the
// ingestion, audit and statistics jobs.
package aggregator
