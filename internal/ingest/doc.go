// Package ingest turns feed entries into stored articles. Ingestor handles a
// single candidate; Orchestrator drives whole sources and full cycles.
package ingest
