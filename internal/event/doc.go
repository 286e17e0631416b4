// Package event provides the data model shared across the ingestion pipeline.
//
// A RawEventCard is the unit every extraction strategy produces: free-text
// fields straight off the page, immutable once created. A ScrapedEvent is the
// normalized record a scraper strategy assembles for persistence. Both carry
// deterministic identity helpers (SHA1-based IDs and normalized stable keys)
// so that records can be tracked reliably across runs.
package event
