// Package pipeline moves discovered event sources through the ingestion
// stages: analysis of the page to pick a fetcher, extraction of event
// cards, and persistence. The orchestrator runs strictly sequential
// cycles over a QueueStore and shares one rate limiter for the external
// geocoding budget across all cycles.
package pipeline
