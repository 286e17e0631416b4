// Package storage persists scraped events, the pipeline queue, and run
// records. Two backends implement the same collaborator interfaces: a
// JSON file store for local runs and tests, and a Postgres store whose
// queue claims are safe across concurrent processes.
package storage
