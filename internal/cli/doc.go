// Package cli implements the command-line interface for eventharvest.
//
// The cli package provides the Cobra-based CLI with subcommands for
// inspecting the pipeline backlog, enqueueing configured sources, running
// individual stage workers, and cycling the whole pipeline. It assembles
// the storage backend, fetcher, geocoder, and orchestrator from the
// environment and the YAML source list.
package cli
