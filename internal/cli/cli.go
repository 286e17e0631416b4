package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citypulse/eventharvest/internal/config"
	"github.com/citypulse/eventharvest/internal/fetch"
	"github.com/citypulse/eventharvest/internal/geocode"
	"github.com/citypulse/eventharvest/internal/logger"
	"github.com/citypulse/eventharvest/internal/pipeline"
	"github.com/citypulse/eventharvest/internal/scrape"
	"github.com/citypulse/eventharvest/internal/storage"
)

// ExitError is the process exit code for any failed command.
const ExitError = 1

var (
	flagSources = "sources.yaml"
	flagFormat  = "text"
	flagVerbose bool
)

// app is the assembled application: the orchestrator plus the backends it
// runs against.
type app struct {
	orch    *pipeline.Orchestrator
	sources *config.Sources
	close   func()
}

// setup loads configuration and wires the store, fetcher, geocoder, and
// orchestrator together.
func setup(ctx context.Context) (*app, error) {
	settings := config.LoadSettings()

	level := logger.LevelInfo
	if flagVerbose || strings.EqualFold(settings.LogLevel, "debug") {
		level = logger.LevelDebug
	}
	logger.SetDefault(logger.New(level, os.Stderr))

	sources, err := config.LoadSources(flagSources)
	if err != nil {
		return nil, err
	}

	var (
		store    scrape.EventStore
		runLog   scrape.RunLog
		queue    pipeline.QueueStore
		closeFns []func()
	)
	if settings.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, settings.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		store, runLog, queue = pg, pg, pg
		closeFns = append(closeFns, pg.Close)
	} else {
		fs, err := storage.NewFileStore(settings.DataDir)
		if err != nil {
			return nil, err
		}
		store, runLog, queue = fs, fs, fs
	}

	fetcher := fetch.NewClient(fetch.Config{})

	var geocoder geocode.Lookup
	if settings.GeocodeBaseURL != "" {
		geocoder = geocode.NewClient(settings.GeocodeBaseURL, settings.GeocodeAPIKey).
			WithCache(geocode.NewCache(0))
	}

	harvester := NewHarvester(sources, settings, fetcher, store, runLog, queue, geocoder)
	orch := pipeline.New(queue, harvester.Workers(), pipeline.Config{
		MaxCycles:      settings.MaxCycles,
		ClaimLimit:     settings.ClaimLimit,
		MaxAttempts:    settings.MaxAttempts,
		GeocodeRPS:     settings.GeocodeRPS,
		GeocodePercent: settings.GeocodePercent,
	})

	return &app{
		orch:    orch,
		sources: sources,
		close: func() {
			for _, fn := range closeFns {
				fn()
			}
		},
	}, nil
}

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventharvest",
		Short: "Harvest event listings from configured sources",
		Long: `eventharvest drives event listing pages through an ingestion pipeline:
fetcher-routing analysis, an extraction waterfall (hydration payloads,
structured data, feeds, DOM fallback), and deduplicated persistence.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flagSources, "sources", "sources.yaml", "Path to the YAML source list")
	cmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "Output format: text or json")
	cmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newRunStageCmd())
	cmd.AddCommand(newRunAllCmd())
	cmd.AddCommand(newAutoCmd())
	cmd.AddCommand(newResetFailedCmd())

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline backlog per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			backlog, err := a.orch.Status(cmd.Context())
			if err != nil {
				return err
			}
			return WriteStatus(os.Stdout, backlog, parseFormat(flagFormat))
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Enqueue the configured sources and run fetcher analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			enqueued := 0
			for _, src := range a.sources.Sources {
				if _, err := a.orch.Discover(ctx, src.Name, src.URL, src.Priority); err != nil {
					return err
				}
				enqueued++
			}
			processed, err := a.orch.DiscoveryOnly(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %d sources, analyzed %d.\n", enqueued, processed)
			return nil
		},
	}
}

func newRunStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-stage <stage>",
		Short: "Run one stage worker once (analyzing, extracted, or indexed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.ParseStage(args[0])
			if err != nil {
				return err
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			processed, err := a.orch.RunStage(cmd.Context(), stage)
			if err != nil {
				return err
			}
			fmt.Printf("Processed %d items in stage %s.\n", processed, stage)
			return nil
		},
	}
}

func newRunAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run every stage worker once, in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			processed, err := a.orch.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Processed %d items.\n", processed)
			return nil
		},
	}
}

func newAutoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto",
		Short: "Cycle the full pipeline until the backlog drains",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			cycles, err := a.orch.AutoProcess(ctx)
			if err != nil {
				return err
			}
			logger.Info("run metrics", logger.Fields(logger.MetricsSnapshot()))

			backlog, statusErr := a.orch.Status(ctx)
			if statusErr != nil {
				return statusErr
			}
			fmt.Printf("Ran %d cycles.\n", cycles)
			return WriteStatus(os.Stdout, backlog, parseFormat(flagFormat))
		},
	}
}

func newResetFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failed",
		Short: "Return failed items to the discovery stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.orch.ResetFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d items.\n", n)
			return nil
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}
}
