package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/ilicrawler/internal/config"
	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epidata"
	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
	"github.com/TobiSchelling/ilicrawler/internal/ingest"
	"github.com/TobiSchelling/ilicrawler/internal/observability"
	"github.com/TobiSchelling/ilicrawler/internal/releases"
	"github.com/TobiSchelling/ilicrawler/internal/report"
	"github.com/TobiSchelling/ilicrawler/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ilicrawler",
	Short: "FluView ILI ingest",
	Long: "ilicrawler downloads CDC FluView influenza-like-illness data from the Delphi Epidata API\n" +
		"one year at a time and keeps a local SQLite copy keyed by (region, epiweek).\n\n" +
		"Running it without a subcommand performs an ingest.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadEnv(".env", filepath.Join(config.ConfigDir(), ".env")); err != nil {
			return err
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger, err = observability.NewLogger(cfg.Logging.Level, verbose)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		if path != "" {
			logger.Debug("Loaded config", zap.String("path", path))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: runIngest,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	addYearFlags(rootCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(releasesCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ilicrawler", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/ilicrawler/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Set FLUVIEW_API_KEY in your environment or a .env file before running an ingest.")
		return nil
	},
}

// --- ingest command ---

var (
	startYear int
	endYear   int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch FluView ILI data year by year and upsert it into SQLite",
	RunE:  runIngest,
}

func init() {
	addYearFlags(ingestCmd)
}

func addYearFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&startYear, "start-year", 0, "First year to fetch (default from config)")
	cmd.Flags().IntVar(&endYear, "end-year", 0, "Last year to fetch (default from config)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	// The credential is checked before the database is touched.
	apiKey, err := cfg.APIKey()
	if err != nil {
		return err
	}

	start, end := cfg.Source.StartYear, cfg.Source.EndYear
	if cmd.Flags().Changed("start-year") {
		start = startYear
	}
	if cmd.Flags().Changed("end-year") {
		end = endYear
	}
	if start > end {
		return fmt.Errorf("start year %d is after end year %d", start, end)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := epidata.NewClient(epidata.Options{
		Endpoint:   cfg.Source.Endpoint,
		APIKey:     apiKey,
		DataSource: cfg.Source.DataSource,
		Metrics:    cfg.Source.Metrics,
		Regions:    cfg.Source.Regions,
		Timeout:    cfg.Source.Timeout,
	}, logger)

	logger.Info("Starting ingest",
		zap.Int("start_year", start),
		zap.Int("end_year", end),
		zap.Int("regions", len(cfg.Source.Regions)),
		zap.String("db", db.Path()),
	)

	result, err := ingest.New(client, db, cfg.Source.RequestInterval, logger).Run(ctx, start, end)
	if result != nil {
		fmt.Println("\nIngest complete:")
		fmt.Printf("  Years: %d-%d\n", start, end)
		fmt.Printf("  Rows written: %d\n", result.RowsWritten)
		fmt.Printf("  Years ok: %d, empty: %d, failed: %d\n",
			result.Count(ingest.OutcomeOK), result.Count(ingest.OutcomeEmpty), result.Count(ingest.OutcomeFailed))
		for _, y := range result.Years {
			if y.Outcome == ingest.OutcomeFailed && y.Err != nil {
				fmt.Printf("  %d failed: %v\n", y.Year, y.Err)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("ingest aborted: %w", err)
	}
	return nil
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and last run status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Observations:")
		fmt.Printf("  Rows: %d\n", stats.Observations)
		fmt.Printf("  Regions: %d\n", stats.Regions)
		if stats.LastEpiweek > 0 {
			fmt.Printf("  Range: %s to %s\n", epiweek.Format(stats.FirstEpiweek), epiweek.Format(stats.LastEpiweek))
		}
		fmt.Printf("\nReleases: %d\n", stats.Releases)
		fmt.Printf("Ingest runs: %d\n", stats.Runs)

		run, err := db.GetLastRun()
		if err != nil {
			return fmt.Errorf("getting last run: %w", err)
		}
		if run != nil {
			fmt.Println("\nLast run:")
			fmt.Printf("  Started: %s\n", run.StartedAt)
			if run.FinishedAt != nil {
				fmt.Printf("  Finished: %s\n", *run.FinishedAt)
			} else {
				fmt.Println("  Finished: (did not finish)")
			}
			fmt.Printf("  Years: %d-%d\n", run.StartYear, run.EndYear)
			fmt.Printf("  Rows written: %d\n", run.RowsWritten)
			fmt.Printf("  Years ok: %d, empty: %d, failed: %d\n", run.YearsOK, run.YearsEmpty, run.YearsFailed)
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard and JSON data API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Serve(ctx, db, port, cfg.Report.TopRegions, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3000, "Port to run server on")
}

// --- report command ---

var (
	reportWeek int
	reportTop  int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a markdown summary of one epiweek",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		top := cfg.Report.TopRegions
		if cmd.Flags().Changed("top") {
			top = reportTop
		}

		rep, err := report.NewComposer(db).Compose(reportWeek, top)
		if err != nil {
			return err
		}
		fmt.Println(rep.Markdown)
		return nil
	},
}

func init() {
	reportCmd.Flags().IntVar(&reportWeek, "week", 0, "Epiweek as YYYYWW (default latest)")
	reportCmd.Flags().IntVar(&reportTop, "top", 10, "Number of regions to list")
}

// --- releases command ---

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "Check configured feeds for new surveillance report releases",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Releases.Enabled || len(cfg.Releases.Feeds) == 0 {
			fmt.Println("Release watching is off. Set releases.enabled and add releases.feeds in config.yaml.")
			return nil
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := releases.NewWatcher(cfg.Releases, db, logger).Check(ctx)
		if result != nil {
			fmt.Println("\nRelease check complete:")
			fmt.Printf("  Found: %d\n", result.Found)
			fmt.Printf("  New: %d\n", result.New)
			fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)
			fmt.Printf("  Pages fetched: %d, failed: %d\n", result.Fetched, result.Failed)
		}
		return err
	},
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath(), logger)
}
