package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/0xKirisame/hokori/internal/analysis"
	"github.com/0xKirisame/hokori/internal/config"
	"github.com/0xKirisame/hokori/internal/generator"
	"github.com/0xKirisame/hokori/internal/metrics"
	"github.com/0xKirisame/hokori/internal/scraper"
	"github.com/0xKirisame/hokori/internal/snapshot"
	"github.com/0xKirisame/hokori/internal/storage"
	"github.com/0xKirisame/hokori/internal/taxonomy"
)

// contextKey is a private type to avoid key collisions in context.
type contextKey int

const (
	keyConfig contextKey = iota
	keyDB
	keyMetrics
	keyLogger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// --- context helpers (safe type assertions) ---

func ctxConfig(ctx context.Context) (*config.Config, bool) {
	v, ok := ctx.Value(keyConfig).(*config.Config)
	return v, ok && v != nil
}

func ctxDB(ctx context.Context) (*storage.DB, bool) {
	v, ok := ctx.Value(keyDB).(*storage.DB)
	return v, ok && v != nil
}

func ctxMetrics(ctx context.Context) (*metrics.Metrics, bool) {
	v, ok := ctx.Value(keyMetrics).(*metrics.Metrics)
	return v, ok && v != nil
}

func ctxLogger(ctx context.Context) (*slog.Logger, bool) {
	v, ok := ctx.Value(keyLogger).(*slog.Logger)
	return v, ok && v != nil
}

// mustFromCtx is used in RunE handlers where PersistentPreRunE guarantees values are set.
// It panics only if there is a programming error (PersistentPreRunE was bypassed).
func mustFromCtx(cmd *cobra.Command) (*config.Config, *storage.DB, *metrics.Metrics, *slog.Logger) {
	ctx := cmd.Context()
	cfg, ok1 := ctxConfig(ctx)
	db, ok2 := ctxDB(ctx)
	m, ok3 := ctxMetrics(ctx)
	log, ok4 := ctxLogger(ctx)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		panic("BUG: context values not set, PersistentPreRunE must have been skipped")
	}
	return cfg, db, m, log
}

// --- Root command ---

func rootCmd() *cobra.Command {
	var cfgPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "hokori",
		Short: "Find unused AWS IAM entities and least-privilege tiers",
		Long: `hokori snapshots an account's IAM configuration and Access Advisor data,
reports unused users, roles, credentials, policies, groups and policy
attachments, and classifies human users into Admin, PowerUser and ReadOnly
tiers. Requires read-only IAM access.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for init, it needs no config or DB.
			if cmd.Name() == "init" {
				return nil
			}

			log := newLogger(verbose)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			db, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}

			m := metrics.New()

			ctx := context.WithValue(cmd.Context(), keyConfig, cfg)
			ctx = context.WithValue(ctx, keyDB, db)
			ctx = context.WithValue(ctx, keyMetrics, m)
			ctx = context.WithValue(ctx, keyLogger, log)
			cmd.SetContext(ctx)
			return nil
		},
	}

	defaultCfg := config.DefaultConfigPath()
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultCfg, "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")

	root.AddCommand(
		initCmd(),
		scanCmd(),
		analyzeCmd(),
		reportCmd(),
		generateCmd(),
		fetchTaxonomyCmd(),
		daemonCmd(),
	)

	return root
}

// --- init command ---

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.DefaultConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(os.Stderr, "Config already exists at %s\n", cfgPath)
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}

			cfg := config.DefaultConfig()
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling default config: %w", err)
			}

			if err := os.WriteFile(cfgPath, data, 0600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			fmt.Printf("Created config at %s\n", cfgPath)
			fmt.Printf("Edit the file to configure your AWS profile, threshold, and storage path,\n")
			fmt.Printf("then run 'hokori fetch-taxonomy' to download the IAM action taxonomy.\n")
			return nil
		},
	}
}

// --- scan command ---

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Capture a fresh IAM snapshot of the account and cache it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, m, log := mustFromCtx(cmd)
			defer db.Close()

			snap, err := captureSnapshot(cmd.Context(), cfg, db, m, log)
			if err != nil {
				return err
			}
			fmt.Printf("Captured snapshot of account %s: %d users, %d roles, %d groups, %d policies\n",
				snap.AccountID, len(snap.Users), len(snap.Roles), len(snap.Groups), len(snap.Policies))
			return nil
		},
	}
}

// captureSnapshot scrapes the account, stores the snapshot and purges
// snapshots older than the retention period.
func captureSnapshot(ctx context.Context, cfg *config.Config, db *storage.DB, m *metrics.Metrics, log *slog.Logger) (*snapshot.Snapshot, error) {
	sc, err := scraper.New(ctx, cfg.AWS, log, m)
	if err != nil {
		return nil, err
	}

	log.Info("capturing IAM snapshot...")
	snap, err := sc.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("scraping IAM: %w", err)
	}
	log.Info("IAM snapshot complete",
		"account", snap.AccountID, "users", len(snap.Users), "roles", len(snap.Roles))

	if err := db.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	if cfg.Storage.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Storage.RetentionDays)
		purged, err := db.PurgeSnapshots(ctx, cutoff)
		if err != nil {
			log.Warn("failed to purge old snapshots", "error", err)
		} else if purged > 0 {
			log.Info("purged old snapshots", "count", purged)
		}
	}
	return snap, nil
}

// --- analyze command ---

type analyzeOptions struct {
	snapshotPath string
	refresh      bool
	threshold    *int
}

func analyzeCmd() *cobra.Command {
	var opts analyzeOptions
	var threshold int

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a one-shot unused-entity and tier analysis",
		Long: `Analyzes the cached IAM snapshot (or a fresh one with --refresh, or a
snapshot JSON file with --snapshot) and stores the report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, m, log := mustFromCtx(cmd)
			defer db.Close()

			if cmd.Flags().Changed("threshold") {
				opts.threshold = &threshold
			}
			report, err := runAnalyze(cmd.Context(), cfg, db, m, log, opts)
			if err != nil {
				return err
			}
			printSummary(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.snapshotPath, "snapshot", "", "analyze a snapshot JSON file instead of the cached snapshot")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "capture a fresh snapshot before analyzing")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "unused threshold in days (overrides analysis.unused_threshold_days)")
	return cmd
}

// runAnalyze loads a snapshot and the action taxonomy, runs the analysis
// engine and stores the report.
func runAnalyze(ctx context.Context, cfg *config.Config, db *storage.DB, m *metrics.Metrics, log *slog.Logger, opts analyzeOptions) (*analysis.Report, error) {
	engineOpts := analysis.OptionsFromConfig(cfg.Analysis)
	if opts.threshold != nil {
		engineOpts.ThresholdDays = *opts.threshold
	}

	table, err := taxonomy.LoadFile(cfg.Taxonomy.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("action taxonomy not found at %s: run 'hokori fetch-taxonomy' first", cfg.Taxonomy.Path)
	}
	if err != nil {
		return nil, err
	}
	log.Debug("loaded action taxonomy", "services", table.Services(), "actions", table.Len())

	engine, err := analysis.NewEngine(engineOpts, table, log, m)
	if err != nil {
		return nil, err
	}

	snap, err := loadSnapshot(ctx, cfg, db, m, log, opts)
	if err != nil {
		return nil, err
	}

	report, err := engine.Run(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("running analysis: %w", err)
	}

	if err := db.SaveAnalysisResult(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

func loadSnapshot(ctx context.Context, cfg *config.Config, db *storage.DB, m *metrics.Metrics, log *slog.Logger, opts analyzeOptions) (*snapshot.Snapshot, error) {
	if opts.snapshotPath != "" {
		return snapshot.LoadFile(opts.snapshotPath)
	}
	if !opts.refresh {
		snap, ok, err := db.LatestSnapshot(ctx, "")
		if err != nil {
			return nil, err
		}
		if ok {
			log.Info("using cached snapshot", "account", snap.AccountID, "captured_at", snap.CapturedAt)
			return snap, nil
		}
		log.Info("no cached snapshot found")
	}
	return captureSnapshot(ctx, cfg, db, m, log)
}

func printSummary(r *analysis.Report) {
	u, c := r.Unused, r.Classification
	fmt.Printf("\n=== Hokori Analysis Results ===\n")
	fmt.Printf("Account: %s  Threshold: %d days\n", r.AccountID, r.ThresholdDays)
	fmt.Printf("Unused users: %d  roles: %d  access keys: %d  console logins: %d\n",
		len(u.Users), len(u.Roles), len(u.AccessKeys), len(u.LoginProfiles))
	fmt.Printf("Unattached policies: %d  redundant groups: %d  unused attachments: %d\n",
		len(u.Policies), len(u.Groups), len(u.PolicyAttachments))
	fmt.Printf("Tiers: %d Admin, %d PowerUser, %d ReadOnly, %d unchanged\n",
		len(c.Admins), len(c.Powerusers.Users), len(c.ReadOnly), len(c.UnchangedUsers))
	if len(r.Warnings) > 0 {
		fmt.Printf("Data quality warnings: %d (see 'hokori report')\n", len(r.Warnings))
	}
	fmt.Printf("\nRun 'hokori generate json' to export the full report.\n")
}

// --- report command ---

func reportCmd() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the latest analysis results from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, _, _ := mustFromCtx(cmd)
			defer db.Close()

			report, ok, err := db.GetLatestAnalysisResult(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("getting analysis results: %w", err)
			}
			if !ok {
				fmt.Println("No analysis results found. Run 'hokori analyze' first.")
				return nil
			}
			if err := (&generator.TableGenerator{}).Generate(report, os.Stdout); err != nil {
				return err
			}

			if history > 0 {
				runs, err := db.ListAnalysisSummaries(cmd.Context(), history)
				if err != nil {
					return fmt.Errorf("getting analysis history: %w", err)
				}
				generator.RenderHistory(os.Stdout, runs)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&history, "history", 10, "number of past runs to list (0 to hide)")
	return cmd
}

// --- generate command ---

func generateCmd() *cobra.Command {
	var outputFile string

	gen := &cobra.Command{
		Use:   "generate [json|yaml|table]",
		Short: "Generate output from the latest analysis results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, _, _ := mustFromCtx(cmd)
			defer db.Close()

			g, err := generator.New(args[0])
			if err != nil {
				return err
			}

			report, ok, err := db.GetLatestAnalysisResult(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("getting analysis results: %w", err)
			}
			if !ok {
				fmt.Println("No analysis results found. Run 'hokori analyze' first.")
				return nil
			}

			if outputFile == "" || outputFile == "-" {
				return g.Generate(report, os.Stdout)
			}

			f, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()

			if err := g.Generate(report, f); err != nil {
				return err
			}
			fmt.Printf("Output written to %s\n", outputFile)
			return nil
		},
	}

	gen.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	return gen
}

// --- fetch-taxonomy command ---

func fetchTaxonomyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-taxonomy",
		Short: "Download the IAM action taxonomy used for privilege levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, _, log := mustFromCtx(cmd)
			defer db.Close()

			log.Info("downloading action taxonomy", "url", cfg.Taxonomy.URL)
			client := &http.Client{Timeout: 2 * time.Minute}
			table, err := taxonomy.Fetch(cmd.Context(), client, cfg.Taxonomy.URL, cfg.Taxonomy.Path)
			if err != nil {
				return fmt.Errorf("fetching action taxonomy: %w", err)
			}
			fmt.Printf("Saved %d actions across %d services to %s\n", table.Len(), table.Services(), cfg.Taxonomy.Path)
			return nil
		},
	}
}

// --- daemon command ---

func daemonCmd() *cobra.Command {
	var intervalStr string
	var skipIfRunning bool

	var analyzeMu sync.Mutex
	var analyzeRunning bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run continuously, re-scanning and re-analyzing on an interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, m, log := mustFromCtx(cmd)
			defer db.Close()

			interval, err := parseDuration(intervalStr)
			if err != nil {
				return fmt.Errorf("invalid interval %q: %w", intervalStr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Start metrics HTTP server with graceful shutdown.
			metricsSrv := &http.Server{
				Addr: cfg.Metrics.Endpoint,
				Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Path == "/metrics" {
						m.Handler().ServeHTTP(w, r)
						return
					}
					http.NotFound(w, r)
				}),
			}
			go func() {
				log.Info("metrics server listening", "addr", cfg.Metrics.Endpoint)
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()

			var wg sync.WaitGroup

			log.Info("daemon started", "interval", interval)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			launchAnalysis := func() {
				if skipIfRunning {
					analyzeMu.Lock()
					if analyzeRunning {
						log.Info("analysis already running, skipping")
						analyzeMu.Unlock()
						return
					}
					analyzeRunning = true
					analyzeMu.Unlock()
				}

				wg.Add(1)
				go func() {
					defer wg.Done()
					if skipIfRunning {
						defer func() {
							analyzeMu.Lock()
							analyzeRunning = false
							analyzeMu.Unlock()
						}()
					}
					if _, err := runAnalyze(ctx, cfg, db, m, log, analyzeOptions{refresh: true}); err != nil {
						log.Error("analysis failed", "error", err)
					}
				}()
			}

			// Run immediately on start.
			launchAnalysis()

			for {
				select {
				case <-ticker.C:
					launchAnalysis()
				case <-ctx.Done():
					log.Info("daemon shutting down, waiting for in-flight work...")
					wg.Wait()
					// Shut down metrics server after all goroutines are done.
					_ = metricsSrv.Shutdown(context.Background())
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&intervalStr, "interval", "24h", "analysis interval (e.g. 1h, 7d, 30m)")
	cmd.Flags().BoolVar(&skipIfRunning, "skip-if-running", true, "skip analysis if previous run is still active")
	return cmd
}

// --- helpers ---

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// parseDuration parses a duration string, extending time.ParseDuration to support
// day suffixes ("d"). Examples: "7d", "24h", "30m".
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day value: %w", err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("day value must be positive")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}
