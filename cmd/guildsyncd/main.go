package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/guildsyncd/internal/activation"
	"github.com/schaermu/guildsyncd/internal/config"
	"github.com/schaermu/guildsyncd/internal/diff"
	"github.com/schaermu/guildsyncd/internal/format"
	"github.com/schaermu/guildsyncd/internal/git"
	guildsync "github.com/schaermu/guildsyncd/internal/sync"
	"github.com/schaermu/guildsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	jsonOut   bool

	// Command flags
	inPath         string
	outPath        string
	sourcePath     string
	desiredPath    string
	expectedFormat string
	targetName     string
	dryRun         bool
	strictMode     bool
	pruneMode      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guildsyncd",
	Short: "Synchronize Discord guild structure across execution targets",
	Long: `guildsyncd keeps the structure of a collaboration guild (channels, roles,
permissions, members) in sync with a versioned plan document, and propagates
the same structure to other execution targets: Kubernetes clusters, SSH
hosts and tmux sessions.

It can run one-shot (validate, diff, apply, export) or as a long-running
webhook daemon that re-syncs whenever the plan repository is pushed.`,
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a dump or upload document",
	Long: `Validate parses a document, applies the format validation rules and prints
the validation report. A missing format field is reported, not rejected.`,
	RunE: runValidate,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compute the operations turning a dump into the desired plan",
	Long: `Diff parses a source dump and a desired upload document and prints the
ordered operation list that would transform one into the other. Creates are
ordered parent-first, deletes child-first; entities with no differences
produce no operation.`,
	RunE: runDiff,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a plan document to a sync target",
	Long: `Apply diffs the desired plan against the target's observed state and
executes the resulting operations. Failures are contained per operation;
with --dry-run the plan is only reported, the target is never touched.`,
	RunE: runApply,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a target's observed state as a dump document",
	RunE:  runExport,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for push events from
the plan repository's forge and re-syncs the configured target when the
repository is updated.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("guildsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/guildsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON output")

	validateCmd.Flags().StringVar(&inPath, "in", "", "input document path")
	validateCmd.Flags().StringVar(&expectedFormat, "format", "", "expected format (dump, upload)")
	validateCmd.Flags().BoolVar(&strictMode, "strict", false, "fail on contradictory declared/expected formats")
	_ = validateCmd.MarkFlagRequired("in")

	diffCmd.Flags().StringVar(&sourcePath, "source", "", "source dump path")
	diffCmd.Flags().StringVar(&desiredPath, "desired", "", "desired upload path")
	diffCmd.Flags().BoolVar(&pruneMode, "prune", false, "delete source entities the plan does not mention")
	_ = diffCmd.MarkFlagRequired("source")
	_ = diffCmd.MarkFlagRequired("desired")

	applyCmd.Flags().StringVar(&inPath, "in", "", "plan document path")
	applyCmd.Flags().StringVar(&sourcePath, "source", "", "dump to diff against instead of fetching from the target")
	applyCmd.Flags().StringVar(&targetName, "target", "", "target name (defaults to targets.default)")
	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	_ = applyCmd.MarkFlagRequired("in")

	exportCmd.Flags().StringVar(&outPath, "out", "", "output path for the dump document (- for stdout)")
	exportCmd.Flags().StringVar(&targetName, "target", "", "target name (defaults to targets.default)")
	_ = exportCmd.MarkFlagRequired("out")

	// Add commands
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	report, err := format.Validate(data, format.Format(expectedFormat), strictMode)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(report)
	}
	fmt.Printf("format:   %s\n", report.Format)
	if report.Version != nil {
		fmt.Printf("version:  %d\n", *report.Version)
	} else {
		fmt.Printf("version:  missing\n")
	}
	fmt.Printf("entities: %d\n", report.Entities)
	for _, warning := range report.Warnings {
		fmt.Printf("warning:  %s\n", warning)
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	source, desired, err := loadDocuments(sourcePath, desiredPath, strictMode)
	if err != nil {
		return err
	}

	ops, err := diff.Diff(source, desired, diff.Config{Prune: pruneMode})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(ops)
	}
	if len(ops) == 0 {
		fmt.Println("no differences")
		return nil
	}
	for _, op := range ops {
		fmt.Printf("%-18s %-20s %s\n", op.Kind, op.Entity, op.TargetID)
	}
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	adapter, err := buildAdapter(cfg, targetName)
	if err != nil {
		return err
	}
	defer func() {
		_ = adapter.Close()
	}()

	planDoc, _, err := format.ParseFile(inPath, format.Options{
		Expected: format.FormatUpload,
		Strict:   cfg.Sync.Strict,
	})
	if err != nil {
		return err
	}

	var source *format.Snapshot
	if sourcePath != "" {
		sourceDoc, _, err := format.ParseFile(sourcePath, format.Options{
			Expected: format.FormatDump,
			Strict:   cfg.Sync.Strict,
		})
		if err != nil {
			return err
		}
		source = sourceDoc.Snapshot()
	} else {
		source, err = adapter.FetchSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch target snapshot: %w", err)
		}
	}

	session, err := guildsync.NewSession(source, planDoc.Plan(), adapter, diff.Config{Prune: cfg.Sync.Prune})
	if err != nil {
		return err
	}

	engine := guildsync.NewEngine(logger, cfg.Sync.Parallel)
	result, err := engine.Run(ctx, session, dryRun)
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		printResult(result)
	}

	if status := result.Status(); status != guildsync.StatusSuccess {
		return fmt.Errorf("sync finished with status %s", status)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	adapter, err := buildAdapter(cfg, targetName)
	if err != nil {
		return err
	}
	defer func() {
		_ = adapter.Close()
	}()

	snapshot, err := adapter.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch target snapshot: %w", err)
	}

	data, err := snapshot.Document().Marshal()
	if err != nil {
		return err
	}

	if outPath == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outPath, data, 0644)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled must be true in the configuration")
	}

	gitClient := git.NewShellClient(cfg.Repo.SSHKeyFile, cfg.Repo.HTTPSTokenFile)
	syncFunc := repoSyncFunc(cfg, gitClient, logger)

	server, err := webhook.NewServer(cfg, syncFunc, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	var listener net.Listener
	listeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("failed to check socket activation: %w", err)
	}
	if len(listeners) > 0 {
		logger.Info("using systemd-activated socket")
		listener = listeners[0]
	}

	return server.Start(ctx, listener)
}

// repoSyncFunc builds the serve-mode sync: fetch the plan repository, then
// apply every discovered plan document to the configured target.
func repoSyncFunc(cfg *config.Config, gitClient git.Client, logger *slog.Logger) webhook.SyncFunc {
	return func(ctx context.Context) error {
		if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}

		rev, err := gitClient.EnsureCheckout(ctx, cfg.Repo.URL, cfg.Repo.Ref, cfg.RepoDir())
		if err != nil {
			return fmt.Errorf("failed to checkout plan repository: %w", err)
		}
		logger.Info("plan repository checked out", "commit", rev)

		plans, err := format.DiscoverFiles(cfg.PlanSourceDir())
		if err != nil {
			return fmt.Errorf("failed to discover plan documents: %w", err)
		}
		if len(plans) == 0 {
			logger.Warn("no plan documents found", "dir", cfg.PlanSourceDir())
			return nil
		}

		adapter, err := buildAdapter(cfg, "")
		if err != nil {
			return err
		}
		defer func() {
			_ = adapter.Close()
		}()

		for _, path := range plans {
			if err := applyPlanFile(ctx, cfg, adapter, path, logger); err != nil {
				return err
			}
		}
		return nil
	}
}

func applyPlanFile(ctx context.Context, cfg *config.Config, adapter targetAdapter, path string, logger *slog.Logger) error {
	logger.Info("applying plan document", "path", path)

	planDoc, report, err := format.ParseFile(path, format.Options{
		Expected: format.FormatUpload,
		Strict:   cfg.Sync.Strict,
	})
	if err != nil {
		return fmt.Errorf("plan %s: %w", path, err)
	}
	for _, warning := range report.Warnings {
		logger.Warn("plan document warning", "path", path, "warning", warning)
	}

	source, err := adapter.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch target snapshot: %w", err)
	}

	session, err := guildsync.NewSession(source, planDoc.Plan(), adapter, diff.Config{Prune: cfg.Sync.Prune})
	if err != nil {
		return err
	}

	engine := guildsync.NewEngine(logger, cfg.Sync.Parallel)
	result, err := engine.Run(ctx, session, false)
	if err != nil {
		return err
	}
	if status := result.Status(); status != guildsync.StatusSuccess {
		for _, failed := range result.Failed() {
			logger.Error("operation failed",
				"kind", failed.Operation.Kind,
				"target", failed.Operation.TargetID,
				"reason", failed.Reason)
		}
		return fmt.Errorf("plan %s finished with status %s", path, status)
	}
	return nil
}

func printResult(result *guildsync.Result) {
	for _, entry := range result.Operations {
		if entry.Reason != "" {
			fmt.Printf("%-26s %-18s %-20s %s\n", entry.Outcome, entry.Operation.Kind, entry.Operation.TargetID, entry.Reason)
		} else {
			fmt.Printf("%-26s %-18s %s\n", entry.Outcome, entry.Operation.Kind, entry.Operation.TargetID)
		}
	}
	fmt.Printf("status: %s\n", result.Status())
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// loadDocuments parses a dump/upload pair for the diff command.
func loadDocuments(dumpPath, uploadPath string, strict bool) (*format.Snapshot, *format.Plan, error) {
	sourceDoc, _, err := format.ParseFile(dumpPath, format.Options{Expected: format.FormatDump, Strict: strict})
	if err != nil {
		return nil, nil, fmt.Errorf("source %s: %w", dumpPath, err)
	}
	desiredDoc, _, err := format.ParseFile(uploadPath, format.Options{Expected: format.FormatUpload, Strict: strict})
	if err != nil {
		return nil, nil, fmt.Errorf("desired %s: %w", uploadPath, err)
	}
	return sourceDoc.Snapshot(), desiredDoc.Plan(), nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/guildsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"default_target", cfg.Targets.Default,
		"state_dir", cfg.Paths.StateDir,
		"prune", cfg.Sync.Prune)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
