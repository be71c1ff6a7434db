// tx is a task graph and learning store for coordinating autonomous coding
// agents: a dependency-aware scheduler, a worker pool with exclusive claims,
// run supervision with a process reaper, and a hybrid-retrieval learning
// store with file anchors.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tx/internal/anchor"
	"tx/internal/config"
	"tx/internal/embedding"
	"tx/internal/learning"
	"tx/internal/logging"
	"tx/internal/retrieval"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/txerr"
	"tx/internal/worker"
)

var (
	// Global flags
	configPath string
	stateDir   string
	verbose    bool
	jsonOutput bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tx",
	Short: "tx - task graph and learning store for coding agents",
	Long: `tx coordinates autonomous coding agents around a persistent SQLite store.

It keeps a dependency-aware task graph with a priority scheduler, a bounded
worker pool with exclusive task claims, supervised run sessions with a
stalled-process reaper, and a learning store searched by hybrid BM25 + vector
retrieval. Learnings can be anchored to source locations and are re-verified
as the tree changes.

Run 'tx serve' to start the HTTP daemon, or use the subcommands directly
against the local store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.StateDir, logging.Options{
			Debug: cfg.Logging.Debug,
			Level: cfg.Logging.Level,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig builds the effective configuration, honoring the --state-dir
// override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	return cfg, nil
}

// =============================================================================
// APP WIRING
// =============================================================================

// app bundles the store and every service built over it. CLI subcommands
// open it, do their work, and close it.
type app struct {
	cfg *config.Config

	store     *store.Store
	engine    *task.Engine
	scheduler *task.Scheduler
	registry  *worker.Registry
	runs      *run.Service
	reaper    *run.Reaper
	learnings *learning.Service
	feedback  *learning.FeedbackTracker
	assembler *learning.ContextAssembler
	anchors   *anchor.Verifier
	embedder  embedding.Engine
}

// openApp opens the store and wires the full service graph.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	eng, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: st, embedder: eng}
	a.engine = task.NewEngine(st)
	a.scheduler = task.NewScheduler(st, a.engine)
	a.registry = worker.NewRegistry(st, cfg.Pool)
	a.runs = run.NewService(st)
	a.reaper = run.NewReaper(st, cfg.Reaper)
	a.feedback = learning.NewFeedbackTracker(st)

	pipeline := retrieval.NewPipeline(st, eng, nil, nil, a.feedback)
	a.learnings = learning.NewService(st, eng, pipeline)
	a.assembler = learning.NewContextAssembler(st, pipeline)
	a.anchors = anchor.NewVerifier(st, cfg.Anchors)
	return a, nil
}

func (a *app) close() {
	if closer, ok := a.embedder.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	_ = a.store.Close()
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

// emit prints v as indented JSON, for both human reading and scripting.
func emit(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// =============================================================================
// ENTRY POINT
// =============================================================================

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tx.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory override (default .tx)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rpcCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(anchorsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if txerr.KindOf(err) == txerr.KindNotFound {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
