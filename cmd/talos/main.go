// Command talos runs the knowledge consolidation engine: session lifecycle,
// maintenance passes, and graph statistics over a SQLite-backed entity store.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pentaxis93/talos-telemetry/pkg/engine"
	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

// rootCmd is the talos entry point
var rootCmd = &cobra.Command{
	Use:   "talos",
	Short: "Knowledge consolidation engine",
	Long: `talos maintains an append-mostly knowledge graph of sessions,
observations, beliefs, and patterns: deduplicating near-duplicates,
crystallizing observation clusters into insights, promoting recurring
patterns, and emitting review proposals for anomalies it detects.`,
	SilenceUsage: true,
}

// maintainCmd runs one full maintenance cycle
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the dedup, synth, and detect passes once",
	RunE:  runMaintain,
}

// sessionCmd groups session lifecycle subcommands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage session lifecycle",
}

// sessionOpenCmd opens a session and prints its inheritance snapshot
var sessionOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a session and capture its inheritance snapshot",
	RunE:  runSessionOpen,
}

// sessionCloseCmd closes a session by id
var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClose,
}

// statsCmd prints active entity counts per kind
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show active entity counts by kind",
	RunE:  runStats,
}

var sessionDomain string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "talos.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	sessionOpenCmd.Flags().StringVar(&sessionDomain, "domain", "", "domain the session operates in")

	sessionCmd.AddCommand(sessionOpenCmd, sessionCloseCmd)
	rootCmd.AddCommand(maintainCmd, sessionCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newEngine loads config, applies flag overrides, and opens the engine.
func newEngine() (*engine.Engine, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return engine.New(cfg)
}

func runMaintain(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.RunMaintenance(cmd.Context())
	if report != nil {
		if report.Dedup != nil {
			fmt.Printf("dedup:  merged=%d pruned=%d skipped=%d\n",
				report.Dedup.Merged, report.Dedup.Pruned, report.Dedup.Skipped)
		}
		if report.Synth != nil {
			fmt.Printf("synth:  clusters=%d crystallized=%d promoted=%d deprecated=%d patterns=%d\n",
				report.Synth.Clusters, report.Synth.Crystallized,
				report.Synth.Promoted, report.Synth.Deprecated, report.Synth.PatternsCreated)
		}
		if report.Detect != nil {
			fmt.Printf("detect: proposals=%d suppressed=%d\n",
				report.Detect.Emitted, report.Detect.Suppressed)
		}
	}
	return err
}

func runSessionOpen(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	info, err := eng.OpenSession(cmd.Context(), sessionDomain)
	if err != nil {
		return err
	}
	fmt.Println(info.ID)
	if info.Inherited.Degraded {
		fmt.Fprintln(os.Stderr, "warning: inheritance snapshot degraded")
		return nil
	}
	for kind, n := range info.Inherited.PerKind {
		fmt.Fprintf(os.Stderr, "inherited %s: %d\n", kind, n)
	}
	return nil
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	return eng.CloseSession(cmd.Context(), args[0])
}

func runStats(cmd *cobra.Command, args []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	kinds := []store.Kind{
		store.KindSession, store.KindObservation, store.KindInsight,
		store.KindBelief, store.KindPattern, store.KindFriction,
		store.KindQuestion, store.KindProposal,
	}
	counts, err := eng.Stats(cmd.Context(), kinds)
	if err != nil {
		return err
	}
	for _, kind := range kinds {
		fmt.Printf("%-12s %d\n", kind, counts[kind])
	}
	return nil
}
