package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"linea/internal/artifact"
	"linea/internal/config"
	"linea/internal/logging"
	"linea/internal/pipeline"
	"linea/internal/session"
	"linea/internal/store"
	"linea/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "linea",
	Short: "linea - execution lineage tracing for Go scripts",
	Long: `linea traces a Go script into a lineage graph, executes it in a
sandboxed interpreter, and stores the results in SQLite.

Values a script produces can be saved as named, versioned artifacts.
An artifact carries its value, the minimal code slice that produces
it, and can be exported as a standalone program or an Airflow DAG.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// traceCmd traces one script
var traceCmd = &cobra.Command{
	Use:   "trace [file]",
	Short: "Trace a Go script into a lineage graph and execute it",
	Long: `Parses the script into lineage nodes, stores the session, and runs
the graph node by node unless --static is set.

Artifacts can be saved from the run directly:

  linea trace pipeline.go --save cleaned=df --save model=m`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

// artifactsCmd lists the catalog
var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List saved artifacts, newest first",
	RunE:  runArtifacts,
}

// getCmd prints an artifact value
var getCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Print the stored value of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

// sliceCmd prints an artifact's code slice
var sliceCmd = &cobra.Command{
	Use:   "slice [name]",
	Short: "Print the minimal code that produces an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlice,
}

// exportCmd writes pipelines
var exportCmd = &cobra.Command{
	Use:   "export [artifact]...",
	Short: "Export artifacts as runnable programs or an Airflow DAG",
	Long: `Writes one standalone Go program per artifact into the output
directory. With --format airflow an Airflow DAG definition that runs
the programs in order is written alongside them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

// dbCmd groups database utilities
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database utilities",
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the resolved database path",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorkspace(workspace)
		if err != nil {
			return err
		}
		fmt.Println(resolvePath(cfg.Storage.DatabasePath))
		return nil
	},
}

var (
	traceStatic bool
	traceSaves  []string

	getVersion   string
	sliceVersion string

	exportFormat string
	exportOut    string
	exportName   string
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	traceCmd.Flags().BoolVar(&traceStatic, "static", false, "Build the graph without executing")
	traceCmd.Flags().StringSliceVar(&traceSaves, "save", nil, "Save an artifact from the run as NAME=VARIABLE")

	getCmd.Flags().StringVar(&getVersion, "version", "", "Artifact version (default: latest)")
	sliceCmd.Flags().StringVar(&sliceVersion, "version", "", "Artifact version (default: latest)")

	exportCmd.Flags().StringVar(&exportFormat, "format", "script", "Export format: script or airflow")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output directory (default: <workspace>/.linea/artifacts)")
	exportCmd.Flags().StringVar(&exportName, "name", "pipeline", "Pipeline name used for the DAG id")

	dbCmd.AddCommand(dbPathCmd)

	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(sliceCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(dbCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolvePath anchors a relative config path at the workspace.
func resolvePath(path string) string {
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}

// openStore loads config and opens the workspace database.
func openStore() (*config.Config, *store.LineaStore, error) {
	cfg, err := config.LoadWorkspace(workspace)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Initialize(workspace); err != nil {
		return nil, nil, err
	}
	db, err := store.New(resolvePath(cfg.Storage.DatabasePath))
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

// parseSaveSpec splits a NAME=VARIABLE pair.
func parseSaveSpec(spec string) (name, variable string, err error) {
	name, variable, ok := strings.Cut(spec, "=")
	if !ok || name == "" || variable == "" {
		return "", "", fmt.Errorf("bad --save %q, want NAME=VARIABLE", spec)
	}
	return name, variable, nil
}

func runTrace(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("Tracing script",
		zap.String("file", args[0]),
		zap.Bool("static", traceStatic))

	runner := session.NewRunner(db, cfg)
	res, err := runner.RunFile(ctx, args[0], traceStatic)
	if err != nil {
		return err
	}

	fmt.Printf("session %s: %d nodes\n", res.Session.ID, res.Graph.Len())
	if res.Execution != nil {
		fmt.Printf("execution %s: %d values\n", res.Execution.ID, len(res.Values))
	}

	for _, spec := range traceSaves {
		name, variable, err := parseSaveSpec(spec)
		if err != nil {
			return err
		}
		nodeID, err := session.ResolveVariable(res.Graph, variable)
		if err != nil {
			return err
		}
		var execID types.LineaID
		if res.Execution != nil {
			execID = res.Execution.ID
		}
		a := artifact.New(db, name, "", nodeID, res.Session.ID, execID)
		if err := a.Save(); err != nil {
			return err
		}
		fmt.Printf("saved artifact %s@%s (%s)\n", a.Name, a.Version, variable)
	}
	return nil
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := artifact.Catalog(db)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no artifacts saved")
		return nil
	}
	for _, a := range entries {
		fmt.Printf("%-24s %-20s %s\n", a.Name, a.Version, a.DateCreated.Format(time.RFC3339))
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := artifact.Get(db, args[0], getVersion)
	if err != nil {
		return err
	}
	value, err := a.Value()
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runSlice(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := artifact.Get(db, args[0], sliceVersion)
	if err != nil {
		return err
	}
	code, err := a.Code()
	if err != nil {
		return err
	}
	fmt.Print(code)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	out := exportOut
	if out == "" {
		out = resolvePath(cfg.Storage.ArtifactDir)
	}

	logger.Info("Exporting pipeline",
		zap.String("name", exportName),
		zap.Strings("artifacts", args),
		zap.String("format", exportFormat))

	w := pipeline.New(db, out)
	paths, err := w.Export(ctx, exportName, args, pipeline.Format(exportFormat))
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}
