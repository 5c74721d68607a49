// Command lexrag ingests legal documents and serves search and analysis
// over HTTP or from the command line.
//
// The keyword index needs FTS5, which go-sqlite3 only includes under a
// build tag:
//
//	CGO_ENABLED=1 go build -tags sqlite_fts5 ./cmd/lexrag
//	lexrag serve --config lexrag.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/lexrag"
)

type globalFlags struct {
	configPath string
	dbPath     string
	logFormat  string
	logLevel   string
}

func main() {
	// A missing .env is normal outside development. It is loaded before
	// the commands are built so it can supply flag defaults.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "lexrag: loading .env:", err)
		os.Exit(1)
	}

	var g globalFlags

	rootCmd := &cobra.Command{
		Use:           "lexrag",
		Short:         "Legal document search and analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(os.Stderr, g.logFormat, g.logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("LEXRAG_CONFIG"), "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&g.dbPath, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newServeCmd(&g),
		newIngestCmd(&g),
		newSearchCmd(&g),
		newAnalyzeCmd(&g),
		newEntitiesCmd(&g),
		newBriefCmd(&g),
		newEvalCmd(&g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("lexrag: command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler.
func setupLogging(w io.Writer, format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("--log-format: unknown format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(g *globalFlags) (lexrag.Config, error) {
	cfg, err := lexrag.LoadConfig(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	return cfg, nil
}

// openEngine builds an engine from the global flags. One-shot commands
// pass schedule=false so no maintenance job runs behind them.
func openEngine(g *globalFlags, schedule bool) (*lexrag.Engine, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	if !schedule {
		cfg.MaintenanceSchedule = ""
	}
	return lexrag.New(cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
