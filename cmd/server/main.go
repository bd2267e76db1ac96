// Package main is the entry point for the lockdown log collector.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cisec/lockdown-agent/internal/ingest"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	listenAddr string
	storeKind  string
	dbPath     string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "lockdown-server",
		Short:   "Lockdown Log Collector",
		Long:    `Lockdown Log Collector receives batched exam logs from lockdown agents.`,
		Version: version,
		RunE:    run,
	}

	rootCmd.Flags().StringVarP(&listenAddr, "listen", "a", ":3000", "listen address")
	rootCmd.Flags().StringVar(&storeKind, "store", "memory", "log store (memory, sqlite)")
	rootCmd.Flags().StringVar(&dbPath, "db", "data/exam_logs.db", "SQLite database path")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
Commit: ` + commit + `
Build Date: ` + buildDate + "\n")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel)

	logger.Info().
		Str("version", version).
		Str("listen", listenAddr).
		Str("store", storeKind).
		Msg("Starting Lockdown Log Collector")

	store, err := openStore(storeKind, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	server := ingest.NewServer(store, "Lockdown Collector", logger)

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info().Msg("Shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		httpServer.Shutdown(ctx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func openStore(kind, path string) (ingest.Store, error) {
	switch kind {
	case "memory":
		return ingest.NewMemoryStore(), nil
	case "sqlite":
		return ingest.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store %q (want memory or sqlite)", kind)
	}
}

func setupLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var l zerolog.Level
	switch level {
	case "debug":
		l = zerolog.DebugLevel
	case "info":
		l = zerolog.InfoLevel
	case "warn":
		l = zerolog.WarnLevel
	case "error":
		l = zerolog.ErrorLevel
	default:
		l = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(l).
		With().
		Timestamp().
		Str("service", "lockdown-server").
		Logger()
}
