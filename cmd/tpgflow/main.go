package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamtpg/tpgflow/pkg/config"
	"github.com/streamtpg/tpgflow/pkg/engine"
	"github.com/streamtpg/tpgflow/pkg/executor"
	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/template"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/transport"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tpgflow [config-path] [sfc-path]",
	Short: "tpgflow runs the transactional parallel graph engine",
	Long: `tpgflow is a streaming transaction engine that schedules
state-mutating transactions across a multi-version key/value store,
executing independent transactions in parallel while enforcing the
dependency order their reads and writes induce.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("addr", "127.0.0.1:8080", "Address the transaction ingress HTTP server listens on")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the /metrics endpoint listens on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	tlog.Init(tlog.Config{Level: tlog.Level(level), JSONOutput: jsonOutput})
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath := "./config.json"
	if len(args) > 0 {
		configPath = args[0]
	}
	sfcPath := "./sfc.json"
	if len(args) > 1 {
		sfcPath = args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sfcDoc, err := os.ReadFile(sfcPath)
	if err != nil {
		return fmt.Errorf("reading SFC document %s: %w", sfcPath, err)
	}
	templates, err := template.Load(sfcDoc)
	if err != nil {
		return fmt.Errorf("parsing SFC document: %w", err)
	}

	eng := engine.New(cfg, templates, executor.NullExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	addr, _ := cmd.Flags().GetString("addr")
	mux := transport.NewMux(eng)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			tlog.Logger.Error().Err(err).Msg("transaction ingress server error")
		}
	}()
	tlog.Logger.Info().Str("addr", addr).Msg("transaction ingress listening")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			tlog.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	tlog.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	tlog.Logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}
