// Command deid is the PHI de-identification gateway.
//
// It scrubs protected health information out of free-text clinical fields
// with a Presidio analyzer sidecar, replaces every detected value with a
// stable [TYPE_N] token, and restores the original values in text that comes
// back from an LLM. When the analyzer is unreachable nothing is forwarded.
//
// Usage:
//
//	# Run the HTTP API
//	./deid serve
//
//	# Scrub a JSON list of {"name","text"} fields from stdin
//	echo '[{"name":"note","text":"John Smith, DOB 01/02/1960"}]' | ./deid scrub
//
//	# Check the Presidio sidecars
//	./deid health
//
// Settings come from deid-config.json (or --config) and environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"phi-deid-gateway/internal/api"
	"phi-deid-gateway/internal/audit"
	"phi-deid-gateway/internal/config"
	"phi-deid-gateway/internal/deid"
	"phi-deid-gateway/internal/detector"
	"phi-deid-gateway/internal/gateway"
	"phi-deid-gateway/internal/llm"
	"phi-deid-gateway/internal/logger"
	"phi-deid-gateway/internal/metrics"
	"phi-deid-gateway/internal/session"
)

// sweepInterval is how often expired sessions are purged.
const sweepInterval = time.Minute

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "deid",
		Short:         "PHI de-identification gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultFile, "path to the JSON config file")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		logger.SetFormat(cfg.LogFormat)
		return cfg, nil
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(scrubCmd(load))
	rootCmd.AddCommand(healthCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type configLoader func() (*config.Config, error)

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func newEngine(cfg *config.Config, m *metrics.Metrics) *deid.Engine {
	a := detector.New(cfg.PresidioAnalyzerURL, cfg.PresidioTimeout(),
		detector.WithLanguage(cfg.PresidioLanguage),
		detector.WithEntities(cfg.PresidioEntities),
		detector.WithLogger(logger.New("DETECTOR", cfg.LogLevel)),
	)
	return deid.New(a,
		deid.WithMinScore(cfg.PresidioMinScore),
		deid.WithConcurrency(cfg.DetectorConcurrency),
		deid.WithLogger(logger.New("DEID", cfg.LogLevel)),
		deid.WithMetrics(m),
	)
}

func runServer(cfg *config.Config) error {
	log := logger.New("SERVER", cfg.LogLevel)

	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	store, err := session.Open(cfg.SessionStorePath, cfg.SessionTTL, key, logger.New("SESSION", cfg.LogLevel))
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // best-effort on exit

	auditLog := audit.Nop()
	if cfg.AuditEnabled {
		auditLog = audit.New(cfg.AuditLogPath, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	}
	defer auditLog.Close() //nolint:errcheck // best-effort on exit

	m := metrics.New()
	engine := newEngine(cfg, m)
	completer := llm.New(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMAPIKey, cfg.LLMTimeout(),
		llm.WithLogger(logger.New("LLM", cfg.LogLevel)))
	gw := gateway.New(engine, store, completer, auditLog, m, logger.New("GATEWAY", cfg.LogLevel))

	probe := func(ctx context.Context) detector.HealthReport {
		return detector.Probe(ctx, nil, cfg.PresidioAnalyzerURL, cfg.PresidioAnonymizerURL)
	}
	info := api.Info{
		AnalyzerURL:  cfg.PresidioAnalyzerURL,
		MinScore:     engine.MinScore(),
		LLMModel:     completer.Model(),
		SessionStore: store.Kind(),
		AuditEnabled: auditLog.Enabled(),
	}
	srv := api.New(gw, probe, m, info, cfg.ManagementToken, logger.New("API", cfg.LogLevel))

	printBanner(cfg, store.Kind())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go session.RunSweeper(ctx, store, sweepInterval, logger.New("SESSION", cfg.LogLevel))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Addr()) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown", "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("shutdown", "server stopped")
	return nil
}

func printBanner(cfg *config.Config, storeKind string) {
	auth := "disabled (set MANAGEMENT_TOKEN to require a bearer token)"
	if cfg.ManagementToken != "" {
		auth = "bearer token"
	}
	audited := "off"
	if cfg.AuditEnabled {
		audited = cfg.AuditLogPath
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          PHI De-identification Gateway               ║
╚══════════════════════════════════════════════════════╝
  Listen          : %s
  Analyzer        : %s
  Min score       : %.2f
  LLM endpoint    : %s
  LLM model       : %s
  Session store   : %s (ttl %s)
  Audit log       : %s
  Auth            : %s

  Check health:
    curl http://%s/health
`, cfg.Addr(),
		cfg.PresidioAnalyzerURL, cfg.PresidioMinScore,
		cfg.LLMBaseURL, cfg.LLMModel,
		storeKind, cfg.SessionTTL,
		audited, auth,
		cfg.Addr())
}
