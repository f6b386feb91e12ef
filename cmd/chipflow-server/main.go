package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/chipflow/internal/server"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chipflow-server",
		Short:         "Run uploaded chipflow jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			addr, _ := f.GetString("addr")
			cfg := server.Config{Version: version}
			cfg.Root, _ = f.GetString("root")
			cfg.Username, _ = f.GetString("username")
			cfg.Key, _ = f.GetString("key")
			cfg.Terms, _ = f.GetString("terms")
			cfg.ProgressInterval, _ = f.GetFloat64("progress-interval")
			cfg.MaxWorkers, _ = f.GetInt("workers")
			cfg.Profiling, _ = f.GetBool("pprof")
			cfg.TLS.CertFile, _ = f.GetString("tls-cert")
			cfg.TLS.KeyFile, _ = f.GetString("tls-key")
			cfg.TLS.ClientCA, _ = f.GetString("client-ca")
			if cfg.Key == "" {
				cfg.Key = os.Getenv("CHIPFLOW_SERVER_KEY")
			}
			if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
				return fmt.Errorf("create job root: %w", err)
			}
			log.Info().Str("addr", addr).Str("root", cfg.Root).Msg("chipflow-server listening")
			err := server.New(cfg, nil).ListenAndServe(cmd.Context(), addr)
			log.Info().Msg("chipflow-server stopped")
			return err
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8088", "listen address")
	f.String("root", "jobs", "directory holding one subdirectory per job")
	f.String("username", "", "required account name")
	f.String("key", "", "required account key (or $CHIPFLOW_SERVER_KEY)")
	f.String("terms", "", "terms of use shown to clients")
	f.Float64("progress-interval", 30, "poll interval recommended to clients, seconds")
	f.Int("workers", 0, "concurrent nodes per job, 0 for one per CPU")
	f.Bool("pprof", false, "serve net/http/pprof under /debug/pprof/")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.String("client-ca", "", "require client certificates signed by this CA")
	f.StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		if level, err := zerolog.ParseLevel(levelStr); err == nil && levelStr != "" {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
