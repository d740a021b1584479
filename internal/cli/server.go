package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
	"github.com/SmitUplenchwar2687/Bastion/internal/server"
)

func newServerCmd() *cobra.Command {
	var (
		addr       string
		recordFile string
		adaptive   bool
		noAbuse    bool
		storage    storageOptions
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the Bastion HTTP server",
		Long: `Starts an HTTP server that applies admission control to /api.

Endpoints:
  GET  /                                   Server info and current time
  GET  /health                             Health check (store reachability)
  GET  /metrics                            Prometheus metrics
  ANY  /api/*                              Protected demo endpoint
  WS   /ws                                 Live admission and block events
  GET  /admin/blocks                       List blocks
  POST /admin/blocks                       Block {identifier, seconds, reason}
  DEL  /admin/blocks/{id}                  Unblock
  GET  /admin/trust/{scope}/{id}           Trust score
  GET  /admin/limits/{alg}/{scope}/{id}    Peek at a quota
  POST /admin/limits/{alg}/{scope}/{id}/reset`,
		Example: `  bastion server
  bastion server --addr :9090 --storage redis --redis-host localhost:6379
  bastion server --config bastion.yaml --adaptive
  bastion server --record traffic.ndjson`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("record") {
				cfg.Recorder.File = recordFile
			}
			if cmd.Flags().Changed("adaptive") {
				cfg.Trust.Adaptive = adaptive
				if adaptive {
					cfg.Trust.Enabled = true
				}
			}
			if noAbuse {
				cfg.Abuse.Enabled = false
			}

			clk := clock.NewRealClock()
			s, err := openStore(cfg.Storage, clk)
			if err != nil {
				return fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			comp, err := buildComponents(cfg, s, clk, reg)
			if err != nil {
				s.Close()
				return err
			}
			defer comp.Close()

			opts := server.Options{
				Pipeline: comp.Pipeline,
				Resolver: comp.Resolver,
				Trust:    comp.Trust,
				Store:    s,
				Hub:      server.NewHub(),
				Gatherer: reg,

				ClientIPHeaders: cfg.Server.ClientIPHeaders,
			}
			if cfg.Server.Admin {
				opts.Blocks = comp.Blocks
				opts.Limiter = comp.Limiter
			}
			if cfg.Recorder.File != "" {
				f, err := os.Create(cfg.Recorder.File)
				if err != nil {
					return fmt.Errorf("creating record file: %w", err)
				}
				defer f.Close()
				opts.Recorder = recorder.New(f, cfg.Recorder.MaxRecords)
				klog.Infof("recording traffic to %s", cfg.Recorder.File)
			}

			srv, err := server.New(cfg.Server.Addr, opts)
			if err != nil {
				return err
			}
			klog.Infof("storage backend: %s, abuse detection: %t, adaptive limits: %t",
				cfg.Storage.Backend, cfg.Abuse.Enabled, cfg.Trust.Adaptive)

			// Graceful shutdown on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				klog.Info("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&recordFile, "record", "", "stream traffic records to this file (NDJSON)")
	cmd.Flags().BoolVar(&adaptive, "adaptive", false, "scale quotas by trust score")
	cmd.Flags().BoolVar(&noAbuse, "no-abuse", false, "disable the abuse detectors")
	storage.addFlags(cmd)

	return cmd
}
