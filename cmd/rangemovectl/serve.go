package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/rangemove"
	"github.com/arloliu/rangemove/internal/metrics"
)

const serveLongDescription = `Command "serve"

Run one shard until SIGINT or SIGTERM.

The shard configuration is read from --config (YAML); --shard-id
overrides the configured shard id. Prometheus metrics are served
on --metrics-addr when set.
`

func serveCommand(root *rootCommand) *cobra.Command {
	var (
		configPath  string
		shardID     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a shard",
		Long:  serveLongDescription,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := rangemove.DefaultConfig()
			if configPath != "" {
				loaded, err := rangemove.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			if shardID != "" {
				cfg.ShardID = rangemove.ShardID(shardID)
			}
			cfg.SubjectPrefix = root.prefix

			return root.serve(&cfg, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the shard configuration file")
	cmd.Flags().StringVar(&shardID, "shard-id", "", "shard id, overrides the configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address of the Prometheus endpoint, e.g. :9100")

	return cmd
}

func (root *rootCommand) serve(cfg *rangemove.Config, metricsAddr string) error {
	nc, err := root.connect()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	shard, err := rangemove.NewShard(cfg, nc,
		rangemove.WithLogger(root.logger),
		rangemove.WithMetrics(metrics.NewPrometheus(reg, "rangemove")),
	)
	if err != nil {
		return err
	}

	if err := shard.Start(root.ctx); err != nil {
		return fmt.Errorf("failed to start shard %s: %w", cfg.ShardID, err)
	}
	root.logger.Info("shard running", "shard", cfg.ShardID, "prefix", cfg.SubjectPrefix)

	g, ctx := errgroup.WithContext(root.ctx)

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		root.logger.Info("shutting down", "shard", cfg.ShardID)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return shard.Stop(shutdownCtx)
	})

	return g.Wait()
}
