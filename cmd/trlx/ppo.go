package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zswitten/trlx"
	"github.com/zswitten/trlx/internal/config"
	"github.com/zswitten/trlx/internal/observability/logging"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/internal/observability/trace"
)

type ppoFlags struct {
	config  string
	prompts string
	outDir  string
}

func newPPOCmd() *cobra.Command {
	var f ppoFlags
	cmd := &cobra.Command{
		Use:   "ppo",
		Short: "Fine-tune the policy with PPO against the sentiment reward",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPPO(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&f.prompts, "prompts", "", "JSONL prompt file, overrides data.prompts")
	cmd.Flags().StringVar(&f.outDir, "out-dir", "", "directory for the resolved config and the trained policy")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runPPO(parent context.Context, f ppoFlags) error {
	var opts []config.Option
	if f.prompts != "" {
		opts = append(opts, func(c *config.Config) { c.Data.Prompts = f.prompts })
	}
	cfg, err := config.Load(f.config, opts...)
	if err != nil {
		return err
	}

	zl, err := logging.NewZapLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer zl.Sync()

	ctx, cancel := context.WithCancel(logging.WithRunID(parent, uuid.NewString()))
	defer cancel()
	logger := zl.WithContext(ctx)

	tracer, err := trace.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", logging.Error(err))
		}
	}()

	var collector *metrics.MetricsCollector
	if cfg.Metrics.Enabled {
		collector = metrics.NewMetricsCollector(metrics.CollectorConfig{
			Namespace:       cfg.Metrics.Namespace,
			EnableGoMetrics: true,
		})
	}

	run, err := trlx.NewPPO(cfg, trlx.Collaborators{Logger: logger, Tracer: tracer, Metrics: collector})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if collector != nil {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", logging.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer cancel()
		stats, err := run.Train(gctx)
		if err != nil {
			logger.Error("training failed", logging.Error(err), logging.Int("iterations", len(stats)))
			return err
		}
		logger.Info("training finished", logging.Int("iterations", len(stats)))
		return save(run, f.outDir)
	})
	return g.Wait()
}

func save(run *trlx.PPO, dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := run.Config().Save(filepath.Join(dir, "config.yaml")); err != nil {
		return err
	}
	return run.SaveCheckpoint(filepath.Join(dir, "policy.safetensors"))
}
