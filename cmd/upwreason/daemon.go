package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/upwreason/pkg/scheduler"
)

const (
	taskRunAll   = "run-all"
	taskValidate = "validate"
)

func newDaemonCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run rules and checks on a schedule and serve /metrics",
		Long: `Runs every rule and every axiom and constraint on the cron schedules from
the scheduler config section, and serves Prometheus metrics until stopped.

Schedules take a leading seconds field:
  scheduler.runAll:   "0 */15 * * * *"   every 15 minutes
  scheduler.validate: "@hourly"`,
		Args: cobra.NoArgs,
	}
	runOnStart := cmd.Flags().Bool("run-on-start", false, "Run every task once before waiting for the schedule")

	cmd.RunE = withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
		return runDaemon(cmd.Context(), a, *runOnStart)
	})
	return cmd
}

func runDaemon(ctx context.Context, a *app, runOnStart bool) error {
	sc := a.cfg.Scheduler
	s := scheduler.New(a.logger, sc.TaskTimeout)

	tasks := map[string]struct {
		spec string
		fn   scheduler.TaskFunc
	}{
		taskRunAll:   {sc.RunAll, a.runAllTask},
		taskValidate: {sc.Validate, a.validateTask},
	}
	for _, name := range []string{taskRunAll, taskValidate} {
		t := tasks[name]
		if t.spec == "" {
			a.logger.Info("task disabled", zap.String("name", name))
			continue
		}
		if err := s.Add(name, t.spec, t.fn); err != nil {
			return err
		}
	}

	if runOnStart {
		for _, info := range s.Tasks() {
			if err := s.RunNow(ctx, info.Name); err != nil {
				a.logger.Error("startup task failed", zap.String("name", info.Name), zap.Error(err))
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if sc.MetricsAddr != "" {
		srv := newMetricsServer(sc.MetricsAddr, a.registry)
		g.Go(func() error {
			a.logger.Info("serving metrics", zap.String("addr", sc.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	s.Start()
	fmt.Fprintf(a.out.w, "upwreason daemon running (%s)\n", a.cfg)

	<-gctx.Done()
	a.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stopErr := s.Stop(stopCtx)

	if err := g.Wait(); err != nil {
		return err
	}
	return stopErr
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *app) runAllTask(ctx context.Context) error {
	res, err := a.engine.RunAll(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("scheduled inference completed", zap.Int("inferred", res.TotalInferred))
	return nil
}

func (a *app) validateTask(ctx context.Context) error {
	axioms, err := a.validator.CheckAllAxioms(ctx)
	if err != nil {
		return err
	}
	constraints, err := a.validator.ValidateAllConstraints(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("scheduled validation completed",
		zap.Int("axiomsFailed", axioms.Failed),
		zap.Int("constraintsFailed", constraints.Failed),
		zap.Int("violations", axioms.TotalViolations+constraints.TotalViolations))
	return nil
}
