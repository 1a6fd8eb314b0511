package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/scheduler"
	"github.com/kubilitics/kubilitics-optimizer/internal/server"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var collectOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic tasks and the ops listener until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, mgr, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			rt, err := a.build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.close(); err == nil {
					err = cerr
				}
			}()

			sched := scheduler.New(rt.logger.Named("scheduler"), rt.flush()...)
			for _, t := range rt.tasks() {
				if err := sched.Add(t); err != nil {
					return err
				}
			}

			srv := server.New(cfg.Server.MetricsAddress, rt.store, rt.logger.Named("server")).WithObserver(rt.recorder)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start ops listener: %w", err)
			}

			if collectOnStart {
				sched.RunNow("collect")
			}
			sched.Start()
			_ = rt.audit.Log(ctx, audit.NewEvent(audit.EventServiceStarted).
				WithActor("engine").
				WithResult(audit.ResultSuccess).
				WithMetadata("version", Version).
				WithMetadata("executor", cfg.Executor.Type))
			rt.logger.Info("optimizer started",
				zap.String("version", Version),
				zap.String("store", cfg.Database.Type),
				zap.String("executor", cfg.Executor.Type),
			)

			changes := mgr.Watch(ctx)
		wait:
			for {
				select {
				case <-ctx.Done():
					break wait
				case <-changes:
					rt.logger.Warn("configuration file changed, restart to apply")
				}
			}
			rt.logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			stopErr := errors.Join(srv.Stop(shutdownCtx), sched.Stop(shutdownCtx))

			ev := audit.NewEvent(audit.EventServiceStopped).WithActor("engine").WithResult(audit.ResultSuccess)
			if stopErr != nil {
				ev.WithError(stopErr, "shutdown")
			}
			_ = rt.audit.Log(shutdownCtx, ev)
			return stopErr
		},
	}
	cmd.Flags().BoolVar(&collectOnStart, "collect-on-start", true, "take a metrics snapshot before the first scheduled tick")
	return cmd
}
