// Package cli is the kubilitics-optimizer command line: a long-running
// serve mode plus one-shot operator commands over the shared store.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-optimizer/internal/config"
)

// Version is set at build time.
var Version = "dev"

type app struct {
	configPath string
	output     string
	stdout     io.Writer
	stderr     io.Writer

	// build wires the component graph; replaced in tests.
	build func(ctx context.Context, cfg *config.Config) (*runtime, error)
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{
		stdout: out,
		stderr: errOut,
		build:  newRuntime,
	}

	cmd := &cobra.Command{
		Use:           "optimizer",
		Short:         "Predictive optimization engine for Redis-backed services",
		Long:          "optimizer collects metrics, detects anomalies, forecasts load and cost, and turns findings into scored, auditable optimization decisions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "output format for single objects: json|yaml")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		switch a.output {
		case "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unsupported output format %q (want json or yaml)", a.output)
		}
	}

	cmd.AddCommand(
		newServeCmd(a),
		newCycleCmd(a),
		newDecisionsCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
		newCancelCmd(a),
		newRequeueCmd(a),
		newReportCmd(a),
		newAnomaliesCmd(a),
		newAlertsCmd(a),
		newForecastCmd(a),
		newStrategiesCmd(a),
	)
	return cmd
}

// loadConfig reads, validates and returns the configuration together with
// its manager, which serve uses to watch for changes.
func (a *app) loadConfig(ctx context.Context) (*config.Config, config.ConfigManager, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr.Get(ctx), mgr, nil
}

// withRuntime runs fn against a freshly wired runtime and closes it after.
func (a *app) withRuntime(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) (err error) {
	cfg, _, err := a.loadConfig(ctx)
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
	return fn(ctx, rt)
}
