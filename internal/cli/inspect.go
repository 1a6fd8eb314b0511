package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newForecastCmd(a *app) *cobra.Command {
	days := 30
	cmd := &cobra.Command{
		Use:   "forecast <resource-type>",
		Short: "Forecast daily cost of a resource type from recorded history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				f, err := rt.costs.Forecast(ctx, args[0], days)
				if err != nil {
					return err
				}
				return a.print(f)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", days, "forecast horizon in days")
	return cmd
}

func newStrategiesCmd(a *app) *cobra.Command {
	var enable, disable string
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List optimization strategies, or enable or disable one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable != "" && disable != "" {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if id := enable + disable; id != "" {
					s, err := rt.resources.SetStrategyEnabled(ctx, id, enable != "")
					if err != nil {
						return err
					}
					fmt.Fprintf(a.stdout, "Strategy %s enabled=%t\n", s.ID, s.Enabled)
					return nil
				}

				list, err := rt.resources.ListStrategies(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tENABLED\tPRIORITY\tCOOLDOWN\tACTIONS")
				for _, s := range list {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%d\n", s.ID, s.Name, s.Enabled, s.Priority, s.Cooldown, len(s.Actions))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&enable, "enable", "", "enable the strategy with this ID")
	cmd.Flags().StringVar(&disable, "disable", "", "disable the strategy with this ID")
	return cmd
}
