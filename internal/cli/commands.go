package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

func newCycleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one optimization cycle and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				sum, err := rt.engine.RunCycle(ctx)
				if err != nil {
					return err
				}
				return a.print(sum)
			})
		},
	}
}

func newDecisionsCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "decisions [id]",
		Aliases: []string{"decision"},
		Short:   "List decisions, or show one in full",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if len(args) == 1 {
					d, err := rt.engine.GetDecision(ctx, args[0])
					if err != nil {
						return err
					}
					return a.print(d)
				}
				list, err := rt.engine.ListDecisions(ctx, models.DecisionStatus(strings.ToUpper(status)))
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(a.stdout, "No decisions.")
					return nil
				}
				return printDecisions(a.stdout, list)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only decisions in this status, e.g. pending")
	return cmd
}

func newApproveCmd(a *app) *cobra.Command {
	approver := "operator"
	cmd := &cobra.Command{
		Use:   "approve <decision-id>",
		Short: "Approve a pending decision and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				d, err := rt.engine.Approve(ctx, args[0], approver)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Decision %s approved by %s: %s\n", d.ID, approver, d.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", approver, "who approves the decision")
	return cmd
}

func newRejectCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <decision-id>",
		Short: "Reject a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				d, err := rt.engine.Reject(ctx, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Decision %s rejected: %s\n", d.ID, reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the decision is rejected")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <decision-id>",
		Short: "Cancel a pending or approved decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				d, err := rt.engine.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Decision %s cancelled\n", d.ID)
				return nil
			})
		},
	}
}

func newRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <decision-id>",
		Short: "Return a failed decision to pending for another approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				d, err := rt.engine.Requeue(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Decision %s requeued: %s\n", d.ID, d.Status)
				return nil
			})
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	period := string(models.PeriodDay)
	cmd := &cobra.Command{
		Use:   "report [report-id]",
		Short: "Generate a report for a period, or show a stored one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				var (
					r   *models.Report
					err error
				)
				if len(args) == 1 {
					r, err = rt.engine.GetReport(ctx, args[0])
				} else {
					r, err = rt.engine.GenerateReport(ctx, models.ReportPeriod(strings.ToLower(period)))
				}
				if err != nil {
					return err
				}
				return a.print(r)
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", period, "hour, day, week or month")
	return cmd
}

func newAnomaliesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies",
		Short: "List unresolved anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				list, err := rt.engine.ListActiveAnomalies(ctx)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(a.stdout, "No active anomalies.")
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMETRIC\tTYPE\tSEVERITY\tSTATUS\tVALUE\tEXPECTED\tDETECTED")
				for _, an := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.3f\t%.3f\t%s\n",
						an.ID, an.MetricName, an.Type, an.Severity, an.Status,
						an.Value, an.Expected, age(an.DetectedAt))
				}
				return tw.Flush()
			})
		},
	}
}

func newAlertsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "List active and acknowledged alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				list, err := rt.engine.ListActiveAlerts(ctx)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(a.stdout, "No active alerts.")
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSOURCE\tSUBJECT\tSEVERITY\tSTATUS\tMESSAGE\tCREATED")
				for _, al := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						al.ID, al.Source, al.Subject, al.Severity, al.Status, al.Message, age(al.CreatedAt))
				}
				return tw.Flush()
			})
		},
	}
}

func printDecisions(w io.Writer, list []*models.OptimizationDecision) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tSCORE\tSTATUS\tSUBJECT\tAGE")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s\t%s\t%s\n",
			d.ID, d.Type, d.Priority, d.Score, d.Status, d.Trigger.Subject, age(d.CreatedAt))
	}
	return tw.Flush()
}

// age renders how long ago t was, rounded like kubectl does.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
