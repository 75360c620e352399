package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type Options struct {
	Output io.Writer
	// Client overrides the client built from the --server flag.
	Client *Client
}

// CLI is qcctl, the operator tool for the report API.
type CLI struct {
	out     io.Writer
	client  *Client
	server  string
	user    string
	noColor bool
	rootCmd *cobra.Command
}

func NewCLI(opts Options) *CLI {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	cli := &CLI{out: opts.Output, client: opts.Client}
	cli.rootCmd = cli.newRootCmd()
	return cli
}

func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

func (cli *CLI) newRootCmd() *cobra.Command {
	server := os.Getenv("QC_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd := &cobra.Command{
		Use:           "qcctl",
		Short:         "Generate and inspect quality-control reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if cli.noColor {
				color.NoColor = true
			}
			if cli.client == nil {
				cli.client = NewClient(cli.server, cli.user)
			}
		},
	}
	cmd.SetOut(cli.out)
	cmd.PersistentFlags().StringVar(&cli.server, "server", server, "Report API base URL (env QC_SERVER)")
	cmd.PersistentFlags().StringVar(&cli.user, "user", os.Getenv("QC_USER"), "User id sent as x-user-id (env QC_USER)")
	cmd.PersistentFlags().BoolVar(&cli.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(cli.newGenerateCmd())
	cmd.AddCommand(cli.newStatusCmd())
	cmd.AddCommand(cli.newDownloadCmd())
	cmd.AddCommand(cli.newResyncCmd())
	cmd.AddCommand(cli.newCancelCmd())
	return cmd
}

func (cli *CLI) newGenerateCmd() *cobra.Command {
	var (
		req  workflow.GenerateRequest
		mode string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Start a report run",
		Example: `  qcctl generate --mode single_check --check c-42
  qcctl generate --mode period_summary --granularity week --period-start 2024-03-04 --brigade b-1 --wait 2m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Mode = models.ReportMode(mode)
			res, err := cli.client.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			note := ""
			if res.Existing {
				note = " (already in flight)"
			}
			fmt.Fprintf(cli.out, "report %s %s%s\n", res.ReportID, statusLabel(res.Status), note)
			if wait <= 0 {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			view, err := cli.client.WaitTerminal(ctx, res.ReportID, time.Second)
			if err != nil {
				return err
			}
			cli.printStatus(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ReportModeSingleCheck), "single_check or period_summary")
	cmd.Flags().StringVar(&req.SubjectKey, "check", "", "Check id (single_check)")
	cmd.Flags().StringVar(&req.Granularity, "granularity", "", "day, week or month (period_summary)")
	cmd.Flags().StringVar(&req.PeriodStart, "period-start", "", "Any date inside the period, YYYY-MM-DD (period_summary)")
	cmd.Flags().StringVar(&req.Department, "department", "", "Department filter")
	cmd.Flags().StringVar(&req.Brigade, "brigade", "", "Brigade filter")
	cmd.Flags().StringVar(&req.Author, "author", "", "Author filter")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the run to finish")
	return cmd
}

func (cli *CLI) newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <report-id>",
		Short: "Show a report's status, alerts and generation events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := cli.client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return utils.WriteIndentedJSON(cli.out, view)
			}
			cli.printStatus(view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	return cmd
}

func (cli *CLI) newDownloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <report-id>",
		Short: "Save a report's workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = "qc-report-" + args[0] + ".xlsx"
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := cli.client.Download(cmd.Context(), args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}
			fmt.Fprintf(cli.out, "saved %s (%s)\n", output, humanize.Bytes(uint64(n)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default qc-report-<id>.xlsx)")
	return cmd
}

func (cli *CLI) newResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <report-id>",
		Short: "Dispatch a finished report's alerts again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cli.client.Resync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.out, "report %s %s: %d created, %d adopted, %d failed\n",
				res.ReportID, statusLabel(res.Status), len(res.Created), len(res.Adopted), len(res.Failed))
			return nil
		},
	}
}

func (cli *CLI) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <report-id>",
		Short: "Cancel a run that has not started aggregating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cli.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch res {
			case workflow.CancelCancelled:
				fmt.Fprintf(cli.out, "report %s cancelled\n", args[0])
			case workflow.CancelDeferred:
				fmt.Fprintf(cli.out, "report %s is past extraction; cancellation recorded, the run will finish\n", args[0])
			default:
				fmt.Fprintf(cli.out, "report %s already finished\n", args[0])
			}
			return nil
		},
	}
}

func statusLabel(s models.ReportStatus) string {
	switch s {
	case models.ReportStatusReady:
		return color.GreenString(string(s))
	case models.ReportStatusReadyDegraded:
		return color.YellowString(string(s))
	case models.ReportStatusFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func (cli *CLI) printStatus(view *workflow.StatusView) {
	fmt.Fprintf(cli.out, "report %s  %s  %s\n", view.ReportID, view.SubjectKey, statusLabel(view.Status))
	if view.ErrorCode != "" {
		fmt.Fprintf(cli.out, "error: %s: %s\n", view.ErrorCode, view.ErrorMessage)
	}
	if view.CancelRequested {
		fmt.Fprintln(cli.out, "cancellation requested")
	}

	if md := view.Metadata; md != nil && md.AnalyticsSnapshot != nil && len(md.AnalyticsSnapshot.Alerts) > 0 {
		alerts := table.NewWriter()
		alerts.SetStyle(table.StyleLight)
		alerts.AppendHeader(table.Row{"Alert", "Brigade", "Check", "Ticket"})
		for _, a := range md.AnalyticsSnapshot.Alerts {
			ticket := md.Tickets[a.ContentHash]
			if ticket == "" {
				ticket = "-"
			}
			alerts.AppendRow(table.Row{a.Kind, a.BrigadeID, a.CheckID, ticket})
		}
		alerts.AppendFooter(table.Row{fmt.Sprintf("Total: %d alerts", len(md.AnalyticsSnapshot.Alerts))})
		fmt.Fprintln(cli.out, alerts.Render())
	}

	if len(view.Events) == 0 {
		return
	}
	events := append([]models.ReportGenerationEvent(nil), view.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].StartedAt.Before(events[j].StartedAt) })
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Trigger", "Status", "Stage", "Error", "Started"})
	for _, ev := range events {
		tbl.AppendRow(table.Row{ev.Trigger, ev.Status, ev.Stage, ev.ErrorCode, humanize.Time(ev.StartedAt)})
	}
	fmt.Fprintln(cli.out, tbl.Render())
}
