package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"sd-batch/internal/domain"
	"sd-batch/internal/usecase"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <run-id> [execution-id]",
	Short: "Show the execution records of a run",
	Long: `Print the execution record of every job of a run, ordered by job index.
With an execution id (or a unique prefix of one) print that record in full.
Needs etcd.endpoints and etcd.history; the run id is logged when a batch
finishes.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			record, err := app.svc.Execution(cmd.Context(), &usecase.ExecutionRequest{RunID: args[0], ExecutionID: args[1]})
			if err != nil {
				return err
			}
			return printExecution(cmd.OutOrStdout(), record)
		}
		records, err := app.svc.History(cmd.Context(), &usecase.HistoryRequest{RunID: args[0]})
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), records)
	},
}

func printHistory(w io.Writer, records []*domain.ExecutionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINDEX\tKIND\tSTATUS\tENDPOINT\tDURATION\tSOURCE\tOUTPUT / ERROR")
	for _, r := range records {
		detail := strings.Join(r.Outputs, ",")
		if r.Status != domain.ExecutionStatusSuccess {
			detail = fmt.Sprintf("%s: %s", r.ErrorKind, r.Error)
		}
		fmt.Fprintf(tw, "%.8s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Index, r.Kind, r.Status, r.Endpoint, r.Duration().Round(time.Millisecond), r.Source, detail)
	}
	return tw.Flush()
}

func printExecution(w io.Writer, r *domain.ExecutionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Execution:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Job:\t%s (%s #%d)\n", r.JobID, r.Kind, r.Index)
	if r.Source != "" {
		fmt.Fprintf(tw, "Source:\t%s\n", r.Source)
	}
	fmt.Fprintf(tw, "Endpoint:\t%s\n", r.Endpoint)
	fmt.Fprintf(tw, "Started:\t%s\n", r.StartTime.Format(time.RFC3339Nano))
	fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	if r.Status != domain.ExecutionStatusSuccess {
		fmt.Fprintf(tw, "Error kind:\t%s\n", r.ErrorKind)
		fmt.Fprintf(tw, "Error:\t%s\n", r.Error)
	}
	for _, out := range r.Outputs {
		fmt.Fprintf(tw, "Output:\t%s\n", out)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
