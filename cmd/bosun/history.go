package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Bosun/internal/history"
	"github.com/CZERTAINLY/Bosun/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists finished executions, most recent first",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := history.Open(ctx, config.History)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printHistory(cmd.OutOrStdout(), records)
}

func printHistory(w io.Writer, records []model.Execution) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTOOL\tSTATUS\tEXIT\tSTARTED\tDURATION")
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		duration := "-"
		if r.EndTime != nil {
			duration = r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ToolID, r.Status, exit, r.StartTime.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}
