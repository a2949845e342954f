package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded point-in-time operations and command runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		showRuns, _ := cmd.Flags().GetBool("runs")
		if showRuns {
			return printRuns(a)
		}
		return printRecords(a)
	},
}

func init() {
	historyCmd.Flags().Bool("runs", false, "Show command runs instead of point-in-time records")
}

func printRecords(a *app) error {
	records, err := a.hist.ListRecords()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no point-in-time records")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%s  %s\n", r.Timestamp.Format(time.RFC3339), r.String())
	}
	return nil
}

func printRuns(a *app) error {
	runs, err := a.hist.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		} else if r.Degraded > 0 {
			status = fmt.Sprintf("ok, %d degraded", r.Degraded)
		}
		fmt.Printf("%s  %-10s %s\n", r.StartedAt.Format(time.RFC3339), r.Command, status)
	}
	return nil
}
