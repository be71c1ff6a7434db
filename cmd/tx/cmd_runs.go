package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/types"
)

// runsCmd groups run session operations.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and reap agent run sessions",
}

var (
	runsAgent   string
	runsStatus  string
	runsTaskID  string
	runsLimit   int
	reapDryRun  bool
	reapNoReset bool
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		page, err := a.runs.List(store.RunFilter{
			Agent:  runsAgent,
			Status: types.RunStatus(runsStatus),
			TaskID: runsTaskID,
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(page)
		}
		if len(page.Items) == 0 {
			fmt.Println("No runs.")
			return nil
		}
		fmt.Printf("%-16s %-12s %-10s %6s  %s\n", "ID", "AGENT", "STATUS", "PID", "LAST ACTIVITY")
		for _, r := range page.Items {
			fmt.Printf("%-16s %-12s %-10s %6d  %s\n",
				r.ID, r.Agent, r.Status, r.PID, r.LastActivityAt.Format(time.RFC3339))
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		r, err := a.runs.Get(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(r)
		}
		fmt.Printf("%s  agent=%s status=%s pid=%d\n", r.ID, r.Agent, r.Status, r.PID)
		if r.TaskID != "" {
			fmt.Printf("  task: %s\n", r.TaskID)
		}
		fmt.Printf("  activity: %s  completed: %s\n", r.LastActivityAt.Format(time.RFC3339), fmtTime(r.CompletedAt))
		if r.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", r.ErrorMessage)
		}
		return nil
	},
}

var runsStalledCmd = &cobra.Command{
	Use:   "stalled",
	Short: "List runs that look stalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		stalled, err := a.reaper.ListStalled(types.Now(), 0, 0)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(stalled)
		}
		if len(stalled) == 0 {
			fmt.Println("No stalled runs.")
			return nil
		}
		for _, s := range stalled {
			fmt.Printf("%s  %s for %s (pid %d)\n", s.Run.ID, s.Reason, s.ObservedBy.Round(time.Second), s.Run.PID)
		}
		return nil
	},
}

var runsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Terminate stalled runs and reset their tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		results, err := a.reaper.ReapStalled(types.Now(), run.ReapOptions{
			ResetTask: !reapNoReset,
			DryRun:    reapDryRun,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(results)
		}
		if len(results) == 0 {
			fmt.Println("Nothing to reap.")
			return nil
		}
		for _, r := range results {
			verb := "reaped"
			if r.DryRun {
				verb = "would reap"
			}
			fmt.Printf("%s %s (%s, terminated=%v, taskReset=%v)\n",
				verb, r.RunID, r.Reason, r.ProcessTerminated, r.TaskReset)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().StringVar(&runsAgent, "agent", "", "filter by agent")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsListCmd.Flags().StringVar(&runsTaskID, "task", "", "filter by task id")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 50, "page size")

	runsReapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "report without terminating")
	runsReapCmd.Flags().BoolVar(&reapNoReset, "no-reset", false, "leave the claimed task active")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStalledCmd, runsReapCmd)
}
