package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/types"
)

// workersCmd groups worker pool operations.
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect the worker pool",
}

var workersStatus string

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		workers, err := a.registry.List(types.WorkerStatus(workersStatus))
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(workers)
		}
		if len(workers) == 0 {
			fmt.Println("No workers.")
			return nil
		}
		fmt.Printf("%-16s %-10s %6s  %-20s %s\n", "ID", "STATUS", "PID", "HOST", "LAST HEARTBEAT")
		for _, w := range workers {
			fmt.Printf("%-16s %-10s %6d  %-20s %s\n",
				w.ID, w.Status, w.PID, w.Hostname, w.LastHeartbeatAt.Format(time.RFC3339))
		}
		return nil
	},
}

var workersReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Mark lagging workers dead and free their claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		dead, freed, err := a.registry.ReapDead(types.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(map[string]interface{}{"workers": dead, "freedTasks": freed})
		}
		if len(dead) == 0 {
			fmt.Println("All workers healthy.")
			return nil
		}
		for _, w := range dead {
			fmt.Printf("Marked %s dead (last heartbeat %s)\n", w.ID, w.LastHeartbeatAt.Format(time.RFC3339))
		}
		for _, t := range freed {
			fmt.Printf("Freed task %s\n", t)
		}
		return nil
	},
}

var workersRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Deregister a worker and release its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		released, err := a.registry.Deregister(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deregistered %s (released %d claims)\n", args[0], len(released))
		return nil
	},
}

func init() {
	workersListCmd.Flags().StringVar(&workersStatus, "status", "", "filter by status")
	workersCmd.AddCommand(workersListCmd, workersReapCmd, workersRmCmd)
}
