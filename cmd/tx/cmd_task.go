package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/types"
)

// taskCmd groups task graph operations.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the task graph",
}

var (
	taskDesc     string
	taskScore    int
	taskParent   string
	taskStatus   string
	taskSearch   string
	taskCursor   string
	taskLimit    int
	taskRootOnly bool
	taskCascade  bool

	readyLimit          int
	readyIncludeClaimed bool
)

var taskCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		params := task.CreateParams{
			Title:       strings.Join(args, " "),
			Description: taskDesc,
			ParentID:    taskParent,
			Status:      types.TaskStatus(taskStatus),
		}
		if cmd.Flags().Changed("score") {
			params.Score = &taskScore
		}
		t, err := a.engine.Create(params)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(t)
		}
		fmt.Printf("Created %s (score %d, status %s)\n", t.ID, t.Score, t.Status)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		page, err := a.engine.List(store.TaskFilter{
			Status:   types.TaskStatus(taskStatus),
			ParentID: taskParent,
			RootOnly: taskRootOnly,
			Search:   taskSearch,
			Cursor:   taskCursor,
			Limit:    taskLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(page)
		}
		printTaskTable(page.Items)
		if page.HasMore {
			fmt.Printf("\nMore results: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a task with its dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		twd, err := a.engine.GetWithDeps(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(twd)
		}
		t := twd.Task
		fmt.Printf("%s  %s\n", t.ID, t.Title)
		fmt.Printf("  status: %s  score: %d  ready: %v\n", t.Status, t.Score, twd.IsReady)
		if t.Description != "" {
			fmt.Printf("  %s\n", t.Description)
		}
		if t.ParentID != "" {
			fmt.Printf("  parent: %s\n", t.ParentID)
		}
		if len(twd.BlockedBy) > 0 {
			fmt.Printf("  blocked by: %s\n", strings.Join(twd.BlockedBy, ", "))
		}
		if len(twd.Blocks) > 0 {
			fmt.Printf("  blocks: %s\n", strings.Join(twd.Blocks, ", "))
		}
		if len(twd.Children) > 0 {
			fmt.Printf("  children: %s\n", strings.Join(twd.Children, ", "))
		}
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done [id]",
	Short: "Complete a task and report newly unblocked tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		t, nowReady, err := a.scheduler.Done(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(map[string]interface{}{"task": t, "nowReady": nowReady})
		}
		fmt.Printf("Done: %s  %s\n", t.ID, t.Title)
		for _, r := range nowReady {
			fmt.Printf("  now ready: %s (score %d) %s\n", r.ID, r.Score, r.Title)
		}
		return nil
	},
}

var taskReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List workable tasks in scheduling order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ready, err := a.scheduler.GetReady(readyLimit, !readyIncludeClaimed)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(ready)
		}
		tasks := make([]types.Task, 0, len(ready))
		for _, r := range ready {
			tasks = append(tasks, r.Task)
		}
		printTaskTable(tasks)
		return nil
	},
}

var taskBlockCmd = &cobra.Command{
	Use:   "block [id] [blocker-id]",
	Short: "Add a blocking dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.AddBlocker(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s is now blocked by %s\n", args[0], args[1])
		return nil
	},
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock [id] [blocker-id]",
	Short: "Remove a blocking dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.RemoveBlocker(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s is no longer blocked by %s\n", args[0], args[1])
		return nil
	},
}

var taskTreeCmd = &cobra.Command{
	Use:   "tree [id]",
	Short: "Print the subtree rooted at a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		tree, err := a.engine.GetTree(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(tree)
		}
		printTree(tree, 0)
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.Remove(args[0], taskCascade); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id] [worker-id]",
	Short: "Claim a task for a worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		claim, err := a.registry.Claim(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(claim)
		}
		fmt.Printf("Claimed %s for %s\n", claim.TaskID, claim.WorkerID)
		return nil
	},
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release [task-id] [worker-id]",
	Short: "Release a claim",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.registry.Release(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Released %s\n", args[0])
		return nil
	},
}

func printTaskTable(tasks []types.Task) {
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}
	fmt.Printf("%-16s %-22s %5s  %s\n", "ID", "STATUS", "SCORE", "TITLE")
	for _, t := range tasks {
		fmt.Printf("%-16s %-22s %5d  %s\n", t.ID, t.Status, t.Score, t.Title)
	}
}

func printTree(node *types.TaskTreeNode, depth int) {
	if node == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s (%s, score %d) %s\n", indent, node.Task.ID, node.Task.Status, node.Task.Score, node.Task.Title)
	for _, child := range node.Children {
		printTree(child, depth+1)
	}
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskDesc, "desc", "", "task description")
	taskCreateCmd.Flags().IntVar(&taskScore, "score", 500, "priority score 0-1000")
	taskCreateCmd.Flags().StringVar(&taskParent, "parent", "", "parent task id")
	taskCreateCmd.Flags().StringVar(&taskStatus, "status", "", "initial status (default backlog)")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "filter by status")
	taskListCmd.Flags().StringVar(&taskParent, "parent", "", "filter by parent id")
	taskListCmd.Flags().BoolVar(&taskRootOnly, "root", false, "root tasks only")
	taskListCmd.Flags().StringVar(&taskSearch, "search", "", "substring match on title/description")
	taskListCmd.Flags().StringVar(&taskCursor, "cursor", "", "pagination cursor")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "page size")

	taskReadyCmd.Flags().IntVar(&readyLimit, "limit", 20, "max tasks")
	taskReadyCmd.Flags().BoolVar(&readyIncludeClaimed, "include-claimed", false, "include tasks already claimed")

	taskRmCmd.Flags().BoolVar(&taskCascade, "cascade", false, "delete descendants too")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskDoneCmd,
		taskReadyCmd, taskBlockCmd, taskUnblockCmd, taskTreeCmd, taskRmCmd,
		taskClaimCmd, taskReleaseCmd)
}
