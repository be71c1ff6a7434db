package main

import (
	"os"

	"github.com/spf13/cobra"

	"tx/internal/rpc"
)

// rpcCmd bridges the services onto stdin/stdout for pipe-based harnesses.
var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "Serve newline-delimited JSON-RPC 2.0 on stdin/stdout",
	Long: `Reads one JSON-RPC 2.0 request per line from stdin and writes one
response per line to stdout. Methods:

  task.create task.get task.list task.ready task.done
  task.block task.unblock task.tree
  learning.create learning.search learning.helpful
  context.get run.heartbeat

Exits when stdin closes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		srv := rpc.NewServer(rpc.Services{
			Engine:    a.engine,
			Scheduler: a.scheduler,
			Runs:      a.runs,
			Learnings: a.learnings,
			Context:   a.assembler,
		}, os.Stdout)
		return srv.Run(cmd.Context(), os.Stdin)
	},
}
