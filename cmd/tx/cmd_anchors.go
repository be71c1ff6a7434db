package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/anchor"
	"tx/internal/types"
)

// anchorsCmd groups anchor operations.
var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Manage learning anchors",
}

var (
	anchorType      string
	anchorValue     string
	anchorSymbol    string
	anchorLineStart int
	anchorLineEnd   int
	anchorPinned    bool
)

func anchorIDArg(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("anchor id must be a positive integer: %q", arg)
	}
	return id, nil
}

var anchorsAddCmd = &cobra.Command{
	Use:   "add [learning-id] [file-path]",
	Short: "Anchor a learning to a source location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		learningID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("learning id must be an integer: %q", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		created, err := a.anchors.Create(anchor.CreateParams{
			LearningID:  learningID,
			AnchorType:  types.AnchorType(anchorType),
			FilePath:    args[1],
			AnchorValue: anchorValue,
			SymbolName:  anchorSymbol,
			LineStart:   anchorLineStart,
			LineEnd:     anchorLineEnd,
			Pinned:      anchorPinned,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(created)
		}
		fmt.Printf("Anchor %d created (%s on %s)\n", created.ID, created.AnchorType, created.FilePath)
		return nil
	},
}

var anchorsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an anchor, re-verifying if stale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := anchorIDArg(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		an, err := a.anchors.EnsureFresh(id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(an)
		}
		printAnchor(an)
		return nil
	},
}

var anchorsVerifyCmd = &cobra.Command{
	Use:   "verify [id]",
	Short: "Re-verify an anchor now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := anchorIDArg(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		an, err := a.anchors.Verify(id, types.DetectedManual)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(an)
		}
		printAnchor(an)
		return nil
	},
}

var anchorsRestoreCmd = &cobra.Command{
	Use:   "restore [id]",
	Short: "Rewind an anchor to its pre-transition state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := anchorIDArg(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		an, err := a.anchors.Restore(id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(an)
		}
		fmt.Printf("Anchor %d restored to %s\n", an.ID, an.Status)
		return nil
	},
}

var anchorsPinCmd = &cobra.Command{
	Use:   "pin [id]",
	Short: "Pin an anchor (exempt from automatic invalidation)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPin(args[0], true) },
}

var anchorsUnpinCmd = &cobra.Command{
	Use:   "unpin [id]",
	Short: "Unpin an anchor",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPin(args[0], false) },
}

func setPin(arg string, pinned bool) error {
	id, err := anchorIDArg(arg)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.anchors.SetPinned(id, pinned); err != nil {
		return err
	}
	state := "unpinned"
	if pinned {
		state = "pinned"
	}
	fmt.Printf("Anchor %d %s\n", id, state)
	return nil
}

var anchorsHistoryCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show an anchor's transition audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := anchorIDArg(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		history, err := a.anchors.History(id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(history)
		}
		if len(history) == 0 {
			fmt.Println("No transitions.")
			return nil
		}
		for _, e := range history {
			fmt.Printf("%s  %s -> %s (%s", e.CreatedAt.Format(time.RFC3339), e.OldStatus, e.NewStatus, e.DetectedBy)
			if e.Reason != "" {
				fmt.Printf(": %s", e.Reason)
			}
			fmt.Println(")")
		}
		return nil
	},
}

var anchorsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete long-invalid unpinned anchors",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		pruned, err := a.anchors.Prune(time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d anchors\n", pruned)
		return nil
	},
}

func printAnchor(a types.Anchor) {
	fmt.Printf("Anchor %d  %s on %s\n", a.ID, a.AnchorType, a.FilePath)
	fmt.Printf("  status: %s  pinned: %v  learning: %d\n", a.Status, a.Pinned, a.LearningID)
	if a.SymbolName != "" {
		fmt.Printf("  symbol: %s\n", a.SymbolName)
	}
	if a.LineStart > 0 {
		fmt.Printf("  lines: %d-%d\n", a.LineStart, a.LineEnd)
	}
	fmt.Printf("  verified: %s\n", fmtTime(a.VerifiedAt))
}

func init() {
	anchorsAddCmd.Flags().StringVar(&anchorType, "type", "hash", "anchor type: glob, hash, symbol, line_range")
	anchorsAddCmd.Flags().StringVar(&anchorValue, "value", "", "glob pattern or free-form payload")
	anchorsAddCmd.Flags().StringVar(&anchorSymbol, "symbol", "", "symbol name (symbol anchors)")
	anchorsAddCmd.Flags().IntVar(&anchorLineStart, "start", 0, "first line (1-indexed)")
	anchorsAddCmd.Flags().IntVar(&anchorLineEnd, "end", 0, "last line")
	anchorsAddCmd.Flags().BoolVar(&anchorPinned, "pin", false, "pin the anchor")

	anchorsCmd.AddCommand(anchorsAddCmd, anchorsShowCmd, anchorsVerifyCmd,
		anchorsRestoreCmd, anchorsPinCmd, anchorsUnpinCmd, anchorsHistoryCmd,
		anchorsPruneCmd)
}
