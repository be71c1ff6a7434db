package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tx/internal/learning"
	"tx/internal/retrieval"
	"tx/internal/types"
)

// learnCmd groups learning store operations.
var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Manage the learning store",
}

var (
	learnCategory  string
	learnKeywords  []string
	learnSource    string
	learnSourceRef string
	learnLimit     int
	learnMinScore  float64
	reembedBatch   int
)

var learnAddCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Record a learning",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		l, err := a.learnings.Create(cmd.Context(), learning.CreateParams{
			Content:    strings.Join(args, " "),
			SourceType: types.LearningSource(learnSource),
			SourceRef:  learnSourceRef,
			Keywords:   learnKeywords,
			Category:   learnCategory,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(l)
		}
		fmt.Printf("Learning %d recorded (%d keywords)\n", l.ID, len(l.Keywords))
		return nil
	},
}

var learnSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Hybrid search over learnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		opts := retrieval.Options{Limit: learnLimit, Category: learnCategory}
		if cmd.Flags().Changed("min-score") {
			opts.MinScore = &learnMinScore
		}
		results, err := a.learnings.Search(cmd.Context(), strings.Join(args, " "), opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(results)
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, r := range results {
			fmt.Printf("[%d] %.3f  %s\n", r.ID, r.RelevanceScore, firstLine(r.Content))
		}
		return nil
	},
}

var learnShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("learning id must be an integer: %q", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		l, err := a.learnings.Get(id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(l)
		}
		fmt.Printf("Learning %d (%s", l.ID, l.SourceType)
		if l.Category != "" {
			fmt.Printf(", %s", l.Category)
		}
		fmt.Printf(")\n%s\n", l.Content)
		fmt.Printf("used %d times, last %s\n", l.UsageCount, fmtTime(l.LastUsedAt))
		return nil
	},
}

var learnRmCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a learning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("learning id must be an integer: %q", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.learnings.Delete(id); err != nil {
			return err
		}
		fmt.Printf("Deleted learning %d\n", id)
		return nil
	},
}

var learnHelpfulCmd = &cobra.Command{
	Use:   "helpful [id] [score]",
	Short: "Set a learning's outcome score (0-1)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("learning id must be an integer: %q", args[0])
		}
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("score must be a number: %q", args[1])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.learnings.SetOutcome(id, score); err != nil {
			return err
		}
		fmt.Printf("Learning %d outcome set to %.2f\n", id, score)
		return nil
	},
}

var learnRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent learnings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		recent, err := a.learnings.Recent(learnLimit, learnCategory)
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(recent)
		}
		for _, l := range recent {
			fmt.Printf("[%d] %s  %s\n", l.ID, l.CreatedAt.Format("2006-01-02"), firstLine(l.Content))
		}
		return nil
	},
}

var learnReembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Backfill embeddings for learnings that lack them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if !a.embedder.Available() {
			return fmt.Errorf("no embedding provider configured (set embedding.provider)")
		}
		n, err := a.learnings.ReembedAll(cmd.Context(), reembedBatch)
		if err != nil {
			return err
		}
		fmt.Printf("Embedded %d learnings with %s\n", n, a.embedder.Name())
		return nil
	},
}

var learnContextCmd = &cobra.Command{
	Use:   "context [task-id]",
	Short: "Assemble the learning context for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, err := a.assembler.GetContext(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return emit(ctx)
		}
		fmt.Printf("Context for %s: %s (%d learnings, %s)\n",
			ctx.TaskID, ctx.TaskTitle, len(ctx.Learnings), ctx.SearchDuration)
		for _, l := range ctx.Learnings {
			fmt.Printf("  [%d] %.3f  %s\n", l.ID, l.RelevanceScore, firstLine(l.Content))
		}
		return nil
	},
}

// firstLine truncates content for table output.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		return s[:100] + "…"
	}
	return s
}

func init() {
	learnAddCmd.Flags().StringVar(&learnCategory, "category", "", "learning category")
	learnAddCmd.Flags().StringSliceVar(&learnKeywords, "keyword", nil, "explicit keywords (repeatable)")
	learnAddCmd.Flags().StringVar(&learnSource, "source", "", "source type (default manual)")
	learnAddCmd.Flags().StringVar(&learnSourceRef, "ref", "", "source reference (path, run id)")

	learnSearchCmd.Flags().IntVar(&learnLimit, "limit", 10, "max results")
	learnSearchCmd.Flags().Float64Var(&learnMinScore, "min-score", 0, "relevance floor")
	learnSearchCmd.Flags().StringVar(&learnCategory, "category", "", "restrict to a category")

	learnRecentCmd.Flags().IntVar(&learnLimit, "limit", 10, "max results")
	learnRecentCmd.Flags().StringVar(&learnCategory, "category", "", "restrict to a category")

	learnReembedCmd.Flags().IntVar(&reembedBatch, "batch", 32, "embedding batch size")

	learnCmd.AddCommand(learnAddCmd, learnSearchCmd, learnShowCmd, learnRmCmd,
		learnHelpfulCmd, learnRecentCmd, learnReembedCmd, learnContextCmd)
}
