package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func conflictCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "conflict", Short: "Track and resolve coordination conflicts"}
	cmd.AddCommand(conflictRaiseCmd(), conflictListCmd(), conflictGetCmd(), conflictAnalyzeCmd(),
		conflictEscalateCmd(), conflictResolvingCmd(), conflictResolveCmd(), conflictIgnoreCmd(),
		conflictDecideCmd(), conflictDecisionsCmd(), conflictQueueCmd(), conflictStatsCmd(),
		conflictScanCmd(), conflictPurgeCmd())
	return cmd
}

func printConflicts(cs []domain.Conflict) error {
	if jsonOutput() {
		return printJSON(cs)
	}
	tw := newTable("ID", "Type", "Severity", "Status", "Tasks", "Agents", "Title")
	for _, c := range cs {
		tw.AppendRow([]any{short(c.ID), c.Type, colorize(string(c.Severity)), colorize(string(c.Status)), len(c.AffectedTaskIDs), len(c.AffectedAgentIDs), c.Title})
	}
	tw.Render()
	return nil
}

func printConflict(c domain.Conflict) error {
	if jsonOutput() {
		return printJSON(c)
	}
	fmt.Printf("conflict %s %s [%s]\n", short(c.ID), colorize(string(c.Status)), colorize(string(c.Severity)))
	return nil
}

func conflictRaiseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raise <type>",
		Short: "Record a conflict by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseConflictType(args[0])
			if err != nil {
				return err
			}
			opts := engine.ConflictOptions{Type: t}
			if v, _ := cmd.Flags().GetString("severity"); v != "" {
				s, err := domain.ParseSeverity(v)
				if err != nil {
					return err
				}
				opts.Severity = s
			}
			opts.Title, _ = cmd.Flags().GetString("title")
			opts.Description, _ = cmd.Flags().GetString("description")
			opts.AffectedTaskIDs, _ = cmd.Flags().GetStringSlice("task")
			opts.AffectedAgentIDs, _ = cmd.Flags().GetStringSlice("agent")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.DetectConflict(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(c)
				}
				fmt.Printf("raised conflict %s [%s] %s\n", c.ID, colorize(string(c.Severity)), c.Title)
				return nil
			})
		},
	}
	cmd.Flags().String("severity", "", "low|medium|high|critical (defaults by type)")
	cmd.Flags().String("title", "", "title")
	cmd.Flags().String("description", "", "description")
	cmd.Flags().StringSlice("task", nil, "affected task (repeatable)")
	cmd.Flags().StringSlice("agent", nil, "affected agent (repeatable)")
	return cmd
}

func conflictListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ConflictFilters{}
			if v, _ := cmd.Flags().GetString("type"); v != "" {
				t, err := domain.ParseConflictType(v)
				if err != nil {
					return err
				}
				f.Type = t
			}
			if v, _ := cmd.Flags().GetString("severity"); v != "" {
				s, err := domain.ParseSeverity(v)
				if err != nil {
					return err
				}
				f.Severity = s
			}
			if v, _ := cmd.Flags().GetString("status"); v != "" {
				s, err := domain.ParseConflictStatus(v)
				if err != nil {
					return err
				}
				f.Status = s
			}
			f.ActiveOnly, _ = cmd.Flags().GetBool("active")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				cs, err := e.ListConflicts(ctx, f)
				if err != nil {
					return err
				}
				return printConflicts(cs)
			})
		},
	}
	cmd.Flags().String("type", "", "filter by type")
	cmd.Flags().String("severity", "", "filter by severity")
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().Bool("active", false, "only conflicts that are not resolved or ignored")
	return cmd
}

func conflictGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetConflict(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conflictAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <id>",
		Short: "Mark a detected conflict as under analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AnalyzeConflict(ctx, args[0])
				if err != nil {
					return err
				}
				return printConflict(c)
			})
		},
	}
}

func conflictEscalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate <id>",
		Short: "Hand a conflict to a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignee, _ := cmd.Flags().GetString("assignee")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.EscalateConflict(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				return printConflict(c)
			})
		},
	}
	cmd.Flags().String("assignee", "", "human responsible for the decision")
	return cmd
}

func conflictResolvingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolving <id>",
		Short: "Mark that a resolution is being applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.BeginResolution(ctx, args[0])
				if err != nil {
					return err
				}
				return printConflict(c)
			})
		},
	}
}

func conflictResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, _ := cmd.Flags().GetString("strategy")
			note, _ := cmd.Flags().GetString("note")
			auto, _ := cmd.Flags().GetBool("auto")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveConflict(ctx, args[0], strategy, note, auto)
				if err != nil {
					return err
				}
				return printConflict(c)
			})
		},
	}
	cmd.Flags().String("strategy", "", "resolution strategy")
	cmd.Flags().String("note", "", "resolution note")
	cmd.Flags().Bool("auto", false, "count as an automatic resolution")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func conflictIgnoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore <id>",
		Short: "Close a conflict without resolving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.IgnoreConflict(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printConflict(c)
			})
		},
	}
	cmd.Flags().String("reason", "", "why the conflict is ignored")
	return cmd
}

func conflictDecideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <id> <approve|reject|modify|escalate>",
		Short: "Record a human decision on a conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dt, err := domain.ParseDecisionType(args[1])
			if err != nil {
				return err
			}
			opts := engine.DecisionOptions{Type: dt}
			opts.Reasoning, _ = cmd.Flags().GetString("reason")
			opts.DecidedBy, _ = cmd.Flags().GetString("by")
			opts.FollowUpActions, _ = cmd.Flags().GetStringSlice("follow-up")
			if raw, _ := cmd.Flags().GetString("payload"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &opts.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordDecision(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(d)
				}
				fmt.Printf("decision %s %s by %s\n", short(d.ID), d.DecisionType, d.DecidedBy)
				return nil
			})
		},
	}
	cmd.Flags().String("by", "", "who decided")
	cmd.Flags().String("reason", "", "reasoning")
	cmd.Flags().String("payload", "", "decision payload JSON object")
	cmd.Flags().StringSlice("follow-up", nil, "follow-up action (repeatable)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func conflictDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <id>",
		Short: "List decisions recorded on a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ds, err := e.ListDecisions(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(ds)
				}
				tw := newTable("ID", "Type", "By", "At", "Reasoning")
				for _, d := range ds {
					tw.AppendRow([]any{short(d.ID), d.DecisionType, d.DecidedBy, d.CreatedAt, d.Reasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func conflictQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List escalated conflicts, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.EscalatedQueue(ctx, "")
				if err != nil {
					return err
				}
				return printConflicts(cs)
			})
		},
	}
}

func conflictStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize conflicts of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ConflictStats(ctx, "")
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(st)
				}
				fmt.Printf("total %d  open %d  resolved %d  ignored %d  auto %d\n", st.Total, st.Open, st.Resolved, st.Ignored, st.AutoResolved)
				fmt.Printf("resolution rate %.0f%%  auto-resolution rate %.0f%%\n", st.ResolutionRate*100, st.AutoResolutionRate*100)
				tw := newTable("Type", "Count")
				types := make([]string, 0, len(st.ByType))
				for t := range st.ByType {
					types = append(types, string(t))
				}
				sort.Strings(types)
				for _, t := range types {
					tw.AppendRow([]any{t, st.ByType[domain.ConflictType(t)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func conflictScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Detect cycles, contention, capability gaps and overlaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.ScanConflicts(ctx, "")
				if err != nil {
					return err
				}
				if !jsonOutput() && len(cs) == 0 {
					fmt.Println("no new conflicts")
					return nil
				}
				return printConflicts(cs)
			})
		},
	}
}

func conflictPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete closed conflicts older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			before := time.Now().UTC().Add(-age)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.PurgeConflicts(ctx, "", before)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"purged": ids})
				}
				fmt.Printf("purged %d closed conflicts detected before %s\n", len(ids), before.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().Duration("older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}
