package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage execution sessions"}
	cmd.AddCommand(sessionCreateCmd(), sessionStartCmd(), sessionListCmd(), sessionGetCmd(),
		sessionCompleteCmd(), sessionMergeConflictCmd())
	return cmd
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("branch", "", "git branch the agent works on")
	cmd.Flags().String("base", "", "base commit")
	cmd.Flags().Int("timeout", 0, "timeout in minutes (defaults to config)")
	cmd.Flags().Int("retries", 0, "max retries")
	cmd.Flags().StringSlice("tool", nil, "tool available to the agent (repeatable)")
}

func sessionConfigFromFlags(cmd *cobra.Command) (branch, base string, timeout int, cfg domain.SessionConfig) {
	branch, _ = cmd.Flags().GetString("branch")
	base, _ = cmd.Flags().GetString("base")
	timeout, _ = cmd.Flags().GetInt("timeout")
	cfg.MaxRetries, _ = cmd.Flags().GetInt("retries")
	cfg.Tools, _ = cmd.Flags().GetStringSlice("tool")
	return branch, base, timeout, cfg
}

func sessionCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <task-id> <agent-id>",
		Short: "Create a pending session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, base, timeout, cfg := sessionConfigFromFlags(cmd)
			opts := engine.SessionCreateOptions{TaskID: args[0], AgentID: args[1], GitBranch: branch, BaseCommit: base, Config: cfg, TimeoutMinutes: timeout}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSession(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(s)
				}
				fmt.Printf("created session %s for task %s\n", s.ID, short(s.TaskID))
				return nil
			})
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func sessionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a pending session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(s)
				}
				fmt.Printf("session %s %s\n", short(s.ID), colorize(string(s.Status)))
				return nil
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.SessionFilters{}
			if v, _ := cmd.Flags().GetString("status"); v != "" {
				s, err := domain.ParseSessionStatus(v)
				if err != nil {
					return err
				}
				f.Status = s
			}
			f.TaskID, _ = cmd.Flags().GetString("task")
			f.AgentID, _ = cmd.Flags().GetString("agent")
			f.GitBranch, _ = cmd.Flags().GetString("branch")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				sessions, err := e.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(sessions)
				}
				tw := newTable("ID", "Status", "Task", "Agent", "Branch", "Timeout", "Started")
				for _, s := range sessions {
					tw.AppendRow([]any{short(s.ID), colorize(string(s.Status)), short(s.TaskID), short(s.AgentID), s.GitBranch, fmt.Sprintf("%dm", s.TimeoutMinutes), deref(s.StartedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().String("task", "", "filter by task")
	cmd.Flags().String("agent", "", "filter by agent")
	cmd.Flags().String("branch", "", "filter by git branch")
	return cmd
}

func sessionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Close a session without touching its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := outcomeFromFlags(cmd)
			if err != nil {
				return err
			}
			so := engine.SessionOutcome{Success: out.Success, FinalCommit: out.FinalCommit, Result: out.Result, ErrorMessage: out.ErrorMessage}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CompleteSession(ctx, args[0], so)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(s)
				}
				fmt.Printf("session %s %s\n", short(s.ID), colorize(string(s.Status)))
				return nil
			})
		},
	}
	addOutcomeFlags(cmd)
	return cmd
}

func sessionMergeConflictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge-conflict <session-id> <file>...",
		Short: "Report a merge conflict hit by a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ReportMergeConflict(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(c)
				}
				fmt.Printf("conflict %s [%s] %s\n", c.ID, colorize(string(c.Severity)), c.Title)
				return nil
			})
		},
	}
}

func addOutcomeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("success", true, "whether the work succeeded")
	cmd.Flags().String("commit", "", "final commit")
	cmd.Flags().String("error", "", "error message for a failed run")
	cmd.Flags().String("result", "", "execution result JSON")
	cmd.Flags().StringSlice("tech", nil, "technology used (repeatable)")
}

func outcomeFromFlags(cmd *cobra.Command) (engine.Outcome, error) {
	var out engine.Outcome
	out.Success, _ = cmd.Flags().GetBool("success")
	out.FinalCommit, _ = cmd.Flags().GetString("commit")
	out.ErrorMessage, _ = cmd.Flags().GetString("error")
	out.Technologies, _ = cmd.Flags().GetStringSlice("tech")
	if raw, _ := cmd.Flags().GetString("result"); raw != "" {
		out.Result = &domain.ExecutionResult{}
		if err := json.Unmarshal([]byte(raw), out.Result); err != nil {
			return out, fmt.Errorf("invalid --result: %w", err)
		}
	}
	return out, nil
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign [task-id]",
		Short: "Assign a task to an agent, or every ready task with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			agentID, _ := cmd.Flags().GetString("agent")
			if all == (len(args) == 1) {
				return fmt.Errorf("give a task id or --all")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if all {
					report, err := e.AssignReadyTasks(ctx, "")
					if err != nil {
						return err
					}
					if jsonOutput() {
						return printJSON(report)
					}
					for _, as := range report.Assigned {
						fmt.Printf("%s -> %s (%s)\n", short(as.Task.ID), short(as.Agent.ID), as.Agent.Name)
					}
					fmt.Printf("assigned %d, unassigned %d, skipped %d\n", len(report.Assigned), len(report.Unassigned), len(report.Skipped))
					return nil
				}
				var as engine.Assignment
				var err error
				if agentID != "" {
					as, err = e.AssignTask(ctx, args[0], agentID)
				} else {
					as, err = e.AutoAssign(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(as)
				}
				fmt.Printf("task %s assigned to %s (%s)\n", short(as.Task.ID), short(as.Agent.ID), as.Agent.Name)
				return nil
			})
		},
	}
	cmd.Flags().String("agent", "", "agent id (best match when empty)")
	cmd.Flags().Bool("all", false, "assign every ready task")
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Open a running session for an assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, base, timeout, cfg := sessionConfigFromFlags(cmd)
			opts := engine.StartOptions{GitBranch: branch, BaseCommit: base, Config: cfg, TimeoutMinutes: timeout}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.StartTask(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(report)
				}
				fmt.Printf("task %s %s in session %s\n", short(report.Task.ID), colorize(string(report.Task.Status)), report.Session.ID)
				return nil
			})
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func completeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Finish a session and settle its task and agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := outcomeFromFlags(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.CompleteTask(ctx, args[0], out)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(report)
				}
				fmt.Printf("task %s %s (score %.2f)\n", short(report.Task.ID), colorize(string(report.Task.Status)), report.Evaluation.Score)
				fmt.Printf("agent %s %s, success %.0f%%\n", short(report.Agent.ID), colorize(string(report.Agent.Status)), report.Agent.Stats.SuccessRate*100)
				for _, id := range report.ReadyTaskIDs {
					fmt.Printf("now ready: %s\n", id)
				}
				return nil
			})
		},
	}
	addOutcomeFlags(cmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail sessions that outlived their timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			interval, _ := cmd.Flags().GetDuration("interval")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if watch {
					e.Logger = cliLoggerTo(true)
					s := engine.NewSweeper(e)
					if interval > 0 {
						s.Interval = interval
					}
					return s.Run(ctx)
				}
				swept, err := e.HandleTimeouts(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(swept)
				}
				for _, s := range swept {
					fmt.Printf("session %s %s (task %s)\n", short(s.ID), colorize(string(s.Status)), short(s.TaskID))
				}
				fmt.Printf("%d timed out\n", len(swept))
				return nil
			})
		},
	}
	cmd.Flags().Bool("watch", false, "keep sweeping until interrupted")
	cmd.Flags().Duration("interval", 0, "sweep interval (defaults to sessions.sweep_interval)")
	return cmd
}
