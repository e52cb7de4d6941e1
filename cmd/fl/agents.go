package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage the agent pool"}
	cmd.AddCommand(agentRegisterCmd(), agentListCmd(), agentGetCmd(), agentStatusCmd(),
		agentRetireCmd(), agentWorkCmd(), agentMatchCmd(), agentSelectCmd(), agentConflictsCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AgentRegisterOptions{Name: args[0]}
			opts.ID, _ = cmd.Flags().GetString("id")
			opts.UserID, _ = cmd.Flags().GetString("user")
			caps, _ := cmd.Flags().GetStringSlice("cap")
			opts.Capabilities = toCapabilities(caps)
			opts.Specialties, _ = cmd.Flags().GetStringSlice("specialty")
			skills, _ := cmd.Flags().GetStringSlice("skill")
			levels, err := parseSkillLevels(skills)
			if err != nil {
				return err
			}
			opts.SkillLevels = levels
			if raw, _ := cmd.Flags().GetString("config"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &opts.Config); err != nil {
					return fmt.Errorf("invalid --config: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a)
				}
				fmt.Printf("registered agent %s %q [%s]\n", a.ID, a.Name, joinCaps(a.Capabilities))
				return nil
			})
		},
	}
	cmd.Flags().String("id", "", "explicit agent id")
	cmd.Flags().String("user", "", "owning user id")
	cmd.Flags().StringSlice("cap", nil, "capability (repeatable)")
	cmd.Flags().StringSlice("specialty", nil, "specialty (repeatable)")
	cmd.Flags().StringSlice("skill", nil, "skill level as capability=1..10 (repeatable)")
	cmd.Flags().String("config", "", "agent config JSON")
	_ = cmd.MarkFlagRequired("cap")
	return cmd
}

func parseSkillLevels(in []string) (map[domain.Capability]int, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[domain.Capability]int, len(in))
	for _, kv := range in {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --skill %q (want capability=level)", kv)
		}
		level, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid --skill %q: %w", kv, err)
		}
		out[domain.Capability(strings.TrimSpace(name))] = level
	}
	return out, nil
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.AgentFilters{}
			if v, _ := cmd.Flags().GetString("status"); v != "" {
				s, err := domain.ParseAgentStatus(v)
				if err != nil {
					return err
				}
				f.Status = s
			}
			capName, _ := cmd.Flags().GetString("cap")
			f.Capability = domain.Capability(capName)
			f.UserID, _ = cmd.Flags().GetString("user")
			f.ExcludeOffline, _ = cmd.Flags().GetBool("online")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				return printAgents(agents)
			})
		},
	}
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().String("cap", "", "filter by capability")
	cmd.Flags().String("user", "", "filter by owning user")
	cmd.Flags().Bool("online", false, "hide offline agents")
	return cmd
}

func printAgents(agents []domain.Agent) error {
	if jsonOutput() {
		return printJSON(agents)
	}
	tw := newTable("ID", "Name", "Status", "Capabilities", "Done", "Success", "Trend", "Task")
	for _, a := range agents {
		tw.AppendRow([]any{
			short(a.ID), a.Name, colorize(string(a.Status)), joinCaps(a.Capabilities),
			a.Stats.TasksCompleted, fmt.Sprintf("%.0f%%", a.Stats.SuccessRate*100),
			colorize(string(a.PerformanceTrend)), short(deref(a.CurrentTaskID)),
		})
	}
	tw.Render()
	return nil
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <idle|working|paused|error|offline>",
		Short: "Move an agent to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseAgentStatus(args[1])
			if err != nil {
				return err
			}
			taskID, _ := cmd.Flags().GetString("task")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.TransitionAgent(ctx, args[0], to, taskID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a)
				}
				fmt.Printf("agent %s %s\n", short(a.ID), colorize(string(a.Status)))
				return nil
			})
		},
	}
	cmd.Flags().String("task", "", "current task when moving to working")
	return cmd
}

func agentRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <id>",
		Short: "Take an agent out of the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RetireAgent(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a)
				}
				fmt.Printf("agent %s %s\n", short(a.ID), colorize(string(a.Status)))
				return nil
			})
		},
	}
}

func agentWorkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work <id>",
		Short: "Record a finished piece of work for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var as domain.SkillAssessment
			as.TaskID, _ = cmd.Flags().GetString("task")
			as.Success, _ = cmd.Flags().GetBool("success")
			as.QualityScore, _ = cmd.Flags().GetFloat64("quality")
			as.DurationMinutes, _ = cmd.Flags().GetFloat64("minutes")
			as.Technologies, _ = cmd.Flags().GetStringSlice("tech")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordWork(ctx, args[0], as)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(a)
				}
				fmt.Printf("agent %s success %.0f%% trend %s\n", short(a.ID), a.Stats.SuccessRate*100, colorize(string(a.PerformanceTrend)))
				return nil
			})
		},
	}
	cmd.Flags().String("task", "", "task id")
	cmd.Flags().Bool("success", true, "whether the work succeeded")
	cmd.Flags().Float64("quality", 0, "quality score 0..10")
	cmd.Flags().Float64("minutes", 0, "duration in minutes")
	cmd.Flags().StringSlice("tech", nil, "technology used (repeatable)")
	return cmd
}

func agentMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <id> <capability>...",
		Short: "Score an agent against required capabilities",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				score, err := e.MatchScore(ctx, args[0], toCapabilities(args[1:]))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"agent_id": args[0], "score": score})
				}
				fmt.Printf("%.3f\n", score)
				return nil
			})
		},
	}
}

func agentSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select <capability>...",
		Short: "Pick the best idle agent for a capability set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SelectBestAgent(ctx, toCapabilities(args))
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"agent": c.Agent, "score": c.Score})
				}
				fmt.Printf("%s %q score %.3f\n", c.Agent.ID, c.Agent.Name, c.Score)
				return nil
			})
		},
	}
}

func agentConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <id>",
		Short: "List conflicts affecting an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.ConflictsAffectingAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printConflicts(cs)
			})
		},
	}
}
