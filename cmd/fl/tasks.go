package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/repo"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace and write fleetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			force, _ := cmd.Flags().GetBool("force")
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "default"
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if jsonOutput() {
					return printJSON(map[string]string{"config": path, "project_id": projectID})
				}
				fmt.Printf("initialized %s (project %s)\n", path, projectID)
				return nil
			})
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing fleetline.yml")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks and their dependency graph"}
	cmd.AddCommand(taskCreateCmd(), taskListCmd(), taskReadyCmd(), taskGetCmd(), taskTreeCmd(),
		taskDecomposeCmd(), taskDependCmd(), taskResolveCmd(), taskRemoveCmd(), taskEvaluateCmd(),
		taskEstimateCmd(), taskCancelCmd(), taskHistoryCmd(), taskConflictsCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := taskOptionsFromFlags(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(t)
				}
				fmt.Printf("created task %s %q [%s/%s]\n", t.ID, t.Title, t.Type, colorize(string(t.Priority)))
				return nil
			})
		},
	}
	addTaskFlags(cmd)
	cmd.Flags().String("id", "", "explicit task id")
	cmd.Flags().String("parent", "", "parent task id")
	cmd.Flags().String("planning-session", "", "planning session id")
	return cmd
}

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "task title")
	cmd.Flags().String("description", "", "task description")
	cmd.Flags().String("type", "", "feature|bugfix|refactor|testing|documentation|research|deployment")
	cmd.Flags().String("priority", "", "low|medium|high|critical")
	cmd.Flags().StringSlice("cap", nil, "required capability (repeatable)")
	cmd.Flags().Float64("effort", 0, "estimated effort in hours")
	cmd.Flags().String("criteria", "", "acceptance criteria as a JSON array")
	_ = cmd.MarkFlagRequired("title")
}

func taskOptionsFromFlags(cmd *cobra.Command) (engine.TaskCreateOptions, error) {
	var opts engine.TaskCreateOptions
	opts.Title, _ = cmd.Flags().GetString("title")
	opts.Description, _ = cmd.Flags().GetString("description")
	opts.EstimatedEffortHours, _ = cmd.Flags().GetFloat64("effort")
	if cmd.Flags().Lookup("id") != nil {
		opts.ID, _ = cmd.Flags().GetString("id")
		opts.ParentTaskID, _ = cmd.Flags().GetString("parent")
		opts.PlanningSessionID, _ = cmd.Flags().GetString("planning-session")
	}
	if v, _ := cmd.Flags().GetString("type"); v != "" {
		t, err := domain.ParseTaskType(v)
		if err != nil {
			return opts, err
		}
		opts.Type = t
	}
	if v, _ := cmd.Flags().GetString("priority"); v != "" {
		p, err := domain.ParsePriority(v)
		if err != nil {
			return opts, err
		}
		opts.Priority = p
	}
	caps, _ := cmd.Flags().GetStringSlice("cap")
	opts.RequiredCapabilities = toCapabilities(caps)
	if raw, _ := cmd.Flags().GetString("criteria"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.AcceptanceCriteria); err != nil {
			return opts, fmt.Errorf("invalid --criteria: %w", err)
		}
	}
	return opts, nil
}

func toCapabilities(in []string) []domain.Capability {
	var out []domain.Capability
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, domain.Capability(s))
		}
	}
	return out
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.TaskFilters{}
			if v, _ := cmd.Flags().GetString("status"); v != "" {
				s, err := domain.ParseTaskStatus(v)
				if err != nil {
					return err
				}
				f.Status = s
			}
			if v, _ := cmd.Flags().GetString("type"); v != "" {
				t, err := domain.ParseTaskType(v)
				if err != nil {
					return err
				}
				f.Type = t
			}
			f.Parent, _ = cmd.Flags().GetString("parent")
			f.AssignedAgentID, _ = cmd.Flags().GetString("agent")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().String("type", "", "filter by type")
	cmd.Flags().String("parent", "", "filter by parent task")
	cmd.Flags().String("agent", "", "filter by assigned agent")
	cmd.Flags().Int("limit", 0, "max rows")
	return cmd
}

func taskReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List tasks whose blocking prerequisites are all complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListReadyTasks(ctx, "")
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
}

func printTasks(tasks []domain.Task) error {
	if jsonOutput() {
		return printJSON(tasks)
	}
	tw := newTable("ID", "Status", "Priority", "Type", "Blocked by", "Agent", "Title")
	for _, t := range tasks {
		tw.AppendRow([]any{short(t.ID), colorize(string(t.Status)), colorize(string(t.Priority)), t.Type, t.DependencyCount, short(deref(t.AssignedAgentID)), t.Title})
	}
	tw.Render()
	return nil
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree [root-id]",
		Short: "Print the decomposition tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(tasks)
				}
				root := ""
				if len(args) == 1 {
					root = args[0]
				}
				printTaskTree(tasks, root)
				return nil
			})
		},
	}
}

func printTaskTree(tasks []domain.Task, root string) {
	children := map[string][]domain.Task{}
	byID := map[string]domain.Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		parent := deref(t.ParentTaskID)
		if _, ok := byID[parent]; !ok {
			parent = ""
		}
		children[parent] = append(children[parent], t)
	}
	for k := range children {
		sort.Slice(children[k], func(i, j int) bool { return children[k][i].CreatedAt < children[k][j].CreatedAt })
	}
	label := func(t domain.Task) string {
		return fmt.Sprintf("%s [%s] %s", short(t.ID), colorize(string(t.Status)), t.Title)
	}
	var walk func(id, prefix string)
	walk = func(id, prefix string) {
		kids := children[id]
		for i, c := range kids {
			connector, next := "├── ", "│   "
			if i == len(kids)-1 {
				connector, next = "└── ", "    "
			}
			fmt.Println(prefix + connector + label(c))
			walk(c.ID, prefix+next)
		}
	}
	if root != "" {
		t, ok := byID[root]
		if !ok {
			fmt.Printf("task %s not found\n", root)
			return
		}
		fmt.Println(label(t))
		walk(root, "")
		return
	}
	for _, t := range children[""] {
		fmt.Println(label(t))
		walk(t.ID, "")
	}
}

func taskDecomposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decompose <parent-id>",
		Short: "Split a task into subtasks from a JSON file",
		Long: `Reads a JSON array of subtasks. Each entry takes the create fields
(title, type, priority, required_capabilities, acceptance_criteria,
estimated_effort_hours) plus depends_on: indexes of earlier entries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			specs, err := readSubtasks(path)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.DecomposeTask(ctx, args[0], specs)
				if err != nil {
					return err
				}
				return printTasks(created)
			})
		},
	}
	cmd.Flags().StringP("file", "f", "-", "subtask JSON file (- for stdin)")
	return cmd
}

type subtaskFile struct {
	Title                string                       `json:"title"`
	Description          string                       `json:"description"`
	Type                 string                       `json:"type"`
	Priority             string                       `json:"priority"`
	RequiredCapabilities []string                     `json:"required_capabilities"`
	AcceptanceCriteria   []domain.AcceptanceCriterion `json:"acceptance_criteria"`
	EstimatedEffortHours float64                      `json:"estimated_effort_hours"`
	DependsOn            []int                        `json:"depends_on"`
}

func readSubtasks(path string) ([]engine.SubtaskSpec, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var raw []subtaskFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid subtask json: %w", err)
	}
	specs := make([]engine.SubtaskSpec, 0, len(raw))
	for _, r := range raw {
		spec := engine.SubtaskSpec{
			TaskCreateOptions: engine.TaskCreateOptions{
				Title:                r.Title,
				Description:          r.Description,
				RequiredCapabilities: toCapabilities(r.RequiredCapabilities),
				AcceptanceCriteria:   r.AcceptanceCriteria,
				EstimatedEffortHours: r.EstimatedEffortHours,
			},
			DependsOn: r.DependsOn,
		}
		if r.Type != "" {
			t, err := domain.ParseTaskType(r.Type)
			if err != nil {
				return nil, err
			}
			spec.Type = t
		}
		if r.Priority != "" {
			p, err := domain.ParsePriority(r.Priority)
			if err != nil {
				return nil, err
			}
			spec.Priority = p
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func taskDependCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "depend <task-id> <prerequisite-id>",
		Short: "Make a task wait on a prerequisite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _ := cmd.Flags().GetString("type")
			depType, err := domain.ParseDependencyType(v)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dep, err := e.AttachDependency(ctx, args[1], args[0], depType)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(dep)
				}
				fmt.Printf("%s now waits on %s (%s)\n", short(dep.ChildTaskID), short(dep.ParentTaskID), dep.Type)
				return nil
			})
		},
	}
	cmd.Flags().String("type", "blocking", "blocking|soft|resource")
	return cmd
}

func taskResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <task-id> <prerequisite-id>",
		Short: "Mark a dependency edge satisfied",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, changed, err := e.ResolveDependency(ctx, args[1], args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"task": t, "changed": changed})
				}
				if !changed {
					fmt.Println("already resolved")
					return nil
				}
				fmt.Printf("task %s blocked by %d\n", short(t.ID), t.DependencyCount)
				return nil
			})
		},
	}
}

func taskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a task that has no running work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[0])
				return nil
			})
		},
	}
}

func taskEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <id>",
		Short: "Score a result against the task's acceptance criteria",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result *domain.ExecutionResult
			if raw, _ := cmd.Flags().GetString("result"); raw != "" {
				result = &domain.ExecutionResult{}
				if err := json.Unmarshal([]byte(raw), result); err != nil {
					return fmt.Errorf("invalid --result: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eval, err := e.EvaluateAcceptance(ctx, args[0], result)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(eval)
				}
				verdict := colorize("failed")
				if eval.Passed {
					verdict = colorize("completed")
				}
				fmt.Printf("score %.2f %s\n", eval.Score, verdict)
				tw := newTable("Criterion", "Target", "Actual", "Credit", "Met")
				for _, o := range eval.Outcomes {
					actual := "-"
					if o.Actual != nil {
						actual = fmt.Sprintf("%.2f", *o.Actual)
					}
					tw.AppendRow([]any{o.Type, o.Target, actual, fmt.Sprintf("%.2f", o.Credit), o.Met})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().String("result", "", "execution result JSON (defaults to the stored result)")
	return cmd
}

func taskEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <id>",
		Short: "Estimate task complexity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.EstimateComplexity(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(c)
				}
				fmt.Printf("complexity %.2f  multiplier %.2f  adjusted %.1fh\n", c.Score, c.EffortMultiplier, c.AdjustedHours)
				return nil
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and close its running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(t)
				}
				fmt.Printf("task %s %s\n", short(t.ID), colorize(string(t.Status)))
				return nil
			})
		},
	}
	cmd.Flags().String("reason", "", "cancellation reason")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the event history of a task, agent, session or conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(evs)
			})
		},
	}
}

func taskConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <id>",
		Short: "List conflicts affecting a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.ConflictsAffectingTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printConflicts(cs)
			})
		},
	}
}
