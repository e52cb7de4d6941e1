package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetline/internal/app"
	"fleetline/internal/db"
	"fleetline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fleetline CLI",
	Long: `Fleetline coordinates a fleet of AI coding agents working on one task graph.
Core concepts:
- Workspace: the .fleetline directory with the SQLite database, plus fleetline.yml and an optional .env next to it.
- Tasks: units of work with required capabilities and acceptance criteria; they flow pending -> assigned -> in_progress -> completed/failed (cancelled is an exit).
- Dependencies: blocking edges keep a task out of the ready queue until every prerequisite completes; the graph never has cycles.
- Agents: workers with capabilities, a success rate and a performance trend; idle agents are matched to ready tasks.
- Sessions: one agent working one task on one branch under a timeout; the sweeper fails sessions that run too long.
- Conflicts: cycles, contention, capability gaps and overlaps, tracked until resolved or ignored, with human decisions attached.
- Event log: every change is an event; view it with 'fl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		// .env never overrides variables already set in the shell.
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load .env: %w", err)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLEETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides fleetline.yml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log engine events to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
}

// --- helpers ---

func cliLogger() *log.Logger {
	return cliLoggerTo(viper.GetBool("verbose"))
}

func cliLoggerTo(enabled bool) *log.Logger {
	if enabled {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func appOptions() app.Options {
	return app.Options{
		Workspace:       viper.GetString("workspace"),
		ProjectOverride: viper.GetString("project"),
		Logger:          cliLogger(),
	}
}

func withApp(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, appOptions(), func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

// printJSONOrTable prints v as JSON with --json, otherwise as a field/value
// table of its top-level JSON fields.
func printJSONOrTable(v any) error {
	if jsonOutput() {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		fmt.Println(string(b))
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := newTable("Field", "Value")
	for _, k := range keys {
		tw.AppendRow(table.Row{k, fieldValue(k, fields[k])})
	}
	tw.Render()
	return nil
}

func fieldValue(key string, v any) string {
	switch x := v.(type) {
	case string:
		if key == "status" || key == "severity" || key == "priority" || key == "performance_trend" {
			return colorize(x)
		}
		return x
	case nil:
		return "-"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// colorize paints lifecycle and severity tokens. fatih/color disables itself
// when stdout is not a terminal.
func colorize(s string) string {
	switch s {
	case "completed", "idle", "resolved", "succeeded", "improving":
		return color.GreenString(s)
	case "failed", "error", "timeout", "critical", "declining":
		return color.RedString(s)
	case "assigned", "in_progress", "working", "running", "high", "escalated", "resolving", "analyzing":
		return color.YellowString(s)
	case "cancelled", "offline", "ignored", "paused":
		return color.HiBlackString(s)
	case "detected", "medium":
		return color.CyanString(s)
	default:
		return s
	}
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func joinCaps[T ~string](items []T) string {
	parts := make([]string, len(items))
	for i, c := range items {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
