package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"fleetline/internal/app"
	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification websocket and timeout sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			basePath, _ := cmd.Flags().GetString("base-path")
			insecure, _ := cmd.Flags().GetBool("insecure")
			secret := viper.GetString("jwt-secret")
			if secret == "" && !insecure {
				return errors.New("FLEETLINE_JWT_SECRET is not set (run 'fl auth secret' or pass --insecure)")
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			opts := appOptions()
			opts.Logger = logger
			opts.Metrics = true
			opts.Notify = true
			opts.RedisAddr = redisAddr(cmd)
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				hub := server.NewHub()
				hub.Logger = logger
				hub.Metrics = a.Metrics
				a.AddSink(hub)

				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowAnonymous: insecure},
					Metrics:  a.Metrics,
					Hub:      hub,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Printf("[serve.start] addr=%s project=%s", addr, a.Config.Project.ID)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return engine.NewSweeper(a.Engine).Run(gctx)
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					logger.Printf("[serve.stop]")
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().Bool("insecure", false, "accept requests without a bearer token")
	cmd.Flags().String("redis-addr", "", "Redis address for the notification stream")
	return cmd
}

// redisAddr prefers the --redis-addr flag over FLEETLINE_REDIS_ADDR.
func redisAddr(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
		return v
	}
	return viper.GetString("redis-addr")
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect fleetline.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate fleetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s %s\n", path, colorize("completed"))
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Read the event log and notification stream"}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("n")
			follow, _ := cmd.Flags().GetBool("follow")
			f := events.Filters{Descending: true, Limit: n}
			f.EventType, _ = cmd.Flags().GetString("type")
			f.AggregateID, _ = cmd.Flags().GetString("aggregate")
			if v, _ := cmd.Flags().GetString("aggregate-type"); v != "" {
				t, err := domain.ParseAggregateType(v)
				if err != nil {
					return err
				}
				f.AggregateType = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				evs, err := e.Reader.List(ctx, f)
				if err != nil {
					return err
				}
				for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
					evs[i], evs[j] = evs[j], evs[i]
				}
				if !follow {
					return printEvents(evs)
				}
				var last int64
				if len(evs) > 0 {
					last = evs[len(evs)-1].Seq
				} else if last, err = e.Reader.LatestSeq(ctx, f.ProjectID); err != nil {
					return err
				}
				for _, ev := range evs {
					printEventLine(ev)
				}
				f.Descending = false
				f.Limit = 0
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					f.AfterSeq = last
					batch, err := e.Reader.List(ctx, f)
					if err != nil {
						return err
					}
					for _, ev := range batch {
						printEventLine(ev)
						last = ev.Seq
					}
				}
			})
		},
	}
	tail.Flags().IntP("n", "n", 20, "number of events")
	tail.Flags().String("type", "", "filter by event type")
	tail.Flags().String("aggregate", "", "filter by aggregate id")
	tail.Flags().String("aggregate-type", "", "task|agent|execution_session|conflict")
	tail.Flags().BoolP("follow", "f", false, "keep printing new events")
	cmd.AddCommand(tail)

	stream := &cobra.Command{
		Use:   "notifications",
		Short: "Read notifications from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			count, _ := cmd.Flags().GetInt64("count")
			opts := appOptions()
			opts.Notify = true
			opts.RedisAddr = redisAddr(cmd)
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				rs := a.Redis()
				if rs == nil {
					return errors.New("no redis stream configured (set notifications.redis.addr or --redis-addr)")
				}
				items, next, err := rs.Read(ctx, from, count)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"items": items, "next": next})
				}
				tw := newTable("At", "Kind", "Summary")
				for _, n := range items {
					tw.AppendRow([]any{n.At, n.Kind, n.Summary})
				}
				tw.Render()
				fmt.Printf("next: %s\n", next)
				return nil
			})
		},
	}
	stream.Flags().String("from", "0", "stream id to read after")
	stream.Flags().Int64("count", 50, "max entries")
	stream.Flags().String("redis-addr", "", "Redis address")
	cmd.AddCommand(stream)
	return cmd
}

func printEvents(evs []domain.DomainEvent) error {
	if jsonOutput() {
		return printJSON(evs)
	}
	tw := newTable("Seq", "At", "Aggregate", "ID", "Event", "Payload")
	for _, ev := range evs {
		tw.AppendRow([]any{ev.Seq, ev.OccurredAt, ev.AggregateType, short(ev.AggregateID), ev.EventType, ev.Payload})
	}
	tw.Render()
	return nil
}

func printEventLine(ev domain.DomainEvent) {
	if jsonOutput() {
		_ = printJSON(ev)
		return
	}
	fmt.Printf("%d %s %s/%s %s %s\n", ev.Seq, ev.OccurredAt, ev.AggregateType, short(ev.AggregateID), ev.EventType, ev.Payload)
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "Manage API credentials"}
	secretCmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a JWT signing secret and store it in .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := hex.EncodeToString(buf)
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, "FLEETLINE_JWT_SECRET", secret); err != nil {
				return err
			}
			fmt.Printf("wrote FLEETLINE_JWT_SECRET to %s\n", path)
			return nil
		},
	}
	tokenCmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Sign a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			roles, _ := cmd.Flags().GetStringSlice("role")
			token, err := server.SignToken(secret, args[0], roles...)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().StringSlice("role", nil, "role claim (repeatable)")
	cmd.AddCommand(secretCmd, tokenCmd)
	return cmd
}
