package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"editorial/internal/config"
	"editorial/internal/domain"
	"editorial/internal/engine/auth"
	"editorial/internal/tui"
	editorialsdk "editorial/sdk/go"
)

const defaultActivityLimit = 20

var rootCmd = &cobra.Command{
	Use:   "edt",
	Short: "Editorial automation CLI",
	Long: `edt drives the editorial automation core.
- Sessions: one topic pushed through ordered generation phases (outline, expand, seo, alt-text). Each phase is a task with progress and attempt history.
- Retry: re-run a finished or failed phase; every later phase is reset and runs again.
- Schedule: deferred publish actions for posts, executed once by a worker when due.
- Serve: HTTP API with an SSE progress stream, a background scheduler and config hot reload.
Commands use the local workspace database unless --server points at a running API.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EDITORIAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("server", "", "API base URL; commands run against the local workspace when empty")
	flags.String("base-path", "", "API base path (default /v0)")
	flags.String("api-key", "", "API key for --server")
	flags.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "server", "base-path", "api-key", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Run and inspect generation sessions",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionGetCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionRetryCmd())
	s.AddCommand(sessionAttemptsCmd())
	s.AddCommand(sessionWatchCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var topic string
	var phases []string
	var watch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session and run its phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				if lb, ok := b.(localBackend); ok && watch {
					lb.app.Engine.Options.Async = true
				}
				v, err := b.StartSession(ctx, topic, phases)
				if err != nil {
					return err
				}
				if watch {
					return watchSession(ctx, b, v.Session.ID)
				}
				return printSession(v)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to write about")
	cmd.Flags().StringSliceVar(&phases, "phase", nil, "phase to run, in order (repeatable; defaults from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress until the session finishes")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func sessionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				v, err := b.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printSession(v)
			})
		},
	}
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Topic", "Status", "Progress", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Topic, s.Status, fmt.Sprintf("%d%%", s.Progress), s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions (1-100)")
	return cmd
}

func sessionRetryCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "retry <session-id> <phase>",
		Short: "Re-run a finished phase and everything after it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				if lb, ok := b.(localBackend); ok && watch {
					lb.app.Engine.Options.Async = true
				}
				t, err := b.RetryPhase(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if watch {
					return watchSession(ctx, b, args[0])
				}
				v, err := b.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "session": v})
				}
				return printSession(v)
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress until the session finishes")
	return cmd
}

func sessionAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts <session-id> <phase>",
		Short: "Show the attempt history of a phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.ListAttempts(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Attempt", "Status", "Progress", "Started", "Finished", "Error"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Attempt, a.Status, a.Progress, a.StartedAt, deref(a.FinishedAt), deref(a.ErrorMessage)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return watchSession(ctx, b, args[0])
			})
		},
	}
}

// watchSession streams from a server when one is configured and polls the
// local store otherwise.
func watchSession(ctx context.Context, b backend, id string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var model tui.WatchModel
	rb, remote := b.(remoteBackend)
	if remote {
		model = tui.NewWatch()
	} else {
		model = tui.NewPollingWatch(func() (tui.Snapshot, error) {
			v, err := b.GetSession(ctx, id)
			return tui.Snapshot{Session: v.Session, Tasks: v.Tasks}, err
		}, 500*time.Millisecond)
	}
	p := tea.NewProgram(model, tea.WithContext(ctx))
	if remote {
		go func() {
			err := rb.client.StreamSession(ctx, id, func(v editorialsdk.SessionView) error {
				p.Send(tui.SnapshotMsg(tui.Snapshot{Session: v.Session, Tasks: v.Tasks}))
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				p.Send(tui.ErrMsg(err))
			}
		}()
	}
	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if m, ok := final.(tui.WatchModel); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}

func scheduleCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "schedule",
		Short: "Manage deferred post actions",
	}
	s.AddCommand(scheduleAddCmd())
	s.AddCommand(schedulePendingCmd())
	s.AddCommand(scheduleProcessCmd())
	return s
}

func scheduleAddCmd() *cobra.Command {
	var req editorialsdk.ScheduleRequest
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule an action for a post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				ev, err := b.ScheduleEvent(ctx, req)
				if err != nil {
					return err
				}
				return printEvents([]domain.ScheduleEvent{ev})
			})
		},
	}
	cmd.Flags().StringVar(&req.PostID, "post", "", "post id")
	cmd.Flags().StringVar(&req.RunAt, "at", "", "run time (RFC3339; zone-less times are UTC)")
	cmd.Flags().StringVar(&req.Action, "action", "publish", "action to run")
	cmd.Flags().BoolVar(&req.Overwrite, "overwrite", false, "replace other pending events of the post")
	_ = cmd.MarkFlagRequired("post")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func schedulePendingCmd() *cobra.Command {
	var postID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List unexecuted events by run time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.ListPendingEvents(ctx, postID)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().StringVar(&postID, "post", "", "only events of this post")
	return cmd
}

func scheduleProcessCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Execute due events once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				report, err := b.ProcessDueEvents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Event", "Post", "Action", "Result", "Note", "Cache"})
				for _, r := range report.Results {
					cacheNote := strings.Join(r.Invalidated, " ")
					if r.CacheError != "" {
						cacheNote = "failed: " + r.CacheError
					}
					tw.AppendRow(table.Row{r.EventID, r.PostID, r.Action, r.Result, r.Note, cacheNote})
				}
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d processed", report.Processed)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events (defaults from config)")
	return cmd
}

func postCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "post",
		Short: "Manage posts",
	}
	p.AddCommand(postCreateCmd())
	p.AddCommand(postListCmd())
	p.AddCommand(postGetCmd())
	p.AddCommand(postDeleteCmd())
	return p
}

func postCreateCmd() *cobra.Command {
	var req editorialsdk.CreatePostRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.CreatePost(ctx, req)
				if err != nil {
					return err
				}
				return printPosts([]domain.Post{p})
			})
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "post id (generated when empty)")
	cmd.Flags().StringVar(&req.Title, "title", "", "title")
	cmd.Flags().StringVar(&req.Slug, "slug", "", "slug (derived from the title when empty)")
	cmd.Flags().StringVar(&req.Status, "status", "draft", "draft, review, scheduled, published or archived")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func postListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.ListPosts(ctx, status)
				if err != nil {
					return err
				}
				return printPosts(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func postGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <post-id>",
		Short: "Show a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.GetPost(ctx, args[0])
				if err != nil {
					return err
				}
				return printPosts([]domain.Post{p})
			})
		},
	}
}

func postDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <post-id>",
		Short: "Delete a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				if err := b.DeletePost(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func activityCmd() *cobra.Command {
	var limit int
	var entityID, cursor string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Page through the activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				page, err := b.Activity(ctx, limit, entityID, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range page.Items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next: --cursor %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultActivityLimit, "page size")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after this event id")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys (local workspace only)",
	}
	var name string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := withApp()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			key, plain, err := a.Auth.IssueAPIKey(cmd.Context(), viper.GetString("actor-id"), name)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
			}
			fmt.Printf("id: %s\nactor: %s\nkey: %s\n(the key is shown once)\n", key.ID, key.ActorID, plain)
			return nil
		},
	}
	issue.Flags().StringVar(&name, "name", "", "label for the key")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := withApp()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			keys, err := a.Auth.ListAPIKeys(cmd.Context(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(keys)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
			for _, key := range keys {
				tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := withApp()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if err := a.Auth.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
	k.AddCommand(issue, list, revoke)
	return k
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is empty in %s", config.Path(viper.GetString("workspace")))
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := auth.SignToken(cfg.Server.JWTSecret, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage editorial.yml",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default editorial.yml with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			secret, err := randomSecret()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(secret)), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate editorial.yml and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				redacted := *cfg
				redacted.Server.JWTSecret = redact(cfg.Server.JWTSecret)
				redacted.Generator.APIKey = redact(cfg.Generator.APIKey)
				redacted.Cache.Secret = redact(cfg.Cache.Secret)
				return printJSON(redacted)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Setting", "Value"})
			tw.AppendRows([]table.Row{
				{"database.driver", cfg.Database.Driver},
				{"server.addr", cfg.Server.Addr},
				{"server.base_path", cfg.Server.BasePath},
				{"server.jwt_secret", redact(cfg.Server.JWTSecret)},
				{"log.level", cfg.Log.Level},
				{"generator.provider", cfg.Generator.Provider},
				{"generator.default_phases", strings.Join(cfg.Generator.DefaultPhases, ", ")},
				{"generator.phase_timeout", cfg.Generator.PhaseTimeout},
				{"scheduler.enabled", cfg.Scheduler.Enabled},
				{"scheduler.interval", cfg.Scheduler.Interval},
				{"scheduler.batch_limit", cfg.Scheduler.BatchLimit},
				{"cache.provider", cfg.Cache.Provider},
			})
			tw.Render()
			return nil
		},
	}
	c.AddCommand(initCmd, check)
	return c
}

// --- helpers ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printSession(v editorialsdk.SessionView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	s := v.Session
	fmt.Printf("session %s  %s  %d%%\ntopic: %s\n", s.ID, s.Status, s.Progress, s.Topic)
	if s.ErrorMessage != nil {
		fmt.Printf("error: %s\n", *s.ErrorMessage)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Phase", "Status", "Progress", "Attempt", "Error"})
	for _, t := range v.Tasks {
		tw.AppendRow(table.Row{t.Position, t.Phase, t.Status, fmt.Sprintf("%d%%", t.Progress), t.Attempt, deref(t.ErrorMessage)})
	}
	tw.Render()
	return nil
}

func printEvents(items []domain.ScheduleEvent) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Post", "Action", "Run at", "Executed", "Result"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.PostID, e.Action, e.RunAt, deref(e.ExecutedAt), deref(e.Result)})
	}
	tw.Render()
	return nil
}

func printPosts(items []domain.Post) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Slug", "Title", "Status", "Published"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Slug, p.Title, p.Status, deref(p.PublishedAt)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
