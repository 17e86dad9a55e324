package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"specline/internal/app"
	"specline/internal/badge"
	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/events"
	"specline/internal/metrics"
	"specline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "spl",
	Short: "Specline CLI",
	Long: `Specline moves AI-drafted feature specs through review.
Core concepts:
- Workspace: the .specline directory holding the spec store and the ledger database.
- Project: a named lineage of spec versions (billing@v1, billing@v2, ...).
- Pending: the one draft per project waiting for review. A new draft supersedes it.
- Approve: publishes the pending spec as a work order (an issue) and moves it to approved history.
- Reject: permanently deletes the pending draft. It needs explicit confirmation.
- Event log: every ingest, supersede, approval and rejection, view with 'spl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPECLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project in the store)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(migrateLegacyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func ingestCmd() *cobra.Command {
	var file, title string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Store a draft as the project's pending spec",
		Long:  "Reads markdown from --file (or stdin with '-') and stores it as the new pending version. Any earlier pending draft is superseded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e, viper.GetString("project"))
				if err != nil {
					return err
				}
				spec, err := e.IngestDraft(ctx, projectID, title, content)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(spec)
				}
				fmt.Printf("Ingested %s (%s)\n", spec.ID, spec.Title)
				for _, a := range spec.Advisories {
					fmt.Println(warnStyle.Render("advisory: " + a))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "markdown file, '-' for stdin")
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to the first '# ' heading)")
	return cmd
}

func pendingCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show the pending spec badge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e, viper.GetString("project"))
				if err != nil {
					return err
				}
				if !watch {
					b, err := e.PendingBadge(ctx, projectID)
					if err != nil {
						return err
					}
					return printBadge(projectID, b)
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				w := badge.NewWatcher(e.Badges, badge.WatcherConfig{ProjectID: projectID, Logger: e.Logger})
				errc := make(chan error, 1)
				go func() { errc <- w.Run(ctx) }()
				for u := range w.Updates() {
					if u.Err != nil {
						fmt.Fprintln(os.Stderr, failStyle.Render("error: "+u.Err.Error()))
						continue
					}
					if err := printBadge(projectID, u.Badge); err != nil {
						return err
					}
				}
				return <-errc
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and print the badge whenever it changes")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approved history and the pending spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := app.ResolveProject(ctx, e, viper.GetString("project"))
				if err != nil {
					return err
				}
				specs, err := e.ListVersions(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(specs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Title", "Size", "Issue"})
				for _, s := range specs {
					issue := ""
					if s.Status == domain.StatusApproved {
						rec, err := e.IssueFor(ctx, s.ID)
						if err != nil {
							return err
						}
						if rec != nil {
							issue = rec.URL
							if issue == "" {
								issue = rec.ExternalID
							}
						}
					}
					tw.AppendRow(table.Row{s.ID, s.Status, s.Title, s.SizeBytes, issue})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <spec-id>",
		Short: "Show a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetSpec(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				s := view.Spec
				fmt.Println(titleStyle.Render(s.Title))
				fmt.Println(mutedStyle.Render(fmt.Sprintf("%s · %s · %d bytes · %s", s.ID, s.Status, s.SizeBytes, s.CreatedAt)))
				if view.Issue != nil {
					fmt.Println(mutedStyle.Render("issue: " + view.Issue.ExternalID + " " + view.Issue.URL))
				}
				for _, a := range s.Advisories {
					fmt.Println(warnStyle.Render("advisory: " + a))
				}
				fmt.Println()
				fmt.Print(s.Content)
				return nil
			})
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <spec-id>",
		Short: "Publish the pending spec as a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Approve(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(passStyle.Render("Approved " + res.Spec.ID))
				fmt.Printf("Issue %s %s\n", res.Issue.ExternalID, res.Issue.URL)
				return nil
			})
		},
	}
	return cmd
}

func rejectCmd() *cobra.Command {
	var yes bool
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <spec-id>",
		Short: "Permanently delete the pending spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specID := args[0]
			confirmed := yes
			if !confirmed && term.IsTerminal(int(os.Stdin.Fd())) {
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Reject %s?", specID)).
					Description("The draft is deleted permanently and cannot be approved later.").
					Affirmative("Reject").
					Negative("Keep").
					Value(&confirmed).
					Run()
				if err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						return nil
					}
					return err
				}
				if !confirmed {
					fmt.Fprintln(os.Stderr, "Kept", specID)
					return nil
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Reject(ctx, specID, confirmed, reason); err != nil {
					if errors.Is(err, domain.ErrConfirmationRequired) {
						return fmt.Errorf("%w (pass --yes to reject non-interactively)", err)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"rejected": specID})
				}
				fmt.Println(failStyle.Render("Rejected " + specID))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the event")
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Finish approvals interrupted after the issue was created",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Recover(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(report); perr != nil {
						return perr
					}
					return err
				}
				for _, r := range report.Resumed {
					fmt.Printf("Recovered %s (issue %s)\n", r.Spec.ID, r.Issue.ExternalID)
				}
				if len(report.Resumed) == 0 && err == nil {
					fmt.Println("Nothing to recover")
				}
				return err
			})
		},
	}
	return cmd
}

func migrateLegacyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Import a legacy pending-spec.md as a new pending version",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if strings.TrimSpace(projectID) == "" {
				return fmt.Errorf("--project required")
			}
			if file == "" {
				file = filepath.Join(viper.GetString("workspace"), "pending-spec.md")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				spec, err := e.MigrateLegacy(ctx, projectID, file)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(spec)
				}
				if spec == nil {
					fmt.Println("No legacy spec at", file)
					return nil
				}
				fmt.Printf("Migrated %s to %s\n", file, spec.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "legacy file (default <workspace>/pending-spec.md)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every ingest, supersede, approval, rejection and failed publish, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := ""
				if p := viper.GetString("project"); p != "" {
					var err error
					if projectID, err = engine.NormalizeProject(p); err != nil {
						return err
					}
				}
				evts, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, "", entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Spec", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "spec", "", "spec id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in specline.yml at the workspace root: store location, advisory size, publisher, server and webhooks. Defaults apply when the file is absent.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate specline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default specline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()
			recorder := metrics.NewPrometheusRecorder()
			ws, err := app.Open(ctx, viper.GetString("workspace"), engine.Options{Metrics: recorder, Logger: logger})
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:      viper.GetString("jwt-secret"),
				AllowAnonymous: cfg.Server.AllowAnonymous,
				Logger:         logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
				return fmt.Errorf("SPECLINE_JWT_SECRET is required unless server.allow_anonymous is set")
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Metrics:  recorder.Handler(),
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			if report, err := ws.Engine.Recover(ctx); err != nil {
				logger.Error("startup recovery incomplete", "error", err)
			} else if len(report.Resumed) > 0 {
				logger.Info("startup recovery finished", "resumed", len(report.Resumed))
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				fmt.Printf("Serving Specline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if d := server.NewWebhookDispatcher(ws.Engine); d != nil {
				g.Go(func() error { return d.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), engine.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer ws.Close()
	ctx = events.WithActor(ctx, viper.GetString("actor-id"))
	return fn(ctx, ws.Engine)
}

func readInput(stdin io.Reader, file string) (string, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	return string(data), err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps error kinds onto distinct process exit codes for scripts.
func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return 2
	case errors.Is(err, domain.ErrNotFound):
		return 3
	case errors.Is(err, domain.ErrConcurrentModification), errors.Is(err, domain.ErrInvalidTransition):
		return 4
	case errors.Is(err, domain.ErrConfirmationRequired):
		return 5
	case errors.Is(err, domain.ErrExternalService):
		return 6
	default:
		return 1
	}
}
