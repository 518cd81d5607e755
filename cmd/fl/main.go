package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/server"
	"fieldline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline is an advisory assistant for smallholder farmers.
- Workspace: the .fieldline directory holding the database, plus fieldline.yml for tuning.
- Project: one crop on one plot, with its location, growth stage, tasks and alerts.
- Alerts: weather and task rules evaluated per project, deduplicated per day.
- Next action: the single most useful thing to do today.
- Ask: free-text questions answered from weather, market and agronomy tools.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("genai-key", "FIELDLINE_GENAI_KEY", "GEMINI_API_KEY")
	_ = viper.BindEnv("market-api-key", "FIELDLINE_MARKET_API_KEY")
	_ = viper.BindEnv("jwt-secret", "FIELDLINE_JWT_SECRET")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("farmer", "", "farmer id (overrides service.default_farmer)")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/fieldline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("farmer", rootCmd.PersistentFlags().Lookup("farmer"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(safetyCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(telemetryCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "fieldline", "service name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Manage crop projects",
		Long:  "A project is one crop on one plot. Alerts and next-action advice are computed per active project.",
	}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectArchiveCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	var planted, windowEnd string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.PlantingDate, err = parseDate(planted); err != nil {
				return err
			}
			if opts.SowingWindowEnd, err = parseDate(windowEnd); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				opts.FarmerID = farmer
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.CropName, "crop", "", "crop name")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&opts.Lon, "lon", 0, "longitude")
	cmd.Flags().StringVar(&opts.GrowthStage, "stage", "", "growth stage")
	cmd.Flags().StringVar(&planted, "planted", "", "planting date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&windowEnd, "sowing-window-end", "", "last sowing day (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("crop")
	return cmd
}

func projectListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				items, err := e.ListProjects(ctx, farmer, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Crop", "Stage", "Status", "Tasks", "Alerts"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CropName, p.CropDetails.GrowthStage, p.Status, len(p.Workflows.Tasks), len(p.Workflows.Alerts)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived projects")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				p, err := e.GetProject(ctx, farmer, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, stage, planted, windowEnd string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update project name, stage or dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.ProjectUpdateOptions
			var err error
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("stage") {
				opts.GrowthStage = &stage
			}
			if opts.PlantingDate, err = parseDate(planted); err != nil {
				return err
			}
			if opts.SowingWindowEnd, err = parseDate(windowEnd); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				p, err := e.UpdateProject(ctx, farmer, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&stage, "stage", "", "growth stage")
	cmd.Flags().StringVar(&planted, "planted", "", "planting date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&windowEnd, "sowing-window-end", "", "last sowing day (YYYY-MM-DD)")
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				p, err := e.ArchiveProject(ctx, farmer, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage project tasks",
		Long:  "Tasks are dated chores on a project. An overdue pending task raises an alert and outranks proactive advice.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var label, due string
	cmd := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Add a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDate(due)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				t, err := e.CreateTask(ctx, farmer, args[0], label, dueDate)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "task label")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <project-id> <task-id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				if err := e.CompleteTask(ctx, farmer, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Task %s completed\n", args[1])
				return nil
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				p, err := e.GetProject(ctx, farmer, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p.Workflows.Tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Due", "Status"})
				for _, t := range p.Workflows.Tasks {
					due := ""
					if t.DueDate != nil {
						due = t.DueDate.Format(time.DateOnly)
					}
					tw.AppendRow(table.Row{t.ID, t.Label, due, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Generate and inspect alerts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Evaluate alert rules for every active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				report, err := e.RefreshAlerts(ctx, farmer)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <project-id>",
		Short: "List stored alerts, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				p, err := e.GetProject(ctx, farmer, args[0])
				if err != nil {
					return err
				}
				return printAlerts(p.Workflows.Alerts)
			})
		},
	})
	return cmd
}

func printAlerts(items []domain.Alert) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Created", "Type", "Severity", "Message"})
	for _, a := range items {
		msg := a.Message
		if a.AISummary != "" {
			msg += "\n" + a.AISummary
		}
		tw.AppendRow(table.Row{a.CreatedAt.Format(time.DateOnly), a.Type, a.Severity, msg})
	}
	tw.Render()
	return nil
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the single most useful next step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				rec, err := e.NextAction(ctx, farmer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("[%s] %s\n", rec.Priority, rec.Text)
				return nil
			})
		},
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a farming question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				resp, err := e.Ask(ctx, farmer, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Println(resp.Answer)
				for _, t := range resp.Tools {
					if !t.Succeeded {
						fmt.Fprintf(os.Stderr, "note: %s %s\n", t.Tool, t.Error)
					}
				}
				return nil
			})
		},
	}
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <question...>",
		Short: "Show how a question would be routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				c, err := e.Classify(ctx, farmer, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func safetyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "safety", Short: "Safety filter"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <text...>",
		Short: "Screen text with the safety filter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				return printJSONOrTable(e.EvaluateSafety(strings.Join(args, " ")))
			})
		},
	})
	return cmd
}

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tools", Short: "Inspect registered tools"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				defs := e.Tools()
				if viper.GetBool("json") {
					names := make([]string, 0, len(defs))
					for _, d := range defs {
						names = append(names, d.Name)
					}
					return printJSON(names)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Read-only", "Timeout", "Description"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.Name, d.ReadOnly, d.Timeout, d.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func telemetryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "telemetry", Short: "Inspect the telemetry log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				events := e.RecentTelemetry(n)
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Payload"})
				for _, evt := range events {
					payload, _ := json.Marshal(evt.Payload)
					tw.AppendRow(table.Row{evt.ID, evt.Timestamp.Format(time.RFC3339), evt.Type, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				key, raw, err := e.CreateAPIKey(ctx, farmer, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "farmer_id": key.FarmerID, "name": key.Name, "key": raw, "created_at": key.CreatedAt})
				}
				fmt.Printf("Created API key %s for %s\n%s\n", key.ID, key.FarmerID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				keys, err := e.ListAPIKeys(ctx, farmer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]map[string]string, 0, len(keys))
					for _, k := range keys {
						out = append(out, map[string]string{"id": k.ID, "name": k.Name, "created_at": k.CreatedAt})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, farmer string) error {
				if err := e.RevokeAPIKey(ctx, farmer, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, farmerHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, logger, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()
			defer logger.Sync()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			e, err := ws.StartEngine(cmd.Context(), secrets(), logger, reg)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := e.Shutdown(ctx); err != nil {
					logger.Warn("engine shutdown", zap.Error(err))
				}
			}()

			authCfg := server.AuthConfig{
				JWTSecret:         viper.GetString("jwt-secret"),
				AllowFarmerHeader: farmerHeader,
				DevLogin:          devLogin,
				Logger:            logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !farmerHeader {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				Logger:   logger.Named("server"),
			})
			if err != nil {
				return err
			}
			defer handler.Close()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving fieldline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Bool("dev_login", devLogin))
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().BoolVar(&farmerHeader, "trust-farmer-header", false, "accept X-Farmer-Id without credentials (development only)")
	return cmd
}

// --- helpers ---

func secrets() app.Secrets {
	return app.Secrets{
		GenAIKey:     viper.GetString("genai-key"),
		MarketAPIKey: viper.GetString("market-api-key"),
	}
}

func openWorkspace(ctx context.Context) (*app.Workspace, *zap.Logger, error) {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := telemetry.NewLogger(ws.Config.Logging)
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	return ws, logger, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, string) error) error {
	ws, logger, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	defer logger.Sync()
	farmer, err := app.ResolveFarmer(viper.GetString("farmer"), ws.Config)
	if err != nil {
		return err
	}
	e, err := ws.StartEngine(ctx, secrets(), logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	runErr := fn(ctx, e, farmer)
	if err := e.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func parseDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return &t, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
