package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline tracks services opportunities and their action plans.
Core concepts:
- Workspace: your .planline directory holding the database; config lives in planline.yml and is mirrored into the DB.
- Opportunity: a sales deal eligible for a services upsell; owns one disposition and its action items.
- Disposition: the review verdict (not_reviewed, services_fit, no_action, watchlist) with notes, reason, and forecast overrides. Versioned: every save must carry the current version or it is rejected with a conflict.
- Action plan: the disposition plus the task checklist. Saving submits the full target list; omitted tasks are deleted, tasks without an id are created.
- History: an append-only audit row per disposition commit ('pl plan history').
- Event log: diary of changes, view with 'pl log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(opportunityCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func opportunityCmd() *cobra.Command {
	opp := &cobra.Command{Use: "opportunity", Short: "Manage opportunities"}
	opp.AddCommand(opportunityCreateCmd())
	opp.AddCommand(opportunityListCmd())
	opp.AddCommand(opportunityShowCmd())
	opp.AddCommand(opportunityDeleteCmd())
	return opp
}

func opportunityCreateCmd() *cobra.Command {
	var id, account, owner, forecast, start string
	var amount float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create opportunity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CreateOpportunity(ctx, engine.OpportunityCreateOptions{
					ID:                id,
					AccountName:       account,
					OwnerUserID:       owner,
					ServicesAmount:    amount,
					ForecastCategory:  forecast,
					SubscriptionStart: start,
					ActorUserID:       viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "opportunity id (generated when empty)")
	cmd.Flags().StringVar(&account, "account", "", "account name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().Float64Var(&amount, "amount", 0, "services amount")
	cmd.Flags().StringVar(&forecast, "forecast", "", "forecast category")
	cmd.Flags().StringVar(&start, "start", "", "subscription start (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func opportunityListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List opportunities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOpportunities(ctx, repo.OpportunityFilters{
					DispositionStatus: status,
					Limit:             limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Owner", "Amount", "Forecast", "Start"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.AccountName, o.OwnerUserID, o.ServicesAmount, o.ForecastCategory, o.SubscriptionStart})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "disposition status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func opportunityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an opportunity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOpportunity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func opportunityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an opportunity and its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteOpportunity(ctx, args[0], viper.GetString("user-id"))
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage action plans"}
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planSaveCmd())
	plan.AddCommand(planHistoryCmd())
	plan.AddCommand(planTemplateCmd())
	return plan
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <opportunity-id>",
		Short: "Show the current disposition and action items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.GetActionPlan(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				d := plan.Disposition
				fmt.Printf("Disposition: %s (version %d)\n", d.Status, d.Version)
				if d.Notes != "" {
					fmt.Printf("Notes: %s\n", d.Notes)
				}
				if d.Reason != "" {
					fmt.Printf("Reason: %s\n", d.Reason)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Due", "Assignee"})
				for _, it := range plan.ActionItems {
					due := ""
					if it.DueDate != nil {
						due = *it.DueDate
					}
					tw.AppendRow(table.Row{it.ActionItemID, it.Name, it.Status, due, it.AssignedToUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// planFile mirrors the save-action-plan request body.
type planFile struct {
	Disposition *struct {
		Status                   string   `json:"status"`
		Reason                   *string  `json:"reason"`
		ServicesAmountOverride   *float64 `json:"services_amount_override"`
		ForecastCategoryOverride *string  `json:"forecast_category_override"`
		Version                  *int64   `json:"version"`
		Notes                    *string  `json:"notes"`
	} `json:"disposition"`
	ActionItems *[]struct {
		ActionItemID     string            `json:"action_item_id"`
		Name             string            `json:"name"`
		Status           string            `json:"status"`
		DueDate          *string           `json:"due_date"`
		Documents        []domain.Document `json:"documents"`
		AssignedToUserID string            `json:"assigned_to_user_id"`
		CreatedByUserID  string            `json:"created_by_user_id"`
	} `json:"actionItems"`
}

func planSaveCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "save <opportunity-id>",
		Short: "Save an action plan from a JSON file",
		Long:  "Submits the file's disposition and full action item list as the new truth. The file's disposition.version must match the stored version.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var pf planFile
			if err := json.Unmarshal(data, &pf); err != nil {
				return err
			}
			upd := engine.PlanUpdate{}
			if pf.Disposition != nil {
				upd.Disposition = &engine.DispositionUpdate{
					Status:                   pf.Disposition.Status,
					Version:                  pf.Disposition.Version,
					Notes:                    pf.Disposition.Notes,
					Reason:                   pf.Disposition.Reason,
					ServicesAmountOverride:   pf.Disposition.ServicesAmountOverride,
					ForecastCategoryOverride: pf.Disposition.ForecastCategoryOverride,
				}
			}
			if pf.ActionItems != nil {
				items := make([]engine.ActionItemUpdate, 0, len(*pf.ActionItems))
				for _, it := range *pf.ActionItems {
					items = append(items, engine.ActionItemUpdate{
						ActionItemID:     it.ActionItemID,
						Name:             it.Name,
						Status:           it.Status,
						DueDate:          it.DueDate,
						Documents:        it.Documents,
						AssignedToUserID: it.AssignedToUserID,
						CreatedByUserID:  it.CreatedByUserID,
					})
				}
				upd.ActionItems = &items
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plan, err := e.SaveActionPlan(ctx, args[0], viper.GetString("user-id"), upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON plan")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <opportunity-id>",
		Short: "Show the disposition audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDispositionHistory(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	return cmd
}

func planTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Show the default action plan template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config.Plan.Template)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default planline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, opportunityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, opportunityID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&opportunityID, "opportunity", "", "opportunity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, viper.GetString("user-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{
						"id":      key.ID,
						"user_id": key.UserID,
						"name":    key.Name,
						"key":     plaintext,
					})
				}
				fmt.Println("API key (shown once):", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             cfg.Auth.JWTSecret,
				AllowLegacyUserHeader: cfg.Auth.AllowLegacyUserHeader,
			}
			if secret := os.Getenv("PLANLINE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyUserHeader {
				return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
