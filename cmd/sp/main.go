package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shiftplan/internal/app"
	"shiftplan/internal/catalog"
	"shiftplan/internal/config"
	"shiftplan/internal/db"
	"shiftplan/internal/domain"
	"shiftplan/internal/engine"
	"shiftplan/internal/forecast"
	"shiftplan/internal/migrate"
	"shiftplan/internal/repo"
	"shiftplan/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "Shiftplan CLI",
	Long: `Shiftplan turns forecast workload into weekly activity programs.
Core concepts:
- Workspace: your .shiftplan directory holding only the database; sector configs live in the DB.
- Sector: an operational unit (a housekeeping floor, a laundry) owning its activity catalog and weeks.
- Forecast run: an immutable snapshot of predicted workload over a date horizon, imported from the forecasting side.
- Program week: the Monday-anchored plan for one sector and one run; AUTO expands the run, MANUAL starts empty.
- Items: one activity on one date with quantity and workload minutes; auto items come from the run, manual ones from you.
- Lifecycle: draft -> approved -> locked. Locked weeks never change; plan again from a new run.
- Adjustment: a reasoned sibling run derived from a baseline, so corrections keep their lineage.
- Event log: diary of changes, view with 'sp log tail'.`,
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
	viper.SetEnvPrefix("SHIFTPLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("sector", "", "sector id (overrides the workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("sector", rootCmd.PersistentFlags().Lookup("sector"))
}

func registerCommands() {
	rootCmd.AddCommand(sectorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(weekCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(adjustCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func sectorCmd() *cobra.Command {
	sec := &cobra.Command{Use: "sector", Short: "Manage sectors"}
	sec.AddCommand(sectorListCmd())
	sec.AddCommand(sectorCreateCmd())
	sec.AddCommand(sectorShowCmd())
	sec.AddCommand(sectorUseCmd())
	return sec
}

func sectorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sectors, err := r.ListSectors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sectors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, s := range sectors {
					tw.AppendRow(table.Row{s.ID, s.Name, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sectorCreateCmd() *cobra.Command {
	var id, configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sector and seed its activity catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if configFile != "" {
				cfg, err := config.FromFile(configFile)
				if err != nil {
					return err
				}
				if cfg.Sector.ID != "" && cfg.Sector.ID != id {
					return fmt.Errorf("config sector %q does not match --id %q", cfg.Sector.ID, id)
				}
				data, err := os.ReadFile(configFile)
				if err != nil {
					return err
				}
				if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
					return err
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, _, err := app.ResolveSectorAndConfig(ctx, workspace, id, r); err != nil {
					return err
				}
				s, err := r.GetSector(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "sector id")
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config to seed the sector from")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func sectorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active sector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSector(ctx, e.Config.Sector.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sectorUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current sector for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sectorID := strings.TrimSpace(args[0])
			if sectorID == "" {
				return fmt.Errorf("sector id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "SHIFTPLAN_SECTOR", sectorID); err != nil {
				return err
			}
			fmt.Printf("Set SHIFTPLAN_SECTOR=%s in %s/.env\n", sectorID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect sector config",
		Long:  "Config carries the sector identity, generation defaults and the activity catalog seed. Stored in the DB; shiftplan.yml seeds it on first use.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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
	var sectorID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default shiftplan.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(sectorID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sectorID, "sector-id", "sector-1", "sector id for the template")
	return cmd
}

func weekCmd() *cobra.Command {
	week := &cobra.Command{
		Use:   "week",
		Short: "Manage program weeks",
		Long:  "Program weeks anchor a sector's plan to a forecast run and a Monday. They flow draft -> approved -> locked; locked weeks are immutable history.",
	}
	week.AddCommand(weekGenerateCmd())
	week.AddCommand(weekListCmd())
	week.AddCommand(weekShowCmd())
	week.AddCommand(weekApproveCmd())
	week.AddCommand(weekLockCmd())
	return week
}

func weekGenerateCmd() *cobra.Command {
	var runID, weekStart, mode string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a program week from a forecast run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				week, err := e.GenerateWeek(ctx, engine.GenerateOptions{
					SectorID:      e.Config.Sector.ID,
					ForecastRunID: runID,
					WeekStart:     weekStart,
					Mode:          mode,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printWeek(week)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "forecast run id")
	cmd.Flags().StringVar(&weekStart, "week-start", "", "Monday the week starts on (YYYY-MM-DD)")
	cmd.Flags().StringVar(&mode, "mode", engine.ModeAuto, "generation mode (auto, manual)")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("week-start")
	return cmd
}

func weekListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List program weeks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				weeks, err := e.Repo.ListWeeks(ctx, e.Config.Sector.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(weeks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Week start", "Status", "Run", "Updated by"})
				for _, w := range weeks {
					tw.AppendRow(table.Row{w.ID, w.WeekStart, w.Status, w.ForecastRunID, w.UpdatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func weekShowCmd() *cobra.Command {
	var runID, weekStart string
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a week with its items",
		Long:  "Resolve a week by id, or by --run and --week-start when no id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var week domain.ProgramWeek
				var err error
				if len(args) == 1 {
					week, err = e.GetWeek(ctx, args[0])
					if err != nil {
						return err
					}
				} else {
					if runID == "" || weekStart == "" {
						return fmt.Errorf("give a week id, or both --run and --week-start")
					}
					var found bool
					week, found, err = e.FindWeek(ctx, e.Config.Sector.ID, runID, weekStart)
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("no week generated for run %s starting %s", runID, weekStart)
					}
				}
				return printWeek(week)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "forecast run id")
	cmd.Flags().StringVar(&weekStart, "week-start", "", "week start date")
	return cmd
}

func weekApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a draft week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				week, err := e.ApproveWeek(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printWeek(week)
			})
		},
	}
	return cmd
}

func weekLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Lock an approved week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				week, err := e.LockWeek(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printWeek(week)
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage program items",
		Long:  "Items are never edited in place: remove and re-add to change one. Locked weeks refuse both.",
	}
	item.AddCommand(itemAddCmd())
	item.AddCommand(itemRemoveCmd())
	return item
}

func itemAddCmd() *cobra.Command {
	var weekID, activity, date, windowStart, windowEnd, notes, driversJSON string
	var quantity, workloadMinutes, priority int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a manual item to a week",
		RunE: func(cmd *cobra.Command, args []string) error {
			var drivers map[string]any
			if driversJSON != "" {
				if err := json.Unmarshal([]byte(driversJSON), &drivers); err != nil {
					return fmt.Errorf("invalid --drivers-json: %w", err)
				}
			}
			var minutes *int
			if cmd.Flags().Changed("workload-minutes") {
				minutes = &workloadMinutes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				activityID := activity
				if act, err := (catalog.Catalog{DB: e.DB}).GetByCode(ctx, e.Config.Sector.ID, activity); err == nil {
					activityID = act.ID
				}
				item, err := e.AddItem(ctx, engine.AddItemOptions{
					WeekID:          weekID,
					ActivityID:      activityID,
					Date:            date,
					WindowStart:     optionalString(windowStart),
					WindowEnd:       optionalString(windowEnd),
					Quantity:        quantity,
					WorkloadMinutes: minutes,
					Priority:        priority,
					Drivers:         drivers,
					Notes:           notes,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&weekID, "week", "", "week id")
	cmd.Flags().StringVar(&activity, "activity", "", "activity id or catalog code")
	cmd.Flags().StringVar(&date, "date", "", "date inside the week (YYYY-MM-DD)")
	cmd.Flags().StringVar(&windowStart, "window-start", "", "earliest start (HH:MM)")
	cmd.Flags().StringVar(&windowEnd, "window-end", "", "latest end (HH:MM)")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "quantity")
	cmd.Flags().IntVar(&workloadMinutes, "workload-minutes", 0, "workload minutes (default: quantity x standard minutes)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1..5 (default from config)")
	cmd.Flags().StringVar(&driversJSON, "drivers-json", "", "drivers JSON")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("week")
	_ = cmd.MarkFlagRequired("activity")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func itemRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveItem(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func adjustCmd() *cobra.Command {
	adj := &cobra.Command{
		Use:   "adjust",
		Short: "Record adjustments",
		Long:  "An adjustment derives a new forecast run from a baseline with a reason. The baseline stays untouched; generate a new week from the derived run.",
	}
	adj.AddCommand(adjustCreateCmd())
	return adj
}

func adjustCreateCmd() *cobra.Command {
	var baseline, reason string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Derive an adjustment run from a baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateAdjustment(ctx, engine.AdjustmentOptions{
					SectorID:      e.Config.Sector.ID,
					BaselineRunID: baseline,
					Reason:        reason,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&baseline, "baseline", "", "baseline forecast run id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the forecast is being adjusted")
	_ = cmd.MarkFlagRequired("baseline")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Inspect forecast runs",
	}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runImportCmd())
	return run
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forecast runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := forecast.Registry{DB: e.DB}
				runs, err := reg.ListRuns(ctx, e.Config.Sector.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Horizon", "Status", "Baseline", "Reason"})
				for _, run := range runs {
					baseline := ""
					if run.BaselineRunID != nil {
						baseline = *run.BaselineRunID
					}
					tw.AppendRow(table.Row{run.ID, run.RunType, run.HorizonStart + ".." + run.HorizonEnd, run.Status, baseline, run.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a forecast run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := forecast.Registry{DB: e.DB}
				run, err := reg.GetRun(ctx, e.Config.Sector.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import forecast runs from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := forecast.Registry{DB: e.DB}
				runs, err := reg.ImportPath(ctx, catalog.Catalog{DB: e.DB}, filePath)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to forecast YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Inspect the activity catalog",
	}
	act.AddCommand(activityListCmd())
	return act
}

func activityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acts, err := (catalog.Catalog{DB: e.DB}).ListActivities(ctx, e.Config.Sector.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Std minutes"})
				for _, a := range acts {
					tw.AppendRow(table.Row{a.ID, a.Code, a.Name, a.StandardMinutes})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: generations, approvals, item edits, adjustments.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Sector.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints it once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (store it now, it is not saved): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			_, cfg, err := app.ResolveSectorAndConfig(cmd.Context(), workspace, viper.GetString("sector"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SHIFTPLAN_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SHIFTPLAN_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Shiftplan API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
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
	_, cfg, err := app.ResolveSectorAndConfig(ctx, workspace, viper.GetString("sector"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
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
	return fn(ctx, r)
}

func printWeek(w domain.ProgramWeek) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("Week %s (%s) run=%s status=%s\n", w.ID, w.WeekStart, w.ForecastRunID, w.Status)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Date", "Activity", "Qty", "Minutes", "Prio", "Source", "Window"})
	for _, it := range w.Items {
		window := ""
		if it.WindowStart != nil || it.WindowEnd != nil {
			start, end := "", ""
			if it.WindowStart != nil {
				start = *it.WindowStart
			}
			if it.WindowEnd != nil {
				end = *it.WindowEnd
			}
			window = start + "-" + end
		}
		tw.AppendRow(table.Row{it.ID, it.Date, it.ActivityID, it.Quantity, it.WorkloadMinutes, it.Priority, it.Source, window})
	}
	tw.Render()
	return nil
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
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
	return os.WriteFile(path, []byte(content), 0o644)
}
