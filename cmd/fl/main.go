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

	"fleetline/internal/auth"
	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/migrate"
	"fleetline/internal/notify"
	"fleetline/internal/repo"
	"fleetline/internal/server"
	"fleetline/internal/store"
	"fleetline/internal/view"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fleetline CLI",
	Long: `Fleetline tracks vehicle movement jobs from collection to delivery.
Jobs live in the workspace database (.fleetline/fleetline.db); what each actor
sees is decided by their permission tier: full visibility, own jobs plus the
unallocated pool, or own jobs only. Lifecycle operations (allocate, collect,
deliver, complete) are permission- and transition-checked; every change lands
in the event log ('fl log tail').`,
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
	viper.SetEnvPrefix("FLEETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "role for permission checks (from fleetline.yml rbac)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage fleet config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var fleetID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fleetline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(fleetID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&fleetID, "fleet-id", "default-fleet", "fleet identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs are vehicle movement orders. They flow unallocated -> allocated -> collected -> in-transit -> delivered -> completed; cancel and abort are the exits.",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobAllocateCmd())
	job.AddCommand(jobUnallocateCmd())
	job.AddCommand(jobCollectCmd())
	job.AddCommand(jobDeliverCmd())
	job.AddCommand(jobDeliveredCmd())
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobAbortCmd())
	job.AddCommand(jobDuplicateCmd())
	job.AddCommand(jobBulkCmd())
	job.AddCommand(jobNoteCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var opts engine.JobCreateOptions
	var split bool
	var secondaryAddr, firstDeliveryAddr string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.IsSplitJourney = split
				if split {
					opts.SplitLegs = &domain.SplitJourneyLegs{
						SecondaryCollection: domain.JourneyLeg{Address: secondaryAddr},
						FirstDelivery:       domain.JourneyLeg{Address: firstDeliveryAddr},
					}
				}
				j, err := e.Create(ctx, opts, currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "job id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "customer reference")
	cmd.Flags().StringVar(&opts.CustomerName, "customer", "", "customer name")
	cmd.Flags().StringVar(&opts.VehicleReg, "vehicle", "", "vehicle registration")
	cmd.Flags().StringVar(&opts.CollectionAddr, "from", "", "collection address")
	cmd.Flags().StringVar(&opts.DeliveryAddr, "to", "", "delivery address")
	cmd.Flags().BoolVar(&split, "split", false, "split journey")
	cmd.Flags().StringVar(&secondaryAddr, "secondary-collection", "", "secondary collection address (split journeys)")
	cmd.Flags().StringVar(&firstDeliveryAddr, "first-delivery", "", "first delivery address (split journeys)")
	cmd.Flags().StringVar(&opts.MultiJobBatchID, "batch", "", "multi-job batch id")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func jobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := currentActor(e)
				jobs, err := visibleJobs(ctx, e, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				renderJobTable(jobs)
				return nil
			})
		},
	}
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	return cmd
}

func jobAllocateCmd() *cobra.Command {
	var driverID string
	cmd := &cobra.Command{
		Use:   "allocate <id>",
		Short: "Allocate a job to a driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Allocate(ctx, args[0], driverID, currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	_ = cmd.MarkFlagRequired("driver")
	return cmd
}

func jobUnallocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unallocate <id>",
		Short: "Return a job to the unallocated pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Unallocate(ctx, args[0], currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	return cmd
}

func jobCollectCmd() *cobra.Command {
	var data engine.CollectionData
	cmd := &cobra.Command{
		Use:   "collect <id>",
		Short: "Record vehicle collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.StartCollection(ctx, args[0], data, currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&data.Stage, "stage", "", "stage label")
	cmd.Flags().StringVar(&data.ActualStartTime, "started-at", "", "actual start time (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&data.ActualCompleteTime, "completed-at", "", "actual complete time (RFC3339, defaults to now)")
	cmd.Flags().BoolVar(&data.DamageReported, "damage", false, "damage reported during collection")
	return cmd
}

func jobDeliverCmd() *cobra.Command {
	var data engine.DeliveryData
	cmd := &cobra.Command{
		Use:   "deliver <id>",
		Short: "Start the delivery leg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.StartDelivery(ctx, args[0], data, currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&data.Stage, "stage", "", "stage label")
	cmd.Flags().BoolVar(&data.DamageReported, "damage", false, "damage reported")
	return cmd
}

func jobDeliveredCmd() *cobra.Command {
	var data engine.DeliveryData
	cmd := &cobra.Command{
		Use:   "delivered <id>",
		Short: "Mark the vehicle delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CompleteDelivery(ctx, args[0], data, currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVar(&data.Stage, "stage", "", "stage label")
	cmd.Flags().BoolVar(&data.DamageReported, "damage", false, "damage reported")
	return cmd
}

func jobCompleteCmd() *cobra.Command {
	return simpleLifecycleCmd("complete <id>", "Close out a delivered job",
		func(ctx context.Context, e engine.Engine, id string) (domain.Job, error) {
			return e.Complete(ctx, id, currentActor(e))
		})
}

func jobCancelCmd() *cobra.Command {
	return simpleLifecycleCmd("cancel <id>", "Cancel a job",
		func(ctx context.Context, e engine.Engine, id string) (domain.Job, error) {
			return e.Cancel(ctx, id, currentActor(e))
		})
}

func jobAbortCmd() *cobra.Command {
	return simpleLifecycleCmd("abort <id>", "Abort a job already underway",
		func(ctx context.Context, e engine.Engine, id string) (domain.Job, error) {
			return e.Abort(ctx, id, currentActor(e))
		})
}

func jobDuplicateCmd() *cobra.Command {
	return simpleLifecycleCmd("duplicate <id>", "Duplicate a job without its progress",
		func(ctx context.Context, e engine.Engine, id string) (domain.Job, error) {
			return e.Duplicate(ctx, id, currentActor(e))
		})
}

func simpleLifecycleCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func jobBulkCmd() *cobra.Command {
	var ids []string
	var status, stage, driverID string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Apply a partial edit to many jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch repo.JobPatch
			if cmd.Flags().Changed("status") {
				patch.Status = &status
			}
			if cmd.Flags().Changed("stage") {
				patch.Stage = &stage
			}
			if cmd.Flags().Changed("driver") {
				patch.DriverID = &driverID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.BulkUpdate(ctx, ids, patch, currentActor(e)); err != nil {
					return err
				}
				fmt.Printf("Updated %d jobs\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "id", []string{}, "job id (repeatable)")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&stage, "stage", "", "new stage")
	cmd.Flags().StringVar(&driverID, "driver", "", "new driver id")
	return cmd
}

func jobNoteCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Append a note to a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.AddNote(ctx, args[0], content, currentActor(e))
				if err != nil {
					return err
				}
				return printJSON(n)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "note content")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live job list for the current actor",
		Long:  "Opens the actor's visibility queries against the store and re-renders the merged job list every time it changes. Ctrl-C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := currentActor(e)
				provider := auth.NewStatic(actor.ID, actor.Profile)
				session := view.NewSession(provider, e.Store, limitsFromConfig(e.Config),
					notify.Logger{}, nil)
				session.View().Subscribe(func(jobs []domain.Job) {
					fmt.Print("\033[H\033[2J")
					fmt.Printf("%s  actor=%s tier=%s jobs=%d\n",
						time.Now().Format(time.TimeOnly), actor.ID, actor.Profile.Tier, len(jobs))
					renderJobTable(jobs)
				})
				if err := session.Start(ctx); err != nil {
					return err
				}
				defer session.Close()
				<-ctx.Done()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
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
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(store.NewSQLite(conn, nil), events.SQLWriter{DB: conn}, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLEETLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLEETLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Repo:     repo.Repo{DB: conn},
				BasePath: basePath,
				Auth:     authCfg,
			})
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
			fmt.Printf("Serving Fleetline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(store.NewSQLite(conn, nil), events.SQLWriter{DB: conn}, cfg)
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
	return fn(ctx, repo.Repo{DB: conn})
}

// currentActor resolves the CLI actor from the --actor-id and --role flags,
// expanding the role through the fleet config.
func currentActor(e engine.Engine) engine.Actor {
	actorID := viper.GetString("actor-id")
	var perms []string
	if e.Config != nil {
		perms = e.Config.RolePermissions([]string{viper.GetString("role")})
	}
	return engine.Actor{
		ID:      actorID,
		Name:    actorID,
		Profile: domain.ProfileFromPermissions(perms),
	}
}

func limitsFromConfig(cfg *config.Config) view.Limits {
	limits := view.Limits{FullQuery: 100, DriverQuery: 50}
	if cfg != nil {
		if cfg.Limits.FullQuery > 0 {
			limits.FullQuery = cfg.Limits.FullQuery
		}
		if cfg.Limits.DriverQuery > 0 {
			limits.DriverQuery = cfg.Limits.DriverQuery
		}
	}
	return limits
}

func visibleJobs(ctx context.Context, e engine.Engine, actor engine.Actor) ([]domain.Job, error) {
	specs := view.RouteQueries(actor.Profile, actor.ID, limitsFromConfig(e.Config))
	batches := make(map[string][]domain.Job, len(specs))
	for _, spec := range specs {
		jobs, err := e.Store.List(ctx, spec)
		if err != nil {
			return nil, err
		}
		batches[spec.Key] = jobs
	}
	return view.Merge(batches), nil
}

func renderJobTable(jobs []domain.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Ref", "Status", "Driver", "Vehicle", "Updated"})
	for _, j := range jobs {
		driver := ""
		if j.DriverID != nil {
			driver = *j.DriverID
		}
		tw.AppendRow(table.Row{j.ID, j.Reference, j.Status, driver, j.VehicleReg, j.UpdatedAt})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
