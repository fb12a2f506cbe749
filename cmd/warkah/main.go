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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"warkah/internal/config"
	"warkah/internal/db"
	"warkah/internal/domain"
	"warkah/internal/engine"
	"warkah/internal/migrate"
	"warkah/internal/repo"
	"warkah/internal/server"
	"warkah/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "warkah",
	Short: "Warkah CLI",
	Long: `Warkah tracks physical land-document processing through a fixed
approval pipeline and numbers finished work into yearly batch reports.
- Workspace: the .warkah directory holding the database; warkah.yml holds config.
- Task: one physical document bundle with its owner data and parcel line items.
- Stages: diinput -> ditata -> diteliti -> diarsipkan -> dikirim -> selesai,
  each owned by one role (penginput, penata, peneliti, pengarsip, pengirim).
- Decision: the owning role approves (advance) or rejects (park) the current
  stage; every decision lands in the append-only history ledger.
- Batch: completed tasks grouped under a sequentially numbered report like
  BA-001/ARSIP/2025; numbers are never reused, even across failures.`,
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
	viper.SetEnvPrefix("WARKAH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "acting role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default warkah.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage document tasks",
		Long:  "Tasks carry one document bundle through the approval stages. Create them as penginput, decide the current stage with the owning role, and inspect the ledger with 'warkah task history'.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskDecideCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var itemsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.ActorRole = actingRole("penginput")
			if itemsJSON != "" {
				if err := json.Unmarshal([]byte(itemsJSON), &opts.Items); err != nil {
					return fmt.Errorf("invalid --items-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.MainData.ParcelID, "parcel-id", "", "parcel identifier")
	cmd.Flags().StringVar(&opts.MainData.OriginalOwner, "original-owner", "", "original owner name")
	cmd.Flags().StringVar(&opts.MainData.Address, "address", "", "parcel address")
	cmd.Flags().StringVar(&opts.MainData.Region, "region", "", "administrative region")
	cmd.Flags().StringVar(&itemsJSON, "items-json", "", `line items JSON, e.g. [{"new_owner":"Siti","land_area":120.5,"certificate_no":"SHM-001"}]`)
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("items-json")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var completed string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if completed != "" {
				val := completed == "true"
				f.Completed = &val
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Completed", "Batch"})
				for _, t := range tasks {
					batch := ""
					if t.BatchID != nil {
						batch = *t.BatchID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.CurrentStage, t.IsCompleted, batch})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&completed, "completed", "", "completed filter (true/false)")
	cmd.Flags().StringVar(&f.BatchID, "batch", "", "batch report row id filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskDecideCmd() *cobra.Command {
	var decision, note string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject the task's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := actingRole("")
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitDecision(ctx, engine.DecisionOptions{
					TaskID:    args[0],
					ActorID:   viper.GetString("actor-id"),
					ActorRole: role,
					Decision:  decision,
					Note:      note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approved", "approved or rejected")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, itemsJSON string
	var md domain.MainData
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update descriptive fields of an uncompleted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:        args[0],
				ActorID:   viper.GetString("actor-id"),
				ActorRole: actingRole(""),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("parcel-id") || cmd.Flags().Changed("original-owner") ||
				cmd.Flags().Changed("address") || cmd.Flags().Changed("region") {
				opts.MainData = &md
			}
			if itemsJSON != "" {
				if err := json.Unmarshal([]byte(itemsJSON), &opts.Items); err != nil {
					return fmt.Errorf("invalid --items-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&md.ParcelID, "parcel-id", "", "parcel identifier")
	cmd.Flags().StringVar(&md.OriginalOwner, "original-owner", "", "original owner name")
	cmd.Flags().StringVar(&md.Address, "address", "", "parcel address")
	cmd.Flags().StringVar(&md.Region, "region", "", "administrative region")
	cmd.Flags().StringVar(&itemsJSON, "items-json", "", "replacement line items JSON")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an unbatched task (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], actingRole(stage.RoleAdmin))
			})
		},
	}
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	var n int
	var stageName string
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the task's decision ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListHistory(ctx, repo.HistoryFilters{
					TaskID: args[0],
					Stage:  stageName,
					Limit:  n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Stage", "Prev", "New", "Actor", "Event", "Note"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.TS, h.Stage, h.PrevStatus, h.NewStatus, h.ActorID, h.EventType, h.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&stageName, "stage", "", "stage filter")
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{
		Use:   "batch",
		Short: "Manage batch reports",
		Long:  "Batch reports group completed tasks under one yearly sequence number (berita acara). Allocation is idempotent: exporting tasks that already sit in a report returns that report unchanged.",
	}
	batch.AddCommand(batchExportCmd())
	batch.AddCommand(batchListCmd())
	batch.AddCommand(batchShowCmd())
	batch.AddCommand(batchLinkCmd())
	batch.AddCommand(batchVoidCmd())
	return batch
}

func batchExportCmd() *cobra.Command {
	var taskIDs []string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Allocate a numbered report for completed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AllocateBatch(ctx, taskIDs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if res.IsExisting {
					fmt.Fprintf(os.Stderr, "tasks already batched under %s\n", res.Report.BatchID)
				}
				return printJSONOrTable(res.Report)
			})
		},
	}
	cmd.Flags().StringArrayVar(&taskIDs, "task", []string{}, "task id (repeatable)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func batchListCmd() *cobra.Command {
	var year, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batch reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBatchReports(ctx, year, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Batch", "Seq", "Year", "Tasks", "Status", "Created"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.BatchID, b.Seq, b.Year, b.TaskCount, b.Status, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "year filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func batchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a batch report and its member tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBatchReport(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListBatchTasks(ctx, b.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"report": b, "tasks": tasks})
			})
		},
	}
	return cmd
}

func batchLinkCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "link <id>",
		Short: "Record the storage URL of the rendered report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetBatchStorageLink(ctx, args[0], url)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "storage URL")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func batchVoidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "void <id>",
		Short: "Mark a batch report void (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.VoidBatch(ctx, args[0], actingRole(stage.RoleAdmin))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key bound to an actor and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --key-role required")
			}
			secret := uuid.New().String()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				// The secret is shown once and only its hash is stored.
				return printJSONOrTable(map[string]any{"id": k.ID, "actor_id": actor, "role": role, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "key-role", "", "role bound to the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
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

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStage(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				for _, d := range stage.Order {
					fmt.Printf("  %s: %d\n", d.Name, counts[d.Name])
				}
				return nil
			})
		},
	}
	return cmd
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the stage order and owning roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(stage.Order)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Stage", "Role"})
			for _, d := range stage.Order {
				tw.AppendRow(table.Row{d.Name, d.Role})
			}
			tw.Render()
			return nil
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
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Service.Listen
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if secret := os.Getenv("WARKAH_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("WARKAH_JWT_SECRET is required unless legacy actor headers are allowed")
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
			fmt.Printf("Serving Warkah API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
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
	cfg, err := config.Load(workspace)
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
	return fn(ctx, repo.Repo{DB: conn})
}

func actingRole(fallback string) string {
	if role := strings.TrimSpace(viper.GetString("role")); role != "" {
		return role
	}
	return fallback
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
