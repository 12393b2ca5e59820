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

	"opsgate/internal/audit"
	"opsgate/internal/config"
	"opsgate/internal/confirm"
	"opsgate/internal/db"
	"opsgate/internal/domain"
	"opsgate/internal/idempotency"
	"opsgate/internal/migrate"
	"opsgate/internal/ops"
	"opsgate/internal/protocol"
	"opsgate/internal/repo"
	"opsgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "og",
	Short: "Opsgate CLI",
	Long: `Opsgate guards sensitive marketplace operations behind a preview/confirm/execute flow.
- Preview an operation to see its effect and receive a short-lived confirm token.
- Execute with that token and an idempotency key; retries replay the stored result.
- Every attempt lands in an append-only audit log; future-dated operations become scheduled markers.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("OPSGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(scheduledCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace (database and default config)",
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
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func opCmd() *cobra.Command {
	op := &cobra.Command{Use: "op", Short: "Preview and execute guarded operations"}
	op.AddCommand(opListCmd())
	op.AddCommand(opPreviewCmd())
	op.AddCommand(opExecuteCmd())
	return op
}

func opListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				return printJSONOrTable(ops.Names(env.Actions))
			})
		},
	}
}

func opPreviewCmd() *cobra.Command {
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "preview <operation>",
		Short: "Preview an operation and mint a confirm token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramsJSON)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				action, ok := env.Actions[args[0]]
				if !ok {
					return fmt.Errorf("unknown operation %q", args[0])
				}
				res, err := env.Orchestrator.Preview(ctx, action, params, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"effect_preview": res.Effect,
						"confirm_token":  res.ConfirmToken,
						"expires_at":     res.ExpiresAt.UTC().Format(time.RFC3339),
					})
				}
				b, _ := json.MarshalIndent(res.Effect, "", "  ")
				fmt.Println(string(b))
				fmt.Println("confirm_token:", res.ConfirmToken)
				fmt.Println("expires_at:  ", res.ExpiresAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "operation parameters as JSON object")
	return cmd
}

func opExecuteCmd() *cobra.Command {
	var paramsJSON, token, key string
	cmd := &cobra.Command{
		Use:   "execute <operation>",
		Short: "Execute a confirmed operation exactly once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required (from 'og op preview')")
			}
			params, err := parseParams(paramsJSON)
			if err != nil {
				return err
			}
			if key == "" {
				key = uuid.New().String()
				fmt.Fprintln(os.Stderr, "generated idempotency key:", key)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				action, ok := env.Actions[args[0]]
				if !ok {
					return fmt.Errorf("unknown operation %q", args[0])
				}
				result, err := env.Orchestrator.Execute(ctx, action, protocol.ExecuteRequest{
					ConfirmToken:   token,
					IdempotencyKey: key,
					ActorID:        viper.GetString("actor-id"),
					Params:         params,
				})
				if err != nil {
					return err
				}
				var pretty any
				if json.Unmarshal(result, &pretty) == nil {
					return printJSONOrTable(pretty)
				}
				fmt.Println(string(result))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "operation parameters as JSON object")
	cmd.Flags().StringVar(&token, "token", "", "confirm token from preview")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when omitted)")
	return cmd
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{Use: "ledger", Short: "Inspect the idempotency ledger"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				records, err := env.Ledger.List(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Operation", "Status", "Created"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Key, rec.Operation, rec.Status, rec.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max records")

	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Show one idempotency record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				rec, err := env.Ledger.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}

	ledger.AddCommand(list, show)
	return ledger
}

func auditCmd() *cobra.Command {
	auditRoot := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}

	var limit int
	var operation string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				entries, err := env.Audit.List(ctx, limit, operation)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Operation", "Outcome", "Correlation", "At"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.ActorID, e.Operation, e.Outcome, e.CorrelationID, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max entries")
	tail.Flags().StringVar(&operation, "operation", "", "filter by operation")

	auditRoot.AddCommand(tail)
	return auditRoot
}

func scheduledCmd() *cobra.Command {
	sched := &cobra.Command{Use: "scheduled", Short: "Inspect scheduled actions"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				actions, err := env.Repo.ListScheduledActions(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Operation", "Actor", "Run At", "Status"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.Operation, a.ActorID, a.RunAt, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending, dispatched, canceled)")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending scheduled action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				if err := env.Repo.CancelScheduledAction(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("no pending scheduled action %q", args[0])
					}
					return err
				}
				env.Audit.Record(ctx, audit.Entry{
					ActorID:   viper.GetString("actor-id"),
					Operation: "cancel_scheduled",
					Outcome:   "completed",
					Details:   map[string]any{"scheduled_id": args[0]},
				})
				fmt.Println("canceled", args[0])
				return nil
			})
		},
	}

	sched.AddCommand(list, cancel)
	return sched
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Println("id:     ", key.ID)
				fmt.Println("api key:", raw)
				fmt.Println("store it now; only the hash is kept")
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
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

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}

	apikey.AddCommand(create, list, revoke)
	return apikey
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtSecret := os.Getenv("OPSGATE_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("OPSGATE_JWT_SECRET is required for bearer auth")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env cliEnv) error {
				handler, err := server.New(server.Config{
					Orchestrator: env.Orchestrator,
					Actions:      env.Actions,
					Repo:         env.Repo,
					Ledger:       env.Ledger,
					Audit:        env.Audit,
					BasePath:     basePath,
					Auth: server.AuthConfig{
						JWTSecret:      jwtSecret,
						EnableDevLogin: devLogin,
					},
				})
				if err != nil {
					return err
				}
				stopForwarder := audit.StartForwarder(env.Audit, env.Cfg.Audit.Sinks)
				defer stopForwarder()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Opsgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	return cmd
}

type cliEnv struct {
	Repo         repo.Repo
	Cfg          *config.Config
	Actions      map[string]protocol.Action
	Orchestrator protocol.Orchestrator
	Ledger       idempotency.Ledger
	Audit        audit.Recorder
}

func withEnv(ctx context.Context, fn func(context.Context, cliEnv) error) error {
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
	secret, err := config.SigningSecret(os.Getenv("OPSGATE_CONFIRM_SECRET"), os.Getenv("OPSGATE_APP_SECRET"))
	if err != nil {
		return err
	}
	tokens, err := confirm.New(secret, time.Duration(cfg.Confirm.TokenTTLMinutes)*time.Minute)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	ledger := idempotency.Ledger{DB: conn}
	recorder := audit.Recorder{DB: conn}
	env := cliEnv{
		Repo:    r,
		Cfg:     cfg,
		Actions: ops.Registry(ops.Env{Repo: r, Cfg: cfg}),
		Orchestrator: protocol.Orchestrator{
			Tokens: tokens,
			Ledger: ledger,
			Audit:  recorder,
			Sched:  r,
		},
		Ledger: ledger,
		Audit:  recorder,
	}
	return fn(ctx, env)
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

func parseParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("--params required (JSON object)")
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return params, nil
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
