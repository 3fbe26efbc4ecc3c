package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"casefile/internal/app"
	"casefile/internal/config"
	"casefile/internal/db"
	"casefile/internal/domain"
	"casefile/internal/engine"
	"casefile/internal/engine/auth"
	"casefile/internal/logging"
	"casefile/internal/metrics"
	"casefile/internal/migrate"
	"casefile/internal/repo"
	"casefile/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Casefile CLI",
	Long: `Casefile keeps the consultant's case register: every client claim gets a
permanent sequence number and a contract number like 12-2026.
- Case: one client claim, moving open -> in_progress -> pending_signature -> signed -> closed.
- Lookup: clients check their case with the ID document they registered with.
- Notes: an append-only progress log per case; status overrides are recorded there too.
- Event log: every change, view with 'cf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
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
	viper.SetEnvPrefix("CASEFILE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadDotEnv reads <workspace>/.env without overriding variables already set.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newLogger() zerolog.Logger {
	return logging.New(viper.GetString("log-level"), viper.GetString("log-format"), os.Stderr)
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a casefile workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			wrote, err := app.Init(cmd.Context(), workspace, viper.GetString("actor-id"), newLogger())
			if err != nil {
				return err
			}
			secretWritten := false
			if viper.GetString("jwt_secret") == "" {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				if err := setEnvValue(filepath.Join(workspace, ".env"), "CASEFILE_JWT_SECRET", secret); err != nil {
					return err
				}
				secretWritten = true
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"workspace":      workspace,
					"config":         config.Path(workspace),
					"config_written": wrote,
					"secret_written": secretWritten,
				})
			}
			fmt.Printf("Workspace ready at %s\n", filepath.Join(workspace, ".casefile"))
			if wrote {
				fmt.Printf("Wrote %s; set admin.password or admin.password_hash before serving.\n", config.Path(workspace))
			}
			if secretWritten {
				fmt.Println("Generated CASEFILE_JWT_SECRET in .env")
			}
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace schema and numbering state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				version, err := migrate.Version(ctx, e.DB)
				if err != nil {
					return err
				}
				latest, err := migrate.Latest()
				if err != nil {
					return err
				}
				issued, err := e.Repo.SequenceHighWater(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"database":           db.Path(viper.GetString("workspace")),
					"schema_version":     version,
					"schema_latest":      latest,
					"last_issued_number": issued,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"Database", out["database"]})
				tw.AppendRow(table.Row{"Schema", fmt.Sprintf("%d (latest %d)", version, latest)})
				tw.AppendRow(table.Row{"Last issued number", issued})
				tw.Render()
				return nil
			})
		},
	}
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Case arguments accept the case id, the sequence number or the contract number (12-2026).",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseLookupCmd())
	c.AddCommand(caseAdvanceCmd())
	c.AddCommand(caseForceCmd())
	c.AddCommand(caseNoteCmd())
	c.AddCommand(caseNotesCmd())
	c.AddCommand(caseSignCmd())
	c.AddCommand(caseAttachCmd())
	c.AddCommand(caseSnapshotCmd())
	c.AddCommand(casePurgeCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ClientName, "client-name", "", "client full name")
	cmd.Flags().StringVar(&opts.ClientIDDocument, "document", "", "client ID document number")
	cmd.Flags().StringVar(&opts.DocumentType, "document-type", "", "ID document type")
	cmd.Flags().StringVar(&opts.ClaimType, "claim-type", "", "claim type")
	cmd.Flags().StringVar(&opts.RespondentEntity, "respondent", "", "respondent entity")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "total fee in whole COP")
	for _, name := range []string{"client-name", "document", "document-type", "claim-type", "respondent"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func caseListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCases(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Contract", "Client", "Document", "Claim", "Respondent", "Status", "Signed"})
				for _, c := range items {
					signed := ""
					if c.Signed() {
						signed = "yes"
					}
					tw.AppendRow(table.Row{c.ContractNumber(), c.ClientName, c.ClientIDDocument, c.ClaimType, c.RespondentEntity, c.Status.Label(), signed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
}

func caseLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <document>",
		Short: "Public view of the latest case for an ID document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.LookupByDocument(ctx, args[0])
				if errors.Is(err, engine.ErrNotFound) {
					return errors.New("no record found")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(c.Public())
			})
		},
	}
}

func caseAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <case> <status>",
		Short: "Move a case forward in its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.AdvanceStatus(ctx, c.ID, args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCase(updated)
			})
		},
	}
}

func caseForceCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "force <case> <status>",
		Short: "Override a case status (recorded as a note)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.ForceStatus(ctx, c.ID, args[1], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCase(updated)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the lifecycle is being bypassed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func caseNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <case> <text>",
		Short: "Append a progress note",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				n, err := e.AppendProgressNote(ctx, c.ID, strings.Join(args[1:], " "), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func caseNotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes <case>",
		Short: "List progress notes, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				notes, err := e.ListProgressNotes(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(notes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Recorded", "Kind", "Note"})
				for _, n := range notes {
					tw.AppendRow(table.Row{n.RecordedAt, n.Kind, n.Text})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func caseSignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <case> <document-ref>",
		Short: "Record the signed contract reference (once)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.AttachSignedDocument(ctx, c.ID, args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCase(updated)
			})
		},
	}
}

func caseAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <case> <file.pdf>",
		Short: "Store a signed contract PDF in the workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				updated, err := e.AttachSignedUpload(ctx, c.ID, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCase(updated)
			})
		},
	}
}

func caseSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <case>",
		Short: "Print the contract data snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				snap, err := e.Snapshot(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func casePurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <case>",
		Short: "Hard-delete a case and its notes; the number is never reissued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("purge is permanent; pass --yes to confirm")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := resolveCase(ctx, e, args[0])
				if err != nil {
					return err
				}
				if err := e.PurgeCase(ctx, c.ID, viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"purged": c.ID, "contract_number": c.ContractNumber()})
				}
				fmt.Printf("Purged case %s\n", c.ContractNumber())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate casefile.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if !auth.NewVerifier(cfg).Configured() {
				fmt.Println("warning: admin.password is not set; admin login is disabled")
			}
			fmt.Printf("%s is valid\n", config.Path(workspace))
			return nil
		},
	}
}

func adminCmd() *cobra.Command {
	c := &cobra.Command{Use: "admin", Short: "Administrator credentials"}
	c.AddCommand(&cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	})
	return c
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to the register: creations, status moves, overrides, signatures, notes and purges.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var filters repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters.Limit = n
				items, err := e.LatestEvents(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&filters.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&filters.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&filters.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("CASEFILE_JWT_SECRET is required for admin sessions")
			}
			m := metrics.New(prometheus.DefaultRegisterer)
			w, err := app.Open(cmd.Context(), app.Options{
				Workspace: viper.GetString("workspace"),
				Log:       log,
				Metrics:   m,
			})
			if err != nil {
				return err
			}
			defer w.Close()
			verifier := auth.NewVerifier(w.Config)
			if !verifier.Configured() {
				log.Warn().Msg("admin.password is not set; admin login is disabled")
			}
			lookupMax, lookupWindow := w.Config.LookupLimit()
			handler, err := server.New(server.Config{
				Engine:   w.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:  secret,
					Verifier:   verifier,
					SessionTTL: w.Config.SessionTTL(),
				},
				Log:          log,
				Metrics:      m,
				Gatherer:     prometheus.DefaultGatherer,
				LookupMax:    lookupMax,
				LookupWindow: lookupWindow,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving casefile API")
			fmt.Printf("Serving casefile API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
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
	w, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Log:       newLogger(),
	})
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine)
}

// resolveCase accepts a case id, a sequence number or a contract number.
func resolveCase(ctx context.Context, e engine.Engine, ref string) (domain.Case, error) {
	ref = strings.TrimSpace(ref)
	seqPart := ref
	if i := strings.IndexByte(ref, '-'); i > 0 && len(ref)-i == 5 {
		seqPart = ref[:i]
	}
	if seq, err := strconv.ParseInt(seqPart, 10, 64); err == nil && seq > 0 {
		return e.GetCaseBySequence(ctx, seq)
	}
	return e.GetCase(ctx, ref)
}

func printCase(c domain.Case) error {
	return printJSONOrTable(struct {
		domain.Case
		ContractNumber string `json:"contract_number"`
		StatusLabel    string `json:"status_label"`
	}{c, c.ContractNumber(), c.Status.Label()})
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

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// setEnvValue sets key in a dotenv file, keeping the other lines.
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
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}
