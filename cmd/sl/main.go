package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/fingerprint"
	"shipline/internal/migrate"
	"shipline/internal/telemetry"
	"shipline/internal/validate"
	shiplinesdk "shipline/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shipline CLI",
	Long: `Shipline turns tracker tickets that are ready for engineering into pull requests.
Core concepts:
- Scan: fetch ready tickets (or one ticket), validate them against hard rules, and either block them
  with a comment or draft a change with the configured model and open a pull request.
- Run: the persisted record of one ticket being processed; it carries a cursor (state/step/attempt)
  and a lock so two workers never process the same ticket at once.
- Fingerprint: a hash of the ticket content; an unchanged ticket reuses its pull request.
- Audit log: every external call is written as an intent row before and a result row after.
- Workspace: the directory holding shipline.yml and the .shipline run store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
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
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

// setupLogger routes slog to stderr so stdout stays clean for reports.
func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetBool("json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func scanCmd() *cobra.Command {
	var issue, serverURL, apiKey, token string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Process ready tickets into pull requests",
		Long:  "Without --issue every ticket in the ready status is processed. With --server the scan runs on a remote shipline API instead of locally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep domain.Report
			if serverURL != "" {
				if apiKey == "" {
					apiKey = viper.GetString("api-key")
				}
				if token == "" {
					token = viper.GetString("token")
				}
				remote, err := scanRemote(cmd.Context(), serverURL, apiKey, token, issue)
				if err != nil {
					return err
				}
				rep = remote
			} else {
				local, err := scanLocal(cmd.Context(), issue)
				if err != nil {
					return err
				}
				rep = local
			}
			if err := printReport(rep); err != nil {
				return err
			}
			if rep.Failed > 0 {
				return fmt.Errorf("%d ticket(s) failed", rep.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "", "process only this ticket key")
	cmd.Flags().StringVar(&serverURL, "server", "", "run the scan on a shipline API server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for --server (or SHIPLINE_API_KEY)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --server (or SHIPLINE_TOKEN)")
	return cmd
}

func scanLocal(ctx context.Context, issue string) (domain.Report, error) {
	if err := telemetry.Init(ctx, "shipline", version); err != nil {
		return domain.Report{}, err
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	ws, err := app.Open(ctx, viper.GetString("workspace"), os.Getenv)
	if err != nil {
		return domain.Report{}, err
	}
	defer ws.Close()
	s, err := ws.NewScanner(slog.Default())
	if err != nil {
		return domain.Report{}, err
	}
	return s.Scan(ctx, strings.TrimSpace(issue))
}

func scanRemote(ctx context.Context, serverURL, apiKey, token, issue string) (domain.Report, error) {
	c := shiplinesdk.New(serverURL)
	c.APIKey = apiKey
	c.BearerToken = token
	rep, err := c.Scan(ctx, strings.TrimSpace(issue))
	if err != nil {
		return domain.Report{}, err
	}
	out := domain.Report{
		RunTimestamp: rep.RunTimestamp,
		Mode:         rep.Mode,
		Scanned:      rep.Scanned,
		Processed:    rep.Processed,
		Skipped:      rep.Skipped,
		Failed:       rep.Failed,
	}
	for _, r := range rep.Results {
		out.Results = append(out.Results, domain.TicketResult(r))
	}
	return out, nil
}

func printReport(rep domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(rep)
	}
	fmt.Printf("Scan %s (%s): scanned=%d processed=%d skipped=%d failed=%d\n",
		rep.RunTimestamp, rep.Mode, rep.Scanned, rep.Processed, rep.Skipped, rep.Failed)
	if len(rep.Results) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Ticket", "Outcome", "Run", "Fingerprint", "PR / Reason"})
	for _, r := range rep.Results {
		detail := r.PRURL
		switch {
		case r.Reason != "":
			detail = r.Reason
		case r.Error != "":
			detail = r.Error
			if r.CompensationError != "" {
				detail += " (compensation: " + r.CompensationError + ")"
			}
		}
		tw.AppendRow(table.Row{r.Key, r.Outcome, r.RunID, r.FingerprintShort, detail})
	}
	tw.Render()
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in shipline.yml in the workspace. Credentials are read from SHIPLINE_* environment variables and never from the file.",
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
			cfg, err := app.LoadConfig(viper.GetString("workspace"), os.Getenv)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"config":  cfg,
				"secrets": secretStatus(cfg),
			})
		},
	}
	return cmd
}

// secretStatus reports which credentials are set without revealing them.
func secretStatus(cfg *config.Config) map[string]bool {
	return map[string]bool{
		config.EnvTrackerToken:  cfg.Secrets.TrackerToken != "",
		config.EnvGitHubToken:   cfg.Secrets.GitHubToken != "",
		config.EnvLLMAPIKey:     cfg.Secrets.LLMAPIKey != "",
		config.EnvJWTSecret:     cfg.Secrets.JWTSecret != "",
		config.EnvWebhookSecret: cfg.Secrets.WebhookSecret != "",
	}
}

func configValidateCmd() *cobra.Command {
	var secrets bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate shipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), os.Getenv)
			if err == nil && secrets {
				err = cfg.RequireSecrets()
			}
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
	cmd.Flags().BoolVar(&secrets, "secrets", false, "also require the credentials a scan needs")
	return cmd
}

func configInitCmd() *cobra.Command {
	var projectKey string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default shipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectKey == "" {
				return fmt.Errorf("--project-key required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectKey)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; edit tracker.base_url, tracker.transitions and repository.default next\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectKey, "project-key", "", "tracker project key")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	var file string
	var check bool
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Fingerprint a ticket snapshot read from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var t domain.Ticket
			if err := json.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("invalid ticket json: %w", err)
			}
			ac := validate.ExtractAcceptanceCriteria(t.AcceptanceCriteria, t.Description)
			out := map[string]any{
				"ticket":      t.Key,
				"fingerprint": fingerprint.FromTicket(t, ac),
			}
			if check {
				cfg, err := app.LoadConfig(viper.GetString("workspace"), os.Getenv)
				if err != nil {
					return err
				}
				out["validation"] = validate.Validate(t, validate.RulesFromConfig(cfg))
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "ticket snapshot JSON")
	cmd.Flags().BoolVar(&check, "check", false, "also run the hard rules from shipline.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	mig := &cobra.Command{Use: "migrate", Short: "Run store schema"}
	mig.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.OpenStore(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, current, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"current": current, "applied": applied})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Version", "Name", "Applied At"})
			for _, m := range applied {
				tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
			}
			tw.Render()
			return nil
		},
	})
	return mig
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// --- helpers ---

// withEngine opens the run store and config. Commands that only read runs
// still need shipline.yml for lock TTL and attempt budget.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), os.Getenv)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
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

func isMissingConfig(err error) bool {
	return errors.Is(err, config.ErrMissing)
}
