package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"switchyard/internal/authctx"
	"switchyard/internal/config"
	"switchyard/internal/engine"
	"switchyard/internal/observability"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "syd",
	Short: "Switchyard coordination hub",
	Long: `Switchyard coordinates autonomous programs sharing one store.
Core concepts:
- Program: a registered participant with capabilities and presence (online, idle, offline).
- Target: a program id, a group id, cap:<name> for a capability holder, or all.
- Task: a work item a target claims for one session and completes with an outcome code.
- Dream: a budgeted autonomous run; completions charge its budget.
- Relay: typed messages with priority ordering, TTL and dead-lettering.
- Sprint: a parent item with one story task per definition, retry policies and a progress rollup.
Commands act as the program given by --program in tenant --tenant.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SWITCHYARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("tenant", "local", "tenant id")
	flags.String("program", "cli", "program id to act as")
	flags.String("session", "cli", "session id used for claims")
	flags.StringSlice("capabilities", nil, "capabilities of the acting program")
	flags.String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "json", "tenant", "program", "session", "capabilities", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(dreamCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(callCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage switchyard.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// --- helpers ---

// loadConfig reads switchyard.yml when present and applies SWITCHYARD_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if addr := viper.GetString("redis-addr"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := viper.GetString("sync-webhook-url"); url != "" {
		cfg.Sync.WebhookURL = url
	}
	if secret := viper.GetString("sync-secret"); secret != "" {
		cfg.Sync.Secret = secret
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return observability.NewLogger("switchyard", cfg.Log.Level, os.Stderr)
}

func openEngine(ctx context.Context, inline bool) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, engine.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Log:       log,
		Inline:    inline,
	})
}

// withEngine runs fn against a one-shot engine as the caller named by the
// persistent flags. Outbound jobs run inline so they finish before exit.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	e, err := openEngine(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(authctx.With(ctx, flagCaller(e)), e)
}

func flagCaller(e *engine.Engine) authctx.Caller {
	return e.Caller(
		viper.GetString("tenant"),
		viper.GetString("program"),
		viper.GetString("session"),
		viper.GetStringSlice("capabilities"),
	)
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

// decodeDocument parses YAML or JSON into out using the json field names.
func decodeDocument(data []byte, out any) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
