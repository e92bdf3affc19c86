package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"switchyard/internal/engine"
	"switchyard/internal/server"
	"switchyard/internal/tools"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SWITCHYARD_JWT_SECRET is required for bearer auth")
			}
			ctx := cmd.Context()
			e, err := openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()
			if addr == "" {
				addr = e.Config.Server.Addr
			}
			if basePath == "" {
				basePath = e.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Version:  version,
				Auth: server.AuthConfig{
					JWTSecret:     secret,
					Issuer:        e.Config.Auth.JWTIssuer,
					AllowDevLogin: devLogin,
				},
			})
			if err != nil {
				return err
			}
			go e.RunScheduler(ctx, e.Config.SweepInterval())

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			e.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving API (OpenAPI at openapi.json, Swagger UI at /docs, metrics at /metrics)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default /v1)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (never in production)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve every operation as an MCP tool over stdio",
		Long: `Serve every operation as an MCP tool over stdio. Calls run as the program
named by --program, --tenant, --session and --capabilities. The sweep scheduler
runs in the background while the server is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()
			go e.RunScheduler(ctx, e.Config.SweepInterval())
			s := tools.NewServer(tools.Dispatcher{Engine: e, Caller: flagCaller(e)}, version)
			return mcpserver.ServeStdio(s)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale tasks and dead-letter stale messages in every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				results, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Tenant", "Tasks Scanned", "Expired", "Messages Scanned", "Dead Lettered"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Tenant, r.Tasks.Scanned, r.Tasks.Expired, r.DeadLetters.Scanned, r.DeadLetters.DeadLettered})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage API tokens"}
	tok.AddCommand(tokenMintCmd())
	return tok
}

func tokenMintCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token for --program in --tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SWITCHYARD_JWT_SECRET is required to sign tokens")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.MintToken(
				secret,
				cfg.Auth.JWTIssuer,
				viper.GetString("tenant"),
				viper.GetString("program"),
				viper.GetString("session"),
				viper.GetStringSlice("capabilities"),
				ttl,
				time.Now(),
			)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}
