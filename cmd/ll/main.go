package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"leadline/internal/app"
	"leadline/internal/engine"
	"leadline/internal/metrics"
	"leadline/internal/server"
)

var (
	stdout io.Writer = os.Stdout
	logger           = zap.NewNop()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ll",
		Short: "Leadline CLI",
		Long: `Leadline finds residential complexes (conjuntos) in a city, keeps them as leads,
renders personalized legal-services proposals and runs simulated email campaigns.
Core concepts:
- Workspace: a directory holding leadline.yml, an optional .env and the .leadline database.
- Search: asks the model for conjuntos in a city; already-known conjuntos are dropped.
- Registry: every conjunto ever found, by "name_city"; deleting a lead keeps it here.
- Lead status: pendiente -> procesado (proposal reviewed) -> enviado (campaign delivered).
- Template: the proposal letter with {{CONJUNTO}}, {{FECHA}}, {{EMAIL}}, {{DIRECCION}}, {{CIUDAD}} and {{TELEFONO}}.
- Campaign: sends the template to every procesado lead and keeps a log per run.
- Event log: diary of changes, view with 'll log tail'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			l, err := newLogger(viper.GetBool("verbose"))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	addPersistentFlags(root)
	root.AddCommand(initCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(leadsCmd())
	root.AddCommand(proposalCmd())
	root.AddCommand(templateCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(campaignCmd())
	root.AddCommand(registryCmd())
	root.AddCommand(logCmd())
	root.AddCommand(serveCmd())
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("gemini-api-key", "LEADLINE_GEMINI_API_KEY", "GEMINI_API_KEY")
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create leadline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(cmd.Context(), viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Workspace ready: %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing leadline.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withMetrics bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *metrics.Metrics
			if withMetrics {
				m = metrics.New()
			}
			ws, err := openWorkspace(cmd.Context(), m)
			if err != nil {
				return err
			}
			defer ws.Close()
			if err := app.SeedTemplate(cmd.Context(), ws.Engine); err != nil {
				return err
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Metrics: m, Log: logger})
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
			logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Fprintf(stdout, "Serving Leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withMetrics, "metrics", true, "expose Prometheus metrics at /metrics")
	return cmd
}

// --- helpers ---

func openWorkspace(ctx context.Context, m *metrics.Metrics) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		APIKey:    viper.GetString("gemini-api-key"),
		Logger:    logger,
		Metrics:   m,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(stdout, string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
