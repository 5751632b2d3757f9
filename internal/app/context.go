package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/gemini"
	"leadline/internal/history"
	"leadline/internal/metrics"
	"leadline/internal/migrate"
	"leadline/internal/persist"
	"leadline/internal/registry"
	"leadline/internal/repo"
)

// Options controls how a workspace is opened.
type Options struct {
	Workspace string
	// APIKey enables the Gemini finder and improver. Without it searches fail
	// with a lookup error.
	APIKey  string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Redis overrides the client built from storage.redis_addr.
	Redis redis.UniversalClient
}

// Workspace is an opened leadline workspace.
type Workspace struct {
	Engine  engine.Engine
	Config  *config.Config
	closers []func() error
}

// Init writes the default config (unless present) and prepares the database.
func Init(ctx context.Context, workspace string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("config %s already exists; use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	ws, err := Open(ctx, Options{Workspace: workspace})
	if err != nil {
		return "", err
	}
	defer ws.Close()
	if err := SeedTemplate(ctx, ws.Engine); err != nil {
		return "", err
	}
	return path, nil
}

// Open loads config, migrates the database and wires the engine ports for the
// configured storage backend.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	ws := &Workspace{Config: cfg, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(conn); err != nil {
		ws.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if opts.Logger != nil {
		e.Log = opts.Logger
	}
	e.Metrics = opts.Metrics

	if cfg.Storage.Backend == "redis" {
		client := opts.Redis
		if client == nil {
			rc := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr, DB: cfg.Storage.RedisDB})
			ws.closers = append(ws.closers, rc.Close)
			client = rc
		}
		if err := client.Ping(ctx).Err(); err != nil {
			ws.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Storage.RedisAddr, err)
		}
		e.Registry = registry.New(persist.RedisKV[[]string]{Client: client, Key: engine.DocumentKey(cfg, engine.RegistryKey)})
		e.History = history.New(persist.RedisKV[[]domain.CampaignLog]{Client: client, Key: engine.DocumentKey(cfg, engine.HistoryKey)})
	}

	if opts.APIKey != "" {
		gc, err := gemini.NewClient(ctx, opts.APIKey, cfg)
		if err != nil {
			ws.Close()
			return nil, err
		}
		e.Finder = gc
		e.Improver = gc
	}
	ws.Engine = e
	return ws, nil
}

// SeedTemplate stores the configured template when none has been saved yet.
func SeedTemplate(ctx context.Context, e engine.Engine) error {
	if _, err := e.Repo.GetTemplate(ctx); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.SetTemplate(ctx, e.Config.Template); err != nil {
		return fmt.Errorf("seed template: %w", err)
	}
	return nil
}

// Close releases the database and any redis client opened by Open.
func (w *Workspace) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
