package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"casefile/internal/config"
	"casefile/internal/db"
	"casefile/internal/documents"
	"casefile/internal/engine"
	"casefile/internal/events"
	"casefile/internal/metrics"
	"casefile/internal/migrate"
)

// Options configure Open.
type Options struct {
	Workspace string
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

// Workspace bundles the open database, config and engine for one process.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies migrations and wires the
// engine. Call it once per process.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	ws := opts.Workspace
	if ws == "" {
		ws = "."
	}
	cfg, err := config.LoadOptional(ws)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := documents.NewLocalStore(cfg.SignedDir(ws), opts.Log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	eng.Documents = store
	eng.Metrics = opts.Metrics
	eng.Log = opts.Log.With().Str("component", "engine").Logger()
	return &Workspace{Path: ws, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Init creates the database and a default casefile.yml when missing. It
// reports whether the config file was written.
func Init(ctx context.Context, workspace, actorID string, log zerolog.Logger) (bool, error) {
	if workspace == "" {
		workspace = "."
	}
	wrote := false
	path := config.Path(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
			return false, fmt.Errorf("write %s: %w", path, err)
		}
		wrote = true
	} else if err != nil {
		return false, err
	}
	w, err := Open(ctx, Options{Workspace: workspace, Log: log})
	if err != nil {
		return wrote, err
	}
	defer w.Close()

	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrote, err
	}
	defer tx.Rollback()
	if actorID == "" {
		actorID = "local-user"
	}
	if err := w.Engine.Events.Append(ctx, tx, events.WorkspaceInit, events.EntityKindWorkspace, "", actorID, events.EventPayload{"config_written": wrote}); err != nil {
		return wrote, err
	}
	return wrote, tx.Commit()
}
