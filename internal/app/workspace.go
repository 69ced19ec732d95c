package app

import (
	"context"
	"database/sql"
	"fmt"

	"milestoneline/internal/config"
	"milestoneline/internal/db"
	"milestoneline/internal/engine"
	"milestoneline/internal/events"
	"milestoneline/internal/logger"
)

// Options controls how a workspace is opened.
type Options struct {
	Workspace string
	// LogMode overrides config.log.mode when set.
	LogMode string
	// NATSURL overrides config.events.nats_url when set.
	NATSURL string
	// Publish connects the event publisher. Read-only commands leave it off.
	Publish bool
}

// Workspace bundles the open store, loaded config and a ready engine.
type Workspace struct {
	Root   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *logger.Logger

	publisher events.Publisher
}

// Open loads milestoneline.yml (defaults when absent), opens the snapshot
// store and initializes it.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	mode := cfg.Log.Mode
	if opts.LogMode != "" {
		mode = opts.LogMode
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	ws := &Workspace{Root: opts.Workspace, DB: conn, Config: cfg, Logger: log}
	ws.Engine = engine.New(conn, cfg)
	ws.Engine.Logger = log

	if opts.Publish {
		url := cfg.Events.NATSURL
		if opts.NATSURL != "" {
			url = opts.NATSURL
		}
		if url != "" {
			pub, err := events.NewNATSPublisher(url)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("connect event bus: %w", err)
			}
			log.Info("publishing events", "url", url)
			ws.publisher = pub
			ws.Engine.Publisher = pub
		}
	}

	if err := ws.Engine.Initialize(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

// Close releases the publisher and the store.
func (w *Workspace) Close() error {
	if w.publisher != nil {
		_ = w.publisher.Close()
	}
	w.Logger.Sync()
	return w.DB.Close()
}
