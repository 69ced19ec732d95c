package engine

import (
	"database/sql"
	"time"

	"milestoneline/internal/config"
	"milestoneline/internal/domain"
	"milestoneline/internal/events"
	"milestoneline/internal/logger"
	"milestoneline/internal/repo"
)

// Engine captures initiative snapshots and answers milestone duration queries.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Config    *config.Config
	Logger    *logger.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Publisher: &events.NoopPublisher{},
		Config:    cfg,
		Logger:    logger.Nop(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) location() *time.Location {
	if e.Config == nil {
		return time.Local
	}
	loc, err := e.Config.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

// Today returns the current calendar day in the configured time zone.
func (e Engine) Today() time.Time {
	return civilDay(e.now(), e.location())
}

func (e Engine) log() *logger.Logger {
	if e.Logger == nil {
		return logger.Nop()
	}
	return e.Logger
}

func (e Engine) publisher() events.Publisher {
	if e.Publisher == nil {
		return &events.NoopPublisher{}
	}
	return e.Publisher
}

// typeEnabled reports whether config.initiatives.types allows t.
func (e Engine) typeEnabled(t domain.InitiativeType) bool {
	if e.Config == nil || len(e.Config.Initiatives.Types) == 0 {
		return t.Valid()
	}
	for _, allowed := range e.Config.Initiatives.Types {
		if domain.InitiativeType(allowed) == t {
			return true
		}
	}
	return false
}

// inCatalog reports whether m is a catalog milestone. Blank counts as known.
func (e Engine) inCatalog(m domain.Milestone) bool {
	if m.IsBlank() {
		return true
	}
	catalog := domain.KnownMilestones
	if e.Config != nil && len(e.Config.Milestones.Catalog) > 0 {
		catalog = nil
		for _, name := range e.Config.Milestones.Catalog {
			catalog = append(catalog, domain.Milestone(name).Normalize())
		}
	}
	for _, known := range catalog {
		if known == m.Normalize() {
			return true
		}
	}
	return false
}
