package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"milestoneline/internal/domain"
	"milestoneline/internal/events"
	"milestoneline/internal/repo"
)

var (
	// ErrInvalidInitiative is returned for initiative writes that fail validation.
	ErrInvalidInitiative = errors.New("invalid initiative")
	ErrInitiativeExists  = errors.New("initiative already exists")
)

type InitiativeCreateOptions struct {
	ID        string
	Type      domain.InitiativeType
	Title     string
	Milestone domain.Milestone
	Status    string
	StartDate string
	ActorID   string
}

type InitiativeUpdateOptions struct {
	ID        string
	Title     *string
	Milestone *domain.Milestone
	Status    *string
	StartDate *string
	ActorID   string
}

func (e Engine) ListInitiatives(ctx context.Context, typ domain.InitiativeType) ([]domain.Initiative, error) {
	if typ != "" && !typ.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidType, typ)
	}
	res, err := e.Repo.ListInitiatives(ctx, typ)
	if err != nil {
		return nil, storeErr("list initiatives", err)
	}
	if res == nil {
		res = []domain.Initiative{}
	}
	return res, nil
}

func (e Engine) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	in, err := e.Repo.GetInitiative(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return in, NotFoundError{InitiativeID: id}
	}
	if err != nil {
		return in, storeErr("get initiative", err)
	}
	return in, nil
}

// CreateInitiative registers a new initiative. The id defaults to a random UUID.
func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	if !opts.Type.Valid() {
		return domain.Initiative{}, fmt.Errorf("%w %q", ErrInvalidType, opts.Type)
	}
	if !e.typeEnabled(opts.Type) {
		return domain.Initiative{}, fmt.Errorf("%w %q: not enabled in config.initiatives.types", ErrInvalidType, opts.Type)
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Initiative{}, fmt.Errorf("%w: title is required", ErrInvalidInitiative)
	}
	if opts.StartDate != "" {
		if _, ok := parseDay(opts.StartDate); !ok {
			return domain.Initiative{}, fmt.Errorf("%w: start date %q: want YYYY-MM-DD", ErrInvalidInitiative, opts.StartDate)
		}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := e.Repo.GetInitiative(ctx, id); err == nil {
		return domain.Initiative{}, fmt.Errorf("%w: %s", ErrInitiativeExists, id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Initiative{}, storeErr("get initiative", err)
	}
	if !e.inCatalog(opts.Milestone) {
		// Unknown milestones are still tracked as-is.
		e.log().Warn("milestone not in catalog", "initiative_id", id, "milestone", opts.Milestone)
	}
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Initiative{
		ID:        id,
		Type:      opts.Type,
		Title:     title,
		Milestone: opts.Milestone.Normalize(),
		Status:    strings.TrimSpace(opts.Status),
		CreatedAt: now,
		StartDate: opts.StartDate,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInitiative(ctx, tx, in); err != nil {
		return domain.Initiative{}, storeErr("insert initiative", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeInitiativeCreated, "initiative", in.ID, opts.ActorID, events.EventPayload{
		"type":      in.Type,
		"title":     in.Title,
		"milestone": in.Milestone,
	}); err != nil {
		return domain.Initiative{}, storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, storeErr("commit", err)
	}

	e.log().Info("initiative created", "initiative_id", in.ID, "type", in.Type, "milestone", in.Milestone)
	e.announce(ctx, events.TypeInitiativeCreated, in, nil)
	return in, nil
}

// UpdateInitiative changes the mutable fields of an initiative. Milestone
// changes take effect in reconstruction immediately, before the next capture.
func (e Engine) UpdateInitiative(ctx context.Context, opts InitiativeUpdateOptions) (domain.Initiative, error) {
	if _, err := e.GetInitiative(ctx, opts.ID); err != nil {
		return domain.Initiative{}, err
	}
	u := repo.InitiativeUpdate{
		Status:    opts.Status,
		StartDate: opts.StartDate,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}
	changes := map[string]any{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return domain.Initiative{}, fmt.Errorf("%w: title cannot be empty", ErrInvalidInitiative)
		}
		u.Title = &title
		changes["title"] = title
	}
	if opts.Milestone != nil {
		m := opts.Milestone.Normalize()
		if !e.inCatalog(m) {
			e.log().Warn("milestone not in catalog", "initiative_id", opts.ID, "milestone", m)
		}
		u.Milestone = &m
		changes["milestone"] = m
	}
	if opts.Status != nil {
		changes["status"] = *opts.Status
	}
	if opts.StartDate != nil {
		if *opts.StartDate != "" {
			if _, ok := parseDay(*opts.StartDate); !ok {
				return domain.Initiative{}, fmt.Errorf("%w: start date %q: want YYYY-MM-DD", ErrInvalidInitiative, *opts.StartDate)
			}
		}
		changes["start_date"] = *opts.StartDate
	}
	if len(changes) == 0 {
		return domain.Initiative{}, fmt.Errorf("%w: nothing to update", ErrInvalidInitiative)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, storeErr("begin", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInitiative(ctx, tx, opts.ID, u); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Initiative{}, NotFoundError{InitiativeID: opts.ID}
		}
		return domain.Initiative{}, storeErr("update initiative", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeInitiativeUpdated, "initiative", opts.ID, opts.ActorID, events.EventPayload(changes)); err != nil {
		return domain.Initiative{}, storeErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, storeErr("commit", err)
	}

	in, err := e.GetInitiative(ctx, opts.ID)
	if err != nil {
		return domain.Initiative{}, err
	}
	e.log().Info("initiative updated", "initiative_id", in.ID, "changes", changes)
	e.announce(ctx, events.TypeInitiativeUpdated, in, changes)
	return in, nil
}

func (e Engine) announce(ctx context.Context, evtType string, in domain.Initiative, changes map[string]any) {
	evt := events.InitiativeChanged{ID: uuid.NewString(), Initiative: in, Changes: changes}
	if err := e.publisher().Publish(ctx, events.Topic(evtType), evt); err != nil {
		e.log().Warn("publish initiative event failed", "type", evtType, "initiative_id", in.ID, "err", err)
	}
}
