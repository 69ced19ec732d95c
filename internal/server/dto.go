package server

import (
	"milestoneline/internal/domain"
	"milestoneline/internal/engine"
)

// Request payloads

type CreateInitiativeRequest struct {
	ID        string                `json:"id,omitempty"`
	Type      domain.InitiativeType `json:"type" enum:"Project,CR"`
	Title     string                `json:"title"`
	Milestone string                `json:"milestone,omitempty"`
	Status    string                `json:"status,omitempty"`
	StartDate string                `json:"start_date,omitempty" format:"date"`
}

type UpdateInitiativeRequest struct {
	Title     *string `json:"title,omitempty"`
	Milestone *string `json:"milestone,omitempty"`
	Status    *string `json:"status,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	Store  string `json:"store" example:"ok"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

func (r UpdateInitiativeRequest) options(id, actorID string) engine.InitiativeUpdateOptions {
	opts := engine.InitiativeUpdateOptions{
		ID:        id,
		Title:     r.Title,
		Status:    r.Status,
		StartDate: r.StartDate,
		ActorID:   actorID,
	}
	if r.Milestone != nil {
		m := domain.Milestone(*r.Milestone)
		opts.Milestone = &m
	}
	return opts
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
