package events

import (
	"context"

	"milestoneline/internal/domain"
)

// Event types, used both as event log types and as bus topics.
const (
	TypeSnapshotCaptured  = "snapshot.captured"
	TypeInitiativeCreated = "initiative.created"
	TypeInitiativeUpdated = "initiative.updated"
)

// TopicPrefix namespaces every bus subject.
const TopicPrefix = "milestoneline."

// Topic returns the bus subject for an event type.
func Topic(evtType string) string {
	return TopicPrefix + evtType
}

type SnapshotCaptured struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Count    int    `json:"count"`
	Trigger  string `json:"trigger"`
	Captured string `json:"captured_at"`
}

type InitiativeChanged struct {
	ID         string            `json:"id"`
	Initiative domain.Initiative `json:"initiative"`
	Changes    map[string]any    `json:"changes,omitempty"`
}

// Publisher emits events to a message bus after they are committed.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
