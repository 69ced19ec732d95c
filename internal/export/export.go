// Package export writes the snapshot history as JSONL to files or S3.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"milestoneline/internal/domain"
)

// Source is the read side of the record store needed for an export.
type Source interface {
	ListInitiatives(ctx context.Context, typ domain.InitiativeType) ([]domain.Initiative, error)
	AllSnapshots(ctx context.Context) ([]domain.Snapshot, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version         string    `json:"version"`
	Type            string    `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	InitiativeCount int       `json:"initiative_count"`
	SnapshotCount   int       `json:"snapshot_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes every initiative (by id) and every snapshot (by date,
// then initiative id) as JSONL to w.
func ExportJSONL(ctx context.Context, src Source, w io.Writer, now time.Time) error {
	initiatives, err := src.ListInitiatives(ctx, "")
	if err != nil {
		return fmt.Errorf("list initiatives: %w", err)
	}
	snaps, err := src.AllSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{
		Version:         "1",
		Type:            "header",
		Timestamp:       now.UTC(),
		InitiativeCount: len(initiatives),
		SnapshotCount:   len(snaps),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, in := range initiatives {
		if err := enc.Encode(record{Type: "initiative", Data: in}); err != nil {
			return fmt.Errorf("encode initiative %s: %w", in.ID, err)
		}
	}
	for _, s := range snaps {
		if err := enc.Encode(record{Type: "snapshot", Data: s}); err != nil {
			return fmt.Errorf("encode snapshot %s/%s: %w", s.InitiativeID, s.Date, err)
		}
	}
	return nil
}
