package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"milestoneline/internal/domain"
	"milestoneline/internal/events"
	"milestoneline/internal/metrics"
	"milestoneline/internal/migrate"
	"milestoneline/internal/repo"
)

// CaptureResult reports what a capture call did.
type CaptureResult struct {
	Date      string            `json:"date" format:"date"`
	Skipped   bool              `json:"skipped"`
	Reason    string            `json:"reason,omitempty"`
	Snapshots []domain.Snapshot `json:"snapshots"`
}

// Initialize ensures the snapshot store exists and is structurally valid,
// creating it empty when absent. Safe to call repeatedly.
func (e Engine) Initialize(ctx context.Context) error {
	if err := e.DB.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	if err := migrate.Migrate(e.DB); err != nil {
		return storeErr("migrate", err)
	}
	if err := migrate.Verify(e.DB); err != nil {
		return storeErr("verify schema", err)
	}
	return nil
}

// CaptureToday snapshots every initiative for the current calendar day. A day
// is captured all-or-nothing: when any snapshot already exists for today the
// call is a no-op and reports Skipped.
func (e Engine) CaptureToday(ctx context.Context, actorID string) (CaptureResult, error) {
	return e.captureDay(ctx, e.Today(), actorID)
}

func (e Engine) captureDay(ctx context.Context, d time.Time, actorID string) (CaptureResult, error) {
	date := formatDay(d)
	res := CaptureResult{Date: date, Snapshots: []domain.Snapshot{}}
	log := e.log().With("date", date, "actor_id", actorID)

	exists, err := e.Repo.SnapshotExistsForDate(ctx, date)
	if err != nil {
		metrics.CaptureRuns.WithLabelValues(metrics.ResultFailed).Inc()
		return res, storeErr("check snapshot date", err)
	}
	if exists {
		metrics.CaptureRuns.WithLabelValues(metrics.ResultSkipped).Inc()
		log.Info("snapshot already captured for day")
		res.Skipped = true
		res.Reason = "already captured"
		return res, nil
	}

	initiatives, err := e.Repo.ListInitiatives(ctx, "")
	if err != nil {
		metrics.CaptureRuns.WithLabelValues(metrics.ResultFailed).Inc()
		return res, storeErr("list initiatives", err)
	}
	if len(initiatives) == 0 {
		metrics.CaptureRuns.WithLabelValues(metrics.ResultSkipped).Inc()
		res.Skipped = true
		res.Reason = "no initiatives"
		return res, nil
	}

	capturedAt := e.now().UTC().Format(time.RFC3339)
	snaps := make([]domain.Snapshot, 0, len(initiatives))
	for _, in := range initiatives {
		snaps = append(snaps, domain.Snapshot{
			InitiativeID: in.ID,
			Date:         date,
			Milestone:    in.Milestone.Normalize(),
			Type:         in.Type,
			Status:       in.Status,
			CapturedAt:   capturedAt,
		})
	}

	eventID := uuid.NewString()
	if err := e.appendDay(ctx, date, snaps, eventID, actorID); err != nil {
		if errors.Is(err, repo.ErrDuplicateSnapshot) {
			// Another capture committed this day first.
			metrics.CaptureRuns.WithLabelValues(metrics.ResultSkipped).Inc()
			log.Info("concurrent capture won the day", "err", err)
			res.Skipped = true
			res.Reason = "already captured"
			return res, nil
		}
		metrics.CaptureRuns.WithLabelValues(metrics.ResultFailed).Inc()
		var partial *PartialCaptureError
		if errors.As(err, &partial) {
			log.Error("capture rolled back", "err", err)
			return res, err
		}
		return res, storeErr("append snapshots", err)
	}

	metrics.CaptureRuns.WithLabelValues(metrics.ResultCaptured).Inc()
	metrics.SnapshotsCaptured.Add(float64(len(snaps)))
	log.Info("snapshot captured", "count", len(snaps))

	evt := events.SnapshotCaptured{ID: eventID, Date: date, Count: len(snaps), Trigger: actorID, Captured: capturedAt}
	if err := e.publisher().Publish(ctx, events.Topic(events.TypeSnapshotCaptured), evt); err != nil {
		log.Warn("publish snapshot event failed", "err", err)
	}
	res.Snapshots = snaps
	return res, nil
}

// appendDay writes the whole day in one transaction and checks that every
// initiative landed before committing.
func (e Engine) appendDay(ctx context.Context, date string, snaps []domain.Snapshot, eventID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.AppendSnapshotsTx(ctx, tx, snaps); err != nil {
		return err
	}
	stored, err := e.Repo.CountSnapshotsForDateTx(ctx, tx, date)
	if err != nil {
		return err
	}
	if stored != len(snaps) {
		return &PartialCaptureError{Date: date, Expected: len(snaps), Stored: stored}
	}
	if err := e.Events.Append(ctx, tx, events.TypeSnapshotCaptured, "snapshot", date, actorID, events.EventPayload{
		"event_id": eventID,
		"count":    len(snaps),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// PartialDay is a captured day missing initiatives that were captured both
// before and after it.
type PartialDay struct {
	Date    string   `json:"date"`
	Stored  int      `json:"stored"`
	Missing []string `json:"missing"`
}

// CoverageReport summarises the stored snapshot history.
type CoverageReport struct {
	Days    []domain.DayCount `json:"days"`
	Partial []PartialDay      `json:"partial"`
}

// AuditCoverage lists every captured day and flags days that lack an
// initiative present on an earlier and a later captured day.
func (e Engine) AuditCoverage(ctx context.Context) (CoverageReport, error) {
	report := CoverageReport{Days: []domain.DayCount{}, Partial: []PartialDay{}}
	days, err := e.Repo.SnapshotDayCounts(ctx)
	if err != nil {
		return report, storeErr("count snapshot days", err)
	}
	report.Days = append(report.Days, days...)
	all, err := e.Repo.AllSnapshots(ctx)
	if err != nil {
		return report, storeErr("list snapshots", err)
	}

	dayIndex := make(map[string]int, len(days))
	for i, d := range days {
		dayIndex[d.Date] = i
	}
	seen := map[string]map[int]bool{}
	for _, s := range all {
		if seen[s.InitiativeID] == nil {
			seen[s.InitiativeID] = map[int]bool{}
		}
		seen[s.InitiativeID][dayIndex[s.Date]] = true
	}
	missing := map[int][]string{}
	for id, idx := range seen {
		first, last := len(days), -1
		for i := range idx {
			if i < first {
				first = i
			}
			if i > last {
				last = i
			}
		}
		for i := first + 1; i < last; i++ {
			if !idx[i] {
				missing[i] = append(missing[i], id)
			}
		}
	}
	for i, d := range days {
		ids, ok := missing[i]
		if !ok {
			continue
		}
		sort.Strings(ids)
		report.Partial = append(report.Partial, PartialDay{Date: d.Date, Stored: d.Count, Missing: ids})
	}
	return report, nil
}

// ListSnapshots returns stored snapshots for one initiative, or every
// snapshot when initiativeID is empty.
func (e Engine) ListSnapshots(ctx context.Context, initiativeID string) ([]domain.Snapshot, error) {
	var (
		res []domain.Snapshot
		err error
	)
	if initiativeID == "" {
		res, err = e.Repo.AllSnapshots(ctx)
	} else {
		if _, err := e.GetInitiative(ctx, initiativeID); err != nil {
			return nil, err
		}
		res, err = e.Repo.SnapshotsByInitiative(ctx, initiativeID)
	}
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}
	if res == nil {
		res = []domain.Snapshot{}
	}
	return res, nil
}
