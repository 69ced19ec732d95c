package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"milestoneline/internal/domain"
	"milestoneline/internal/metrics"
	"milestoneline/internal/repo"
)

type milestoneStats struct {
	count   int
	current int
	sum     int
	min     int
	max     int
}

func (s *milestoneStats) addCompleted(days int) {
	if s.count == 0 || days < s.min {
		s.min = days
	}
	if days > s.max {
		s.max = days
	}
	s.count++
	s.sum += days
}

// ParseType validates an optional initiative type filter.
func ParseType(raw string) (domain.InitiativeType, error) {
	if raw == "" {
		return "", nil
	}
	t := domain.InitiativeType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w %q: want Project or CR", ErrInvalidType, raw)
	}
	return t, nil
}

// GetAllMilestoneDurations summarises completed milestone intervals across
// every initiative of typ (all types when empty). Open intervals only count
// toward CurrentCount. Groups are ordered by total occupancy, descending,
// then by milestone name.
func (e Engine) GetAllMilestoneDurations(ctx context.Context, typ domain.InitiativeType) ([]domain.MilestoneSummary, error) {
	defer observe("durations", time.Now())
	if typ != "" && !typ.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidType, typ)
	}
	initiatives, err := e.Repo.ListInitiatives(ctx, typ)
	if err != nil {
		return nil, storeErr("list initiatives", err)
	}
	if len(initiatives) == 0 {
		return []domain.MilestoneSummary{}, nil
	}
	all, err := e.Repo.AllSnapshots(ctx)
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}
	history := make(map[string][]domain.Snapshot, len(initiatives))
	for _, s := range all {
		history[s.InitiativeID] = append(history[s.InitiativeID], s)
	}

	today := e.Today()
	loc := e.location()
	stats := map[domain.Milestone]*milestoneStats{}
	for _, in := range initiatives {
		rec := e.reconstruct(history[in.ID], in, today, loc)
		for _, iv := range rec.Intervals {
			if iv.Milestone.IsBlank() {
				continue
			}
			st := stats[iv.Milestone]
			if st == nil {
				st = &milestoneStats{}
				stats[iv.Milestone] = st
			}
			if iv.Open {
				st.current++
				continue
			}
			st.addCompleted(iv.DurationDays)
		}
	}

	out := make([]domain.MilestoneSummary, 0, len(stats))
	for m, st := range stats {
		sum := domain.MilestoneSummary{
			Milestone:       m,
			Count:           st.count,
			MinDurationDays: st.min,
			MaxDurationDays: st.max,
			CurrentCount:    st.current,
		}
		if st.count > 0 {
			sum.AvgDurationDays = float64(st.sum) / float64(st.count)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].Count+out[i].CurrentCount, out[j].Count+out[j].CurrentCount
		if oi != oj {
			return oi > oj
		}
		return out[i].Milestone < out[j].Milestone
	})
	return out, nil
}

// GetMilestoneDurationBreakdown returns the full interval history of one
// initiative with its elapsed totals.
func (e Engine) GetMilestoneDurationBreakdown(ctx context.Context, initiativeID string) (domain.MilestoneBreakdown, error) {
	defer observe("breakdown", time.Now())
	in, err := e.Repo.GetInitiative(ctx, initiativeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.MilestoneBreakdown{}, NotFoundError{InitiativeID: initiativeID}
		}
		return domain.MilestoneBreakdown{}, storeErr("get initiative", err)
	}
	history, err := e.Repo.SnapshotsByInitiative(ctx, initiativeID)
	if err != nil {
		return domain.MilestoneBreakdown{}, storeErr("list initiative snapshots", err)
	}
	rec := e.reconstruct(history, in, e.Today(), e.location())

	b := domain.MilestoneBreakdown{
		InitiativeID: in.ID,
		Type:         in.Type,
		Intervals:    rec.Intervals,
	}
	for _, iv := range rec.Intervals {
		b.TotalElapsedDays += iv.DurationDays
	}
	if n := len(rec.Intervals); n > 0 {
		last := rec.Intervals[n-1]
		b.CurrentMilestone = last.Milestone
		b.CurrentElapsedDays = last.DurationDays
	}
	return b, nil
}

func (e Engine) reconstruct(history []domain.Snapshot, in domain.Initiative, today time.Time, loc *time.Location) Reconstruction {
	rec := Reconstruct(history, in, today, loc)
	if rec.Malformed != nil {
		metrics.MalformedInitiatives.Inc()
		e.log().Warn("initiative has no usable start date; bootstrapping from today",
			"initiative_id", in.ID, "field", rec.Malformed.Field, "value", rec.Malformed.Value)
	}
	return rec
}

func observe(op string, start time.Time) {
	metrics.AggregationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
