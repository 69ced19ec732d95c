package engine_test

import (
	"testing"
	"time"

	"milestoneline/internal/domain"
	"milestoneline/internal/engine"
)

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func snap(date string, m domain.Milestone) domain.Snapshot {
	return domain.Snapshot{InitiativeID: "init-1", Date: date, Milestone: m, Type: domain.TypeProject}
}

type wantInterval struct {
	milestone domain.Milestone
	start     string
	end       string // empty when open
	days      int
}

func checkIntervals(t *testing.T, got []domain.MilestoneInterval, want []wantInterval) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d intervals, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		g := got[i]
		if g.Milestone != w.milestone || g.StartDate != w.start || g.DurationDays != w.days {
			t.Fatalf("interval %d: got %s %s %dd, want %s %s %dd", i, g.Milestone, g.StartDate, g.DurationDays, w.milestone, w.start, w.days)
		}
		if w.end == "" {
			if g.EndDate != nil || !g.Open {
				t.Fatalf("interval %d should be open, got %+v", i, g)
			}
			continue
		}
		if g.EndDate == nil || *g.EndDate != w.end || g.Open {
			t.Fatalf("interval %d: want end %s, got %+v", i, w.end, g)
		}
	}
}

// checkPartition asserts the intervals tile [first, today] with no gap or overlap.
func checkPartition(t *testing.T, ivs []domain.MilestoneInterval, first, today string) {
	t.Helper()
	if len(ivs) == 0 {
		t.Fatal("no intervals")
	}
	if ivs[0].StartDate != first {
		t.Fatalf("first interval starts %s, want %s", ivs[0].StartDate, first)
	}
	total := 0
	for i, iv := range ivs {
		total += iv.DurationDays
		if i == len(ivs)-1 {
			break
		}
		next := day(ivs[i+1].StartDate)
		if iv.EndDate == nil || day(*iv.EndDate).Add(24*time.Hour) != next {
			t.Fatalf("interval %d does not abut interval %d: %+v / %+v", i, i+1, iv, ivs[i+1])
		}
	}
	span := int(day(today).Sub(day(first))/(24*time.Hour)) + 1
	if total != span {
		t.Fatalf("durations sum to %d, want %d", total, span)
	}
}

func TestReconstructScenarioA(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-01", domain.MilestoneDevelopment),
		snap("2024-01-03", domain.MilestoneDevelopment),
		snap("2024-01-05", domain.MilestoneTesting),
		snap("2024-01-08", domain.MilestoneTesting),
		snap("2024-01-10", domain.MilestoneLive),
		snap("2024-01-15", domain.MilestoneLive),
	}
	live := domain.Initiative{ID: "init-1", Type: domain.TypeProject, Milestone: domain.MilestoneLive}
	rec := engine.Reconstruct(history, live, day("2024-01-20"), time.UTC)
	if rec.Malformed != nil {
		t.Fatalf("unexpected malformed: %v", rec.Malformed)
	}
	checkIntervals(t, rec.Intervals, []wantInterval{
		{domain.MilestoneDevelopment, "2024-01-01", "2024-01-04", 4},
		{domain.MilestoneTesting, "2024-01-05", "2024-01-09", 5},
		{domain.MilestoneLive, "2024-01-10", "", 11},
	})
	checkPartition(t, rec.Intervals, "2024-01-01", "2024-01-20")
	for _, iv := range rec.Intervals {
		if iv.InitiativeID != "init-1" {
			t.Fatalf("interval not tagged with initiative: %+v", iv)
		}
	}
}

func TestReconstructScenarioB(t *testing.T) {
	live := domain.Initiative{ID: "init-2", Type: domain.TypeCR, Milestone: domain.MilestonePlanning, CreatedAt: "2024-02-01T09:00:00Z"}
	rec := engine.Reconstruct(nil, live, day("2024-02-03"), time.UTC)
	checkIntervals(t, rec.Intervals, []wantInterval{
		{domain.MilestonePlanning, "2024-02-01", "", 3},
	})
}

func TestReconstructUnorderedAndSameDayInput(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-10", domain.MilestoneLive),
		snap("2024-01-01", domain.MilestoneDevelopment),
		snap("2024-01-05", domain.MilestoneDesign),
		snap("2024-01-05", domain.MilestoneTesting),
		snap("not-a-date", domain.MilestoneUAT),
	}
	live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneLive}
	rec := engine.Reconstruct(history, live, day("2024-01-12"), time.UTC)
	checkIntervals(t, rec.Intervals, []wantInterval{
		{domain.MilestoneDevelopment, "2024-01-01", "2024-01-04", 4},
		{domain.MilestoneTesting, "2024-01-05", "2024-01-09", 5},
		{domain.MilestoneLive, "2024-01-10", "", 3},
	})
}

func TestReconstructRevisitedMilestone(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-03-01", domain.MilestoneTesting),
		snap("2024-03-04", domain.MilestoneDevelopment),
		snap("2024-03-06", domain.MilestoneTesting),
	}
	live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneTesting}
	rec := engine.Reconstruct(history, live, day("2024-03-07"), time.UTC)
	checkIntervals(t, rec.Intervals, []wantInterval{
		{domain.MilestoneTesting, "2024-03-01", "2024-03-03", 3},
		{domain.MilestoneDevelopment, "2024-03-04", "2024-03-05", 2},
		{domain.MilestoneTesting, "2024-03-06", "", 2},
	})
	checkPartition(t, rec.Intervals, "2024-03-01", "2024-03-07")
}

func TestReconstructOpenIntervalGrows(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-01", domain.MilestoneDevelopment),
		snap("2024-01-05", domain.MilestoneTesting),
	}
	live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneTesting}
	before := engine.Reconstruct(history, live, day("2024-01-06"), time.UTC).Intervals
	after := engine.Reconstruct(history, live, day("2024-01-09"), time.UTC).Intervals
	if len(before) != len(after) {
		t.Fatalf("interval count changed: %d vs %d", len(before), len(after))
	}
	if before[0].DurationDays != after[0].DurationDays {
		t.Fatalf("closed interval changed: %d vs %d", before[0].DurationDays, after[0].DurationDays)
	}
	if after[1].DurationDays-before[1].DurationDays != 3 {
		t.Fatalf("open interval grew by %d, want 3", after[1].DurationDays-before[1].DurationDays)
	}
}

func TestReconstructLiveOverride(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-01", domain.MilestoneDevelopment),
		snap("2024-01-05", domain.MilestoneDevelopment),
	}

	t.Run("AppendsRunToday", func(t *testing.T) {
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneTesting}
		rec := engine.Reconstruct(history, live, day("2024-01-10"), time.UTC)
		checkIntervals(t, rec.Intervals, []wantInterval{
			{domain.MilestoneDevelopment, "2024-01-01", "2024-01-09", 9},
			{domain.MilestoneTesting, "2024-01-10", "", 1},
		})
		checkPartition(t, rec.Intervals, "2024-01-01", "2024-01-10")
	})

	t.Run("ReplacesRunStartingToday", func(t *testing.T) {
		h := append(append([]domain.Snapshot{}, history...), snap("2024-01-10", domain.MilestoneTesting))
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneUAT}
		rec := engine.Reconstruct(h, live, day("2024-01-10"), time.UTC)
		checkIntervals(t, rec.Intervals, []wantInterval{
			{domain.MilestoneDevelopment, "2024-01-01", "2024-01-09", 9},
			{domain.MilestoneUAT, "2024-01-10", "", 1},
		})
	})

	t.Run("MergesWhenRevertedToday", func(t *testing.T) {
		h := append(append([]domain.Snapshot{}, history...), snap("2024-01-10", domain.MilestoneTesting))
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneDevelopment}
		rec := engine.Reconstruct(h, live, day("2024-01-10"), time.UTC)
		checkIntervals(t, rec.Intervals, []wantInterval{
			{domain.MilestoneDevelopment, "2024-01-01", "", 10},
		})
	})

	t.Run("MatchingLiveStateIsNoop", func(t *testing.T) {
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneDevelopment}
		rec := engine.Reconstruct(history, live, day("2024-01-10"), time.UTC)
		checkIntervals(t, rec.Intervals, []wantInterval{
			{domain.MilestoneDevelopment, "2024-01-01", "", 10},
		})
	})
}

func TestReconstructBlankMilestone(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-01", " "),
		snap("2024-01-03", domain.MilestoneDevelopment),
	}
	live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneDevelopment}
	rec := engine.Reconstruct(history, live, day("2024-01-05"), time.UTC)
	checkIntervals(t, rec.Intervals, []wantInterval{
		{domain.MilestoneNone, "2024-01-01", "2024-01-02", 2},
		{domain.MilestoneDevelopment, "2024-01-03", "", 3},
	})
}

func TestReconstructClockSkew(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-01", domain.MilestoneDevelopment),
		snap("2024-01-12", domain.MilestoneTesting),
	}
	live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneTesting}
	rec := engine.Reconstruct(history, live, day("2024-01-10"), time.UTC)
	last := rec.Intervals[len(rec.Intervals)-1]
	if !last.Open || last.DurationDays != 0 {
		t.Fatalf("expected open interval clamped to 0 days, got %+v", last)
	}
}

func TestReconstructBootstrapDate(t *testing.T) {
	today := day("2024-04-10")
	tokyo := time.FixedZone("JST", 9*60*60)
	for _, tc := range []struct {
		name      string
		live      domain.Initiative
		loc       *time.Location
		start     string
		malformed bool
	}{
		{"CreatedAt", domain.Initiative{CreatedAt: "2024-04-01T10:00:00Z", StartDate: "2024-03-01"}, time.UTC, "2024-04-01", false},
		{"CreatedAtInZone", domain.Initiative{CreatedAt: "2024-04-01T20:00:00Z"}, tokyo, "2024-04-02", false},
		{"SQLiteTimestamp", domain.Initiative{CreatedAt: "2024-04-03 08:15:00"}, time.UTC, "2024-04-03", false},
		{"StartDateFallback", domain.Initiative{CreatedAt: "garbage", StartDate: "2024-03-01"}, time.UTC, "2024-03-01", false},
		{"TodayFallback", domain.Initiative{CreatedAt: "", StartDate: "03/01/2024"}, time.UTC, "2024-04-10", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.live.ID = "init-9"
			tc.live.Milestone = domain.MilestoneDesign
			rec := engine.Reconstruct(nil, tc.live, today, tc.loc)
			if len(rec.Intervals) != 1 || rec.Intervals[0].StartDate != tc.start {
				t.Fatalf("expected single interval from %s, got %+v", tc.start, rec.Intervals)
			}
			if (rec.Malformed != nil) != tc.malformed {
				t.Fatalf("malformed = %v, want %v", rec.Malformed, tc.malformed)
			}
			if tc.malformed && rec.Malformed.InitiativeID != "init-9" {
				t.Fatalf("malformed error lacks initiative id: %+v", rec.Malformed)
			}
		})
	}
}

func TestReconstructCoversDaysBeforeFirstCapture(t *testing.T) {
	history := []domain.Snapshot{
		snap("2024-01-05", domain.MilestoneDesign),
		snap("2024-01-08", domain.MilestoneDevelopment),
	}
	t.Run("CreatedBeforeFirstSnapshot", func(t *testing.T) {
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneDevelopment, CreatedAt: "2024-01-03T16:00:00Z"}
		rec := engine.Reconstruct(history, live, day("2024-01-10"), time.UTC)
		checkIntervals(t, rec.Intervals, []wantInterval{
			{domain.MilestoneDesign, "2024-01-03", "2024-01-07", 5},
			{domain.MilestoneDevelopment, "2024-01-08", "", 3},
		})
		checkPartition(t, rec.Intervals, "2024-01-03", "2024-01-10")
	})
	t.Run("CreatedAfterFirstSnapshot", func(t *testing.T) {
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneDevelopment, CreatedAt: "2024-01-06T09:00:00Z"}
		rec := engine.Reconstruct(history, live, day("2024-01-10"), time.UTC)
		checkIntervals(t, rec.Intervals, []wantInterval{
			{domain.MilestoneDesign, "2024-01-05", "2024-01-07", 3},
			{domain.MilestoneDevelopment, "2024-01-08", "", 3},
		})
	})
	t.Run("UnparseableCreatedAt", func(t *testing.T) {
		live := domain.Initiative{ID: "init-1", Milestone: domain.MilestoneDevelopment, CreatedAt: "soon"}
		rec := engine.Reconstruct(history, live, day("2024-01-10"), time.UTC)
		if rec.Intervals[0].StartDate != "2024-01-05" || rec.Malformed != nil {
			t.Fatalf("history alone should anchor the first interval: %+v", rec)
		}
	})
}
