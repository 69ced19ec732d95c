package engine

import (
	"sort"
	"time"

	"milestoneline/internal/domain"
)

// Reconstruction is the interval history of one initiative.
type Reconstruction struct {
	Intervals []domain.MilestoneInterval
	// Malformed is set when no usable bootstrap date existed and today was used instead.
	Malformed *MalformedDataError
}

type observation struct {
	day       time.Time
	milestone domain.Milestone
}

type run struct {
	start     time.Time
	milestone domain.Milestone
}

// Reconstruct derives milestone occupancy intervals for one initiative from
// its snapshot history and its live state. It reads nothing but its arguments.
//
// Days are counted inclusively: a closed interval [start, end] lasts
// end-start+1 days and ends the day before the next milestone was first
// observed. The first interval starts at createdAt when that precedes the
// first snapshot. The final interval is open and measured up to today.
func Reconstruct(history []domain.Snapshot, live domain.Initiative, today time.Time, loc *time.Location) Reconstruction {
	today = civilDay(today, loc)
	var rec Reconstruction

	obs := observations(history)
	liveMilestone := live.Milestone.Normalize()
	if len(obs) == 0 {
		start, malformed := bootstrapDay(live, today, loc)
		rec.Malformed = malformed
		obs = []observation{{day: start, milestone: liveMilestone}}
	} else if created, ok := parseTimestampDay(live.CreatedAt, loc); ok && created.Before(obs[0].day) {
		// Created before its first capture: the first observed milestone
		// covers the uncaptured days since creation.
		obs[0].day = created
	}

	runs := collapse(obs)
	if len(history) > 0 {
		runs = applyLiveState(runs, liveMilestone, today)
	}

	rec.Intervals = make([]domain.MilestoneInterval, 0, len(runs))
	for i, r := range runs {
		iv := domain.MilestoneInterval{
			InitiativeID: live.ID,
			Milestone:    r.milestone,
			StartDate:    formatDay(r.start),
		}
		if i < len(runs)-1 {
			end := runs[i+1].start.Add(-day)
			endStr := formatDay(end)
			iv.EndDate = &endStr
			iv.DurationDays = inclusiveDays(r.start, end)
		} else {
			iv.Open = true
			iv.DurationDays = inclusiveDays(r.start, today)
		}
		rec.Intervals = append(rec.Intervals, iv)
	}
	return rec
}

// observations orders snapshots by calendar day. Rows with unparseable dates
// are dropped; when two rows share a day the later one in input order wins.
func observations(history []domain.Snapshot) []observation {
	obs := make([]observation, 0, len(history))
	for _, s := range history {
		d, ok := parseDay(s.Date)
		if !ok {
			continue
		}
		obs = append(obs, observation{day: d, milestone: s.Milestone.Normalize()})
	}
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].day.Before(obs[j].day) })
	out := obs[:0]
	for _, o := range obs {
		if n := len(out); n > 0 && out[n-1].day.Equal(o.day) {
			out[n-1] = o
			continue
		}
		out = append(out, o)
	}
	return out
}

func collapse(obs []observation) []run {
	var runs []run
	for _, o := range obs {
		if n := len(runs); n > 0 && runs[n-1].milestone == o.milestone {
			continue
		}
		runs = append(runs, run{start: o.day, milestone: o.milestone})
	}
	return runs
}

// applyLiveState makes the open run reflect the initiative's current
// milestone when it changed after the latest capture.
func applyLiveState(runs []run, live domain.Milestone, today time.Time) []run {
	last := len(runs) - 1
	if runs[last].milestone == live {
		return runs
	}
	if runs[last].start.Before(today) {
		return append(runs, run{start: today, milestone: live})
	}
	// The latest run starts today (or later, under clock skew): the change
	// happened the same day, so the live value replaces it.
	runs[last].milestone = live
	if last > 0 && runs[last-1].milestone == live {
		runs = runs[:last]
	}
	return runs
}

// bootstrapDay picks the first observation day for an initiative with no
// snapshots: createdAt, then startDate, then today.
func bootstrapDay(live domain.Initiative, today time.Time, loc *time.Location) (time.Time, *MalformedDataError) {
	if d, ok := parseTimestampDay(live.CreatedAt, loc); ok {
		return d, nil
	}
	if d, ok := parseDay(live.StartDate); ok {
		return d, nil
	}
	return today, &MalformedDataError{InitiativeID: live.ID, Field: "created_at", Value: live.CreatedAt}
}
