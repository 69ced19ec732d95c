package domain

import "strings"

// DateLayout is the calendar-day format used for snapshot dates and interval bounds.
const DateLayout = "2006-01-02"

type InitiativeType string

const (
	TypeProject InitiativeType = "Project"
	TypeCR      InitiativeType = "CR"
)

// InitiativeTypes lists every known initiative type in display order.
var InitiativeTypes = []InitiativeType{TypeProject, TypeCR}

// Valid reports whether t is one of the known initiative types.
func (t InitiativeType) Valid() bool {
	for _, known := range InitiativeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Milestone names the stage an initiative currently occupies. Values come from
// the record store, so names outside the well-known set are still accepted.
type Milestone string

const (
	MilestoneNone        Milestone = ""
	MilestonePlanning    Milestone = "Planning"
	MilestoneDesign      Milestone = "Design"
	MilestoneDevelopment Milestone = "Development"
	MilestoneTesting     Milestone = "Testing"
	MilestoneUAT         Milestone = "UAT"
	MilestoneLive        Milestone = "Live"
	MilestoneClosed      Milestone = "Closed"
)

// KnownMilestones is the default milestone catalog.
var KnownMilestones = []Milestone{
	MilestonePlanning,
	MilestoneDesign,
	MilestoneDevelopment,
	MilestoneTesting,
	MilestoneUAT,
	MilestoneLive,
	MilestoneClosed,
}

// Normalize trims surrounding whitespace.
func (m Milestone) Normalize() Milestone {
	return Milestone(strings.TrimSpace(string(m)))
}

// IsBlank reports "no milestone assigned".
func (m Milestone) IsBlank() bool {
	return m.Normalize() == MilestoneNone
}

type Initiative struct {
	ID        string         `json:"id"`
	Type      InitiativeType `json:"type" enum:"Project,CR"`
	Title     string         `json:"title"`
	Milestone Milestone      `json:"milestone"`
	Status    string         `json:"status"`
	CreatedAt string         `json:"created_at"`
	StartDate string         `json:"start_date,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

type Snapshot struct {
	InitiativeID string         `json:"initiativeId"`
	Date         string         `json:"date" format:"date"`
	Milestone    Milestone      `json:"milestone"`
	Type         InitiativeType `json:"type"`
	Status       string         `json:"status"`
	CapturedAt   string         `json:"capturedAt,omitempty" format:"date-time"`
}

// MilestoneInterval is one contiguous run of days an initiative spent in a
// milestone. EndDate is nil while the interval is still open.
type MilestoneInterval struct {
	InitiativeID string    `json:"initiativeId"`
	Milestone    Milestone `json:"milestone"`
	StartDate    string    `json:"startDate" format:"date"`
	EndDate      *string   `json:"endDate" format:"date"`
	DurationDays int       `json:"durationDays"`
	Open         bool      `json:"open"`
}

type MilestoneSummary struct {
	Milestone       Milestone `json:"milestone"`
	Count           int       `json:"count"`
	AvgDurationDays float64   `json:"avgDurationDays"`
	MinDurationDays int       `json:"minDurationDays"`
	MaxDurationDays int       `json:"maxDurationDays"`
	CurrentCount    int       `json:"currentCount"`
}

type MilestoneBreakdown struct {
	InitiativeID       string              `json:"initiativeId"`
	Type               InitiativeType      `json:"type"`
	CurrentMilestone   Milestone           `json:"currentMilestone"`
	Intervals          []MilestoneInterval `json:"intervals"`
	TotalElapsedDays   int                 `json:"totalElapsedDays"`
	CurrentElapsedDays int                 `json:"currentElapsedDays"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// DayCount is the number of snapshots stored for one calendar day.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
