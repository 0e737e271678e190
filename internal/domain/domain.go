package domain

// Week status lifecycle. Transitions are monotonic: draft -> approved -> locked.
const (
	WeekDraft    = "draft"
	WeekApproved = "approved"
	WeekLocked   = "locked"
)

// Item provenance.
const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

// Priority bounds for program items. 1 is most urgent.
const (
	PriorityMin     = 1
	PriorityMax     = 5
	PriorityDefault = 3
)

type Sector struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Activity struct {
	ID              string `json:"id"`
	SectorID        string `json:"sector_id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	StandardMinutes int    `json:"standard_minutes"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// ForecastRun is immutable once created. Derived runs carry a back-reference
// to their baseline together with the adjustment reason.
type ForecastRun struct {
	ID            string  `json:"id"`
	SectorID      string  `json:"sector_id"`
	RunType       string  `json:"run_type" enum:"forecast,adjustment"`
	RunDate       string  `json:"run_date" format:"date"`
	HorizonStart  string  `json:"horizon_start" format:"date"`
	HorizonEnd    string  `json:"horizon_end" format:"date"`
	Status        string  `json:"status"`
	IsLocked      bool    `json:"is_locked"`
	BaselineRunID *string `json:"baseline_run_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// ForecastEntry is one run's expected workload for an activity on a date.
type ForecastEntry struct {
	RunID           string  `json:"run_id"`
	Date            string  `json:"date" format:"date"`
	ActivityID      string  `json:"activity_id"`
	Quantity        int     `json:"quantity"`
	WorkloadMinutes int     `json:"workload_minutes"`
	DriversJSON     *string `json:"drivers_json,omitempty"`
}

// ProgramWeek is the scheduled program for one (sector, forecast run, week).
type ProgramWeek struct {
	ID            string        `json:"id"`
	SectorID      string        `json:"sector_id"`
	ForecastRunID string        `json:"forecast_run_id"`
	WeekStart     string        `json:"week_start" format:"date"`
	Status        string        `json:"status" enum:"draft,approved,locked"`
	CreatedBy     string        `json:"created_by"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedBy     string        `json:"updated_by"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
	Items         []ProgramItem `json:"items,omitempty"`
}

type ProgramItem struct {
	ID              string  `json:"id"`
	WeekID          string  `json:"week_id"`
	ActivityID      string  `json:"activity_id"`
	Date            string  `json:"date" format:"date"`
	WindowStart     *string `json:"window_start,omitempty"`
	WindowEnd       *string `json:"window_end,omitempty"`
	Quantity        int     `json:"quantity"`
	WorkloadMinutes int     `json:"workload_minutes"`
	Priority        int     `json:"priority"`
	Source          string  `json:"source" enum:"auto,manual"`
	DriversJSON     *string `json:"drivers_json,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SectorID   string `json:"sector_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
