package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"shiftplan/internal/catalog"
	"shiftplan/internal/config"
	"shiftplan/internal/domain"
	"shiftplan/internal/events"
	"shiftplan/internal/forecast"
	"shiftplan/internal/repo"
)

// Generation modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// ForecastRegistry is what the engine needs from the forecast collaborator.
// The engine never writes forecast data except through DeriveRun.
type ForecastRegistry interface {
	GetRun(ctx context.Context, sectorID, runID string) (domain.ForecastRun, error)
	WorkloadFor(ctx context.Context, sectorID, runID, date string) ([]domain.ForecastEntry, error)
	DeriveRun(ctx context.Context, sectorID, baselineID, reason string) (domain.ForecastRun, error)
}

// ActivityCatalog is the read-only activity registry the engine validates
// item drafts against.
type ActivityCatalog interface {
	Get(ctx context.Context, sectorID, activityID string) (domain.Activity, error)
}

// Engine owns the program-week workflow: generation, item edits, the status
// lifecycle and adjustments. Every mutation runs in one transaction and
// appends an audit event before committing.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Runs    ForecastRegistry
	Catalog ActivityCatalog
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Runs:    forecast.Registry{DB: db},
		Catalog: catalog.Catalog{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// FindWeek resolves a week by its identity triple. Absence is not an error;
// the second return value reports whether the week exists.
func (e Engine) FindWeek(ctx context.Context, sectorID, forecastRunID, weekStart string) (domain.ProgramWeek, bool, error) {
	w, err := e.Repo.FindWeek(ctx, sectorID, forecastRunID, weekStart)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ProgramWeek{}, false, nil
	}
	if err != nil {
		return domain.ProgramWeek{}, false, err
	}
	if err := e.loadItems(ctx, &w); err != nil {
		return domain.ProgramWeek{}, false, err
	}
	return w, true, nil
}

// GetWeek returns a week with its items, or repo.ErrNotFound.
func (e Engine) GetWeek(ctx context.Context, weekID string) (domain.ProgramWeek, error) {
	w, err := e.Repo.GetWeek(ctx, weekID)
	if err != nil {
		return w, err
	}
	if err := e.loadItems(ctx, &w); err != nil {
		return w, err
	}
	return w, nil
}

func (e Engine) loadItems(ctx context.Context, w *domain.ProgramWeek) error {
	items, err := e.Repo.ListItems(ctx, w.ID)
	if err != nil {
		return err
	}
	w.Items = items
	return nil
}

// GenerateOptions are parameters for creating a program week.
type GenerateOptions struct {
	SectorID      string
	ForecastRunID string
	WeekStart     string
	Mode          string
	ActorID       string
}

// GenerateWeek creates the program week for (sector, run, week_start). MANUAL
// creates an empty draft shell; AUTO expands the run's workload into one item
// per (date, activity), skipping zero-workload rows. Generation is
// deterministic for a given run: same input, same item set up to ids and
// timestamps.
func (e Engine) GenerateWeek(ctx context.Context, opts GenerateOptions) (domain.ProgramWeek, error) {
	if opts.Mode != ModeAuto && opts.Mode != ModeManual {
		return domain.ProgramWeek{}, fmt.Errorf("mode must be %q or %q", ModeAuto, ModeManual)
	}
	if !domain.IsMonday(opts.WeekStart) {
		return domain.ProgramWeek{}, FieldError{Kind: ErrInvalidDate, Field: "week_start", Value: opts.WeekStart}
	}
	run, err := e.Runs.GetRun(ctx, opts.SectorID, opts.ForecastRunID)
	if err != nil {
		return domain.ProgramWeek{}, fmt.Errorf("forecast run %s: %w", opts.ForecastRunID, err)
	}
	if _, err := e.Repo.FindWeek(ctx, opts.SectorID, run.ID, opts.WeekStart); err == nil {
		return domain.ProgramWeek{}, ExistsError{SectorID: opts.SectorID, ForecastRunID: run.ID, WeekStart: opts.WeekStart}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ProgramWeek{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	week := domain.ProgramWeek{
		ID:            uuid.NewString(),
		SectorID:      opts.SectorID,
		ForecastRunID: run.ID,
		WeekStart:     opts.WeekStart,
		Status:        domain.WeekDraft,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
		UpdatedBy:     opts.ActorID,
		UpdatedAt:     now,
	}

	var items []domain.ProgramItem
	if opts.Mode == ModeAuto {
		items, err = e.expandForecast(ctx, week, run)
		if err != nil {
			return domain.ProgramWeek{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgramWeek{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWeek(ctx, tx, week); err != nil {
		// A concurrent generator can win between the FindWeek check and this
		// insert; the UNIQUE(sector_id, forecast_run_id, week_start) violation
		// is the same AlreadyExists outcome.
		if isUniqueViolation(err) {
			return domain.ProgramWeek{}, ExistsError{SectorID: opts.SectorID, ForecastRunID: run.ID, WeekStart: opts.WeekStart}
		}
		return domain.ProgramWeek{}, fmt.Errorf("insert week: %w", err)
	}
	for _, it := range items {
		if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
			return domain.ProgramWeek{}, fmt.Errorf("insert item %s/%s: %w", it.Date, it.ActivityID, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.WeekGenerated, week.SectorID, "week", week.ID, opts.ActorID, events.EventPayload{
		"forecast_run_id": run.ID,
		"week_start":      week.WeekStart,
		"mode":            opts.Mode,
		"item_count":      len(items),
	}); err != nil {
		return domain.ProgramWeek{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgramWeek{}, err
	}
	week.Items = items
	return week, nil
}

// expandForecast builds the AUTO item set: one item per workload row per day,
// in date then activity order. Rows with no resulting workload are omitted.
func (e Engine) expandForecast(ctx context.Context, week domain.ProgramWeek, run domain.ForecastRun) ([]domain.ProgramItem, error) {
	dates, err := domain.WeekDates(week.WeekStart)
	if err != nil {
		return nil, FieldError{Kind: ErrInvalidDate, Field: "week_start", Value: week.WeekStart}
	}
	priority := domain.PriorityDefault
	if e.Config != nil {
		priority = e.Config.DefaultPriority()
	}
	var items []domain.ProgramItem
	for _, date := range dates {
		entries, err := e.Runs.WorkloadFor(ctx, week.SectorID, run.ID, date)
		if err != nil {
			return nil, fmt.Errorf("workload for %s: %w", date, err)
		}
		for _, entry := range entries {
			if entry.Quantity < 1 || entry.WorkloadMinutes <= 0 {
				continue
			}
			drivers := entry.DriversJSON
			if drivers == nil {
				drivers = forecastDrivers(run.ID, entry)
			}
			items = append(items, domain.ProgramItem{
				ID:              uuid.NewString(),
				WeekID:          week.ID,
				ActivityID:      entry.ActivityID,
				Date:            date,
				Quantity:        entry.Quantity,
				WorkloadMinutes: entry.WorkloadMinutes,
				Priority:        priority,
				Source:          domain.SourceAuto,
				DriversJSON:     drivers,
				CreatedAt:       week.CreatedAt,
			})
		}
	}
	return items, nil
}

func forecastDrivers(runID string, entry domain.ForecastEntry) *string {
	b, _ := json.Marshal(map[string]any{
		"forecast_run_id":  runID,
		"quantity":         entry.Quantity,
		"workload_minutes": entry.WorkloadMinutes,
	})
	s := string(b)
	return &s
}

// AddItemOptions is a manual item draft.
type AddItemOptions struct {
	WeekID      string
	ActivityID  string
	Date        string
	WindowStart *string
	WindowEnd   *string
	Quantity    int
	// WorkloadMinutes nil means quantity x the catalog standard; an explicit
	// zero is kept as zero.
	WorkloadMinutes *int
	Priority        int
	Drivers         map[string]any
	Notes           string
	ActorID         string
}

// AddItem validates and appends a manual item to a week, stamping the week's
// audit fields. Items are never edited in place; remove and re-add is the
// only mutation path.
func (e Engine) AddItem(ctx context.Context, opts AddItemOptions) (domain.ProgramItem, error) {
	week, err := e.Repo.GetWeek(ctx, opts.WeekID)
	if err != nil {
		return domain.ProgramItem{}, fmt.Errorf("week %s: %w", opts.WeekID, err)
	}
	if week.Status == domain.WeekLocked {
		return domain.ProgramItem{}, LockedError{WeekID: week.ID, Op: "add item"}
	}
	if !domain.WeekContains(week.WeekStart, opts.Date) {
		return domain.ProgramItem{}, FieldError{Kind: ErrInvalidDate, Field: "date", Value: opts.Date}
	}
	act, err := e.Catalog.Get(ctx, week.SectorID, opts.ActivityID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ProgramItem{}, FieldError{Kind: ErrUnknownActivity, Field: "activity_id", Value: opts.ActivityID}
	}
	if err != nil {
		return domain.ProgramItem{}, err
	}
	if opts.Quantity < 1 {
		return domain.ProgramItem{}, FieldError{Kind: ErrInvalidQuantity, Field: "quantity", Value: fmt.Sprint(opts.Quantity)}
	}
	if opts.WorkloadMinutes != nil && *opts.WorkloadMinutes < 0 {
		return domain.ProgramItem{}, FieldError{Kind: ErrInvalidQuantity, Field: "workload_minutes", Value: fmt.Sprint(*opts.WorkloadMinutes)}
	}
	minutes := opts.Quantity * act.StandardMinutes
	if opts.WorkloadMinutes != nil {
		minutes = *opts.WorkloadMinutes
	}
	priority := opts.Priority
	if priority == 0 {
		priority = domain.PriorityDefault
	}
	if priority < domain.PriorityMin || priority > domain.PriorityMax {
		return domain.ProgramItem{}, FieldError{Kind: ErrInvalidPriority, Field: "priority", Value: fmt.Sprint(priority)}
	}
	if err := validateWindow(opts.WindowStart, opts.WindowEnd); err != nil {
		return domain.ProgramItem{}, err
	}

	var drivers *string
	if len(opts.Drivers) > 0 {
		b, err := json.Marshal(opts.Drivers)
		if err != nil {
			return domain.ProgramItem{}, fmt.Errorf("marshal drivers: %w", err)
		}
		s := string(b)
		drivers = &s
	}
	now := e.now().UTC().Format(time.RFC3339)
	item := domain.ProgramItem{
		ID:              uuid.NewString(),
		WeekID:          week.ID,
		ActivityID:      opts.ActivityID,
		Date:            opts.Date,
		WindowStart:     opts.WindowStart,
		WindowEnd:       opts.WindowEnd,
		Quantity:        opts.Quantity,
		WorkloadMinutes: minutes,
		Priority:        priority,
		Source:          domain.SourceManual,
		DriversJSON:     drivers,
		Notes:           opts.Notes,
		CreatedAt:       now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgramItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertItem(ctx, tx, item); err != nil {
		return domain.ProgramItem{}, fmt.Errorf("insert item: %w", err)
	}
	if err := e.Repo.TouchWeek(ctx, tx, week.ID, opts.ActorID, now); err != nil {
		return domain.ProgramItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemAdded, week.SectorID, "item", item.ID, opts.ActorID, events.EventPayload{
		"week_id":     week.ID,
		"activity_id": item.ActivityID,
		"date":        item.Date,
		"quantity":    item.Quantity,
	}); err != nil {
		return domain.ProgramItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgramItem{}, err
	}
	return item, nil
}

func validateWindow(start, end *string) error {
	if start != nil && !domain.ValidClock(*start) {
		return FieldError{Kind: ErrInvalidWindow, Field: "window_start", Value: *start}
	}
	if end != nil && !domain.ValidClock(*end) {
		return FieldError{Kind: ErrInvalidWindow, Field: "window_end", Value: *end}
	}
	if start != nil && end != nil && *start > *end {
		return FieldError{Kind: ErrInvalidWindow, Field: "window_start", Value: *start}
	}
	return nil
}

// RemoveItem deletes an item unless its week is locked.
func (e Engine) RemoveItem(ctx context.Context, itemID, actorID string) error {
	item, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("item %s: %w", itemID, err)
	}
	week, err := e.Repo.GetWeek(ctx, item.WeekID)
	if err != nil {
		return fmt.Errorf("week %s: %w", item.WeekID, err)
	}
	if week.Status == domain.WeekLocked {
		return LockedError{WeekID: week.ID, Op: "remove item"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteItem(ctx, tx, item.ID); err != nil {
		return err
	}
	if err := e.Repo.TouchWeek(ctx, tx, week.ID, actorID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ItemRemoved, week.SectorID, "item", item.ID, actorID, events.EventPayload{
		"week_id":     week.ID,
		"activity_id": item.ActivityID,
		"date":        item.Date,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ApproveWeek moves a draft week to approved.
func (e Engine) ApproveWeek(ctx context.Context, weekID, actorID string) (domain.ProgramWeek, error) {
	return e.advanceStatus(ctx, weekID, domain.WeekApproved, events.WeekApproved, actorID)
}

// LockWeek moves an approved week to locked. Locked is terminal: further
// changes go through a new forecast-derived week or an adjustment.
func (e Engine) LockWeek(ctx context.Context, weekID, actorID string) (domain.ProgramWeek, error) {
	return e.advanceStatus(ctx, weekID, domain.WeekLocked, events.WeekLocked, actorID)
}

func (e Engine) advanceStatus(ctx context.Context, weekID, to, evtType, actorID string) (domain.ProgramWeek, error) {
	week, err := e.Repo.GetWeek(ctx, weekID)
	if err != nil {
		return week, fmt.Errorf("week %s: %w", weekID, err)
	}
	if err := ensureWeekTransition(week.ID, week.Status, to); err != nil {
		return week, err
	}
	from := week.Status
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return week, err
	}
	defer tx.Rollback()
	advanced, err := e.Repo.AdvanceWeekStatus(ctx, tx, week.ID, from, to, actorID, now)
	if err != nil {
		return week, err
	}
	if !advanced {
		// A concurrent writer advanced the week first; report the state it
		// actually holds now.
		tx.Rollback()
		current, rerr := e.Repo.GetWeek(ctx, week.ID)
		if rerr == nil {
			from = current.Status
		}
		return week, TransitionError{WeekID: week.ID, From: from, To: to}
	}
	if err := e.Events.Append(ctx, tx, evtType, week.SectorID, "week", week.ID, actorID, events.EventPayload{
		"from": from,
		"to":   to,
	}); err != nil {
		return week, err
	}
	if err := tx.Commit(); err != nil {
		return week, err
	}
	week.Status = to
	week.UpdatedBy = actorID
	week.UpdatedAt = now
	if err := e.loadItems(ctx, &week); err != nil {
		return week, err
	}
	return week, nil
}

// AdjustmentOptions record a reasoned deviation from a forecast baseline.
type AdjustmentOptions struct {
	SectorID      string
	BaselineRunID string
	Reason        string
	ActorID       string
}

// CreateAdjustment derives a new forecast run from the baseline, tagged with
// the reason and a back-reference. The baseline is never mutated, and no
// program week is touched; a new week may later be generated from the
// derived run.
func (e Engine) CreateAdjustment(ctx context.Context, opts AdjustmentOptions) (domain.ForecastRun, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.ForecastRun{}, FieldError{Kind: ErrEmptyReason, Field: "reason"}
	}
	if _, err := e.Runs.GetRun(ctx, opts.SectorID, opts.BaselineRunID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ForecastRun{}, FieldError{Kind: ErrUnknownBaseline, Field: "baseline_forecast_run_id", Value: opts.BaselineRunID}
		}
		return domain.ForecastRun{}, err
	}
	derived, err := e.Runs.DeriveRun(ctx, opts.SectorID, opts.BaselineRunID, opts.Reason)
	if err != nil {
		return domain.ForecastRun{}, fmt.Errorf("derive run: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return derived, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.AdjustmentCreated, opts.SectorID, "forecast_run", derived.ID, opts.ActorID, events.EventPayload{
		"baseline_run_id": opts.BaselineRunID,
		"reason":          derived.Reason,
	}); err != nil {
		return derived, err
	}
	if err := tx.Commit(); err != nil {
		return derived, err
	}
	return derived, nil
}
