package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"shiftplan/internal/domain"
	"shiftplan/internal/repo"
)

// Run types and statuses.
const (
	RunTypeForecast   = "forecast"
	RunTypeAdjustment = "adjustment"
	RunStatusReady    = "ready"
)

// Registry is the forecast run store. Runs are immutable once created;
// an adjustment derives a sibling run with lineage back to its baseline
// instead of touching the baseline's rows.
type Registry struct {
	DB  *sql.DB
	Now func() time.Time
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

const runColumns = `id,sector_id,run_type,run_date,horizon_start,horizon_end,status,is_locked,baseline_run_id,COALESCE(reason,''),created_at`

func scanRun(row *sql.Row) (domain.ForecastRun, error) {
	var run domain.ForecastRun
	err := row.Scan(&run.ID, &run.SectorID, &run.RunType, &run.RunDate, &run.HorizonStart, &run.HorizonEnd,
		&run.Status, &run.IsLocked, &run.BaselineRunID, &run.Reason, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, repo.ErrNotFound
	}
	return run, err
}

// GetRun returns a run scoped to the sector.
func (g Registry) GetRun(ctx context.Context, sectorID, runID string) (domain.ForecastRun, error) {
	return scanRun(g.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM forecast_runs WHERE sector_id=? AND id=?`, sectorID, runID))
}

func (g Registry) ListRuns(ctx context.Context, sectorID string) ([]domain.ForecastRun, error) {
	rows, err := g.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM forecast_runs WHERE sector_id=? ORDER BY created_at DESC, id DESC`, sectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ForecastRun
	for rows.Next() {
		var run domain.ForecastRun
		if err := rows.Scan(&run.ID, &run.SectorID, &run.RunType, &run.RunDate, &run.HorizonStart, &run.HorizonEnd,
			&run.Status, &run.IsLocked, &run.BaselineRunID, &run.Reason, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// WorkloadFor returns the run's expected workload rows for one date, ordered
// by activity so generation over the same run is deterministic.
func (g Registry) WorkloadFor(ctx context.Context, sectorID, runID, date string) ([]domain.ForecastEntry, error) {
	rows, err := g.DB.QueryContext(ctx,
		`SELECT e.run_id,e.date,e.activity_id,e.quantity,e.workload_minutes,e.drivers_json
		 FROM forecast_entries e
		 JOIN forecast_runs r ON r.id=e.run_id
		 WHERE r.sector_id=? AND e.run_id=? AND e.date=?
		 ORDER BY e.activity_id`, sectorID, runID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ForecastEntry
	for rows.Next() {
		var e domain.ForecastEntry
		if err := rows.Scan(&e.RunID, &e.Date, &e.ActivityID, &e.Quantity, &e.WorkloadMinutes, &e.DriversJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeriveRun creates a new run from a baseline: same sector and horizon, the
// baseline's workload rows copied verbatim, run_type=adjustment and the reason
// plus a back-reference recorded. The baseline row is never written to.
func (g Registry) DeriveRun(ctx context.Context, sectorID, baselineID, reason string) (domain.ForecastRun, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.ForecastRun{}, fmt.Errorf("reason required")
	}
	base, err := g.GetRun(ctx, sectorID, baselineID)
	if err != nil {
		return domain.ForecastRun{}, err
	}
	now := g.now().UTC()
	derived := domain.ForecastRun{
		ID:            uuid.NewString(),
		SectorID:      base.SectorID,
		RunType:       RunTypeAdjustment,
		RunDate:       now.Format(domain.DateFormat),
		HorizonStart:  base.HorizonStart,
		HorizonEnd:    base.HorizonEnd,
		Status:        RunStatusReady,
		BaselineRunID: &base.ID,
		Reason:        strings.TrimSpace(reason),
		CreatedAt:     now.Format(time.RFC3339),
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ForecastRun{}, err
	}
	defer tx.Rollback()
	if err := insertRun(ctx, tx, derived); err != nil {
		return domain.ForecastRun{}, fmt.Errorf("insert derived run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO forecast_entries(run_id,date,activity_id,quantity,workload_minutes,drivers_json)
		 SELECT ?,date,activity_id,quantity,workload_minutes,drivers_json FROM forecast_entries WHERE run_id=?`,
		derived.ID, base.ID); err != nil {
		return domain.ForecastRun{}, fmt.Errorf("copy baseline entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ForecastRun{}, err
	}
	return derived, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run domain.ForecastRun) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO forecast_runs(id,sector_id,run_type,run_date,horizon_start,horizon_end,status,is_locked,baseline_run_id,reason,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.SectorID, run.RunType, run.RunDate, run.HorizonStart, run.HorizonEnd,
		run.Status, run.IsLocked, run.BaselineRunID, nullable(run.Reason), run.CreatedAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
