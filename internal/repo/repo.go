package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shiftplan/internal/config"
	"shiftplan/internal/domain"
)

// Repo is the program store: program weeks and their items, plus the sector
// rows and configs that scope them. One week exists per
// (sector_id, forecast_run_id, week_start); the schema enforces the identity.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- sectors ---

func (r Repo) InsertSector(ctx context.Context, s domain.Sector) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sectors(id,name,created_at) VALUES (?,?,?)`,
		s.ID, s.Name, s.CreatedAt)
	return err
}

func (r Repo) GetSector(ctx context.Context, id string) (domain.Sector, error) {
	var s domain.Sector
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM sectors WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSectors(ctx context.Context) ([]domain.Sector, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM sectors ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sector
	for rows.Next() {
		var s domain.Sector
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- sector configs ---

func (r Repo) UpsertSectorConfig(ctx context.Context, sectorID string, cfg *config.Config) error {
	return upsertSectorConfig(ctx, r.DB, nil, sectorID, cfg)
}

func (r Repo) UpsertSectorConfigTx(ctx context.Context, tx *sql.Tx, sectorID string, cfg *config.Config) error {
	return upsertSectorConfig(ctx, nil, tx, sectorID, cfg)
}

func upsertSectorConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, sectorID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Sector.ID = sectorID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO sector_configs(sector_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(sector_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, sectorID, string(payload), now, now)
	return err
}

func (r Repo) GetSectorConfig(ctx context.Context, sectorID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM sector_configs WHERE sector_id=?`, sectorID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Sector.ID == "" {
		cfg.Sector.ID = sectorID
	}
	return &cfg, cfg.Validate()
}

// --- program weeks ---

const weekColumns = `id,sector_id,forecast_run_id,week_start,status,created_by,created_at,updated_by,updated_at`

func scanWeek(row *sql.Row) (domain.ProgramWeek, error) {
	var w domain.ProgramWeek
	err := row.Scan(&w.ID, &w.SectorID, &w.ForecastRunID, &w.WeekStart, &w.Status,
		&w.CreatedBy, &w.CreatedAt, &w.UpdatedBy, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWeek(ctx context.Context, tx *sql.Tx, w domain.ProgramWeek) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO program_weeks(`+weekColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.SectorID, w.ForecastRunID, w.WeekStart, w.Status, w.CreatedBy, w.CreatedAt, w.UpdatedBy, w.UpdatedAt)
	return err
}

func (r Repo) GetWeek(ctx context.Context, id string) (domain.ProgramWeek, error) {
	return scanWeek(r.DB.QueryRowContext(ctx, `SELECT `+weekColumns+` FROM program_weeks WHERE id=?`, id))
}

// FindWeek resolves a week by its identity triple.
func (r Repo) FindWeek(ctx context.Context, sectorID, forecastRunID, weekStart string) (domain.ProgramWeek, error) {
	return scanWeek(r.DB.QueryRowContext(ctx,
		`SELECT `+weekColumns+` FROM program_weeks WHERE sector_id=? AND forecast_run_id=? AND week_start=?`,
		sectorID, forecastRunID, weekStart))
}

func (r Repo) ListWeeks(ctx context.Context, sectorID string) ([]domain.ProgramWeek, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+weekColumns+` FROM program_weeks WHERE sector_id=? ORDER BY week_start DESC, created_at DESC`, sectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgramWeek
	for rows.Next() {
		var w domain.ProgramWeek
		if err := rows.Scan(&w.ID, &w.SectorID, &w.ForecastRunID, &w.WeekStart, &w.Status,
			&w.CreatedBy, &w.CreatedAt, &w.UpdatedBy, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// AdvanceWeekStatus performs the guarded status transition: the UPDATE only
// applies while the row still holds the expected prior status, so a losing
// concurrent writer observes zero affected rows.
func (r Repo) AdvanceWeekStatus(ctx context.Context, tx *sql.Tx, id, from, to, updatedBy, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE program_weeks SET status=?, updated_by=?, updated_at=? WHERE id=? AND status=?`,
		to, updatedBy, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchWeek stamps the audit fields after an item mutation.
func (r Repo) TouchWeek(ctx context.Context, tx *sql.Tx, id, updatedBy, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE program_weeks SET updated_by=?, updated_at=? WHERE id=?`,
		updatedBy, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- program items ---

const itemColumns = `id,week_id,activity_id,date,window_start,window_end,quantity,workload_minutes,priority,source,drivers_json,notes,created_at`

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.ProgramItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO program_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.WeekID, it.ActivityID, it.Date, it.WindowStart, it.WindowEnd,
		it.Quantity, it.WorkloadMinutes, it.Priority, it.Source, it.DriversJSON, nullable(it.Notes), it.CreatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.ProgramItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM program_items WHERE id=?`, id)
	var it domain.ProgramItem
	var notes sql.NullString
	err := row.Scan(&it.ID, &it.WeekID, &it.ActivityID, &it.Date, &it.WindowStart, &it.WindowEnd,
		&it.Quantity, &it.WorkloadMinutes, &it.Priority, &it.Source, &it.DriversJSON, &notes, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if notes.Valid {
		it.Notes = notes.String
	}
	return it, err
}

func (r Repo) DeleteItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM program_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListItems returns a week's items ordered by date, then insertion order.
// rowid carries the insertion sequence; created_at only has second precision
// and ids are random.
func (r Repo) ListItems(ctx context.Context, weekID string) ([]domain.ProgramItem, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM program_items WHERE week_id=? ORDER BY date, rowid`, weekID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgramItem
	for rows.Next() {
		var it domain.ProgramItem
		var notes sql.NullString
		if err := rows.Scan(&it.ID, &it.WeekID, &it.ActivityID, &it.Date, &it.WindowStart, &it.WindowEnd,
			&it.Quantity, &it.WorkloadMinutes, &it.Priority, &it.Source, &it.DriversJSON, &notes, &it.CreatedAt); err != nil {
			return nil, err
		}
		if notes.Valid {
			it.Notes = notes.String
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// --- events ---

const eventColumns = `id,ts,type,COALESCE(sector_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func (r Repo) LatestEvents(ctx context.Context, n int, sectorID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if sectorID != "" {
		query += ` AND sector_id=?`
		args = append(args, sectorID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns up to n events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, n int, cursor int64, sectorID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>?`
	args := []any{cursor}
	if sectorID != "" {
		query += ` AND sector_id=?`
		args = append(args, sectorID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, sectorID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if sectorID != "" {
		query += ` WHERE sector_id=?`
		args = append(args, sectorID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SectorID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
