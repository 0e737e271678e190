package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"shiftplan/internal/config"
	"shiftplan/internal/domain"
	"shiftplan/internal/repo"
)

// Catalog is the sector-scoped activity registry. The scheduling core only
// reads it; rows are seeded from the sector config.
type Catalog struct {
	DB *sql.DB
}

func (c Catalog) ListActivities(ctx context.Context, sectorID string) ([]domain.Activity, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id,sector_id,code,name,standard_minutes,created_at FROM activities WHERE sector_id=? ORDER BY code`, sectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.SectorID, &a.Code, &a.Name, &a.StandardMinutes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Exists reports whether the activity belongs to the sector's catalog.
func (c Catalog) Exists(ctx context.Context, sectorID, activityID string) (bool, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT 1 FROM activities WHERE sector_id=? AND id=? LIMIT 1`, sectorID, activityID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns an activity by id within the sector.
func (c Catalog) Get(ctx context.Context, sectorID, activityID string) (domain.Activity, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT id,sector_id,code,name,standard_minutes,created_at FROM activities WHERE sector_id=? AND id=?`, sectorID, activityID)
	var a domain.Activity
	err := row.Scan(&a.ID, &a.SectorID, &a.Code, &a.Name, &a.StandardMinutes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, repo.ErrNotFound
	}
	return a, err
}

// GetByCode resolves an activity by its sector-unique code.
func (c Catalog) GetByCode(ctx context.Context, sectorID, code string) (domain.Activity, error) {
	row := c.DB.QueryRowContext(ctx,
		`SELECT id,sector_id,code,name,standard_minutes,created_at FROM activities WHERE sector_id=? AND code=?`, sectorID, code)
	var a domain.Activity
	err := row.Scan(&a.ID, &a.SectorID, &a.Code, &a.Name, &a.StandardMinutes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, repo.ErrNotFound
	}
	return a, err
}

// SeedFromConfig inserts catalog activities declared in the sector config that
// are not present yet. Existing rows are left untouched.
func (c Catalog) SeedFromConfig(ctx context.Context, tx *sql.Tx, sectorID string, cfg *config.Config, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	for code, spec := range cfg.Catalog.Activities {
		name := spec.Name
		if name == "" {
			name = code
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activities(id,sector_id,code,name,standard_minutes,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(sector_id,code) DO NOTHING`,
			uuid.NewString(), sectorID, code, name, spec.StandardMinutes, ts); err != nil {
			return err
		}
	}
	return nil
}
