package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"shiftplan/internal/catalog"
	"shiftplan/internal/domain"
)

// ImportFile describes externally produced forecast runs. Activity references
// use catalog codes, resolved against the sector at import time.
type ImportFile struct {
	Sector string      `yaml:"sector"`
	Runs   []ImportRun `yaml:"runs"`
}

type ImportRun struct {
	ID           string        `yaml:"id,omitempty"`
	RunType      string        `yaml:"run_type,omitempty"`
	RunDate      string        `yaml:"run_date"`
	HorizonStart string        `yaml:"horizon_start"`
	HorizonEnd   string        `yaml:"horizon_end"`
	Status       string        `yaml:"status,omitempty"`
	Entries      []ImportEntry `yaml:"entries,omitempty"`
}

type ImportEntry struct {
	Date            string         `yaml:"date"`
	Activity        string         `yaml:"activity"`
	Quantity        int            `yaml:"quantity"`
	WorkloadMinutes int            `yaml:"workload_minutes"`
	Drivers         map[string]any `yaml:"drivers,omitempty"`
}

// Import loads runs and their workload entries into the registry.
func (g Registry) Import(ctx context.Context, cat catalog.Catalog, file ImportFile) ([]domain.ForecastRun, error) {
	if file.Sector == "" {
		return nil, fmt.Errorf("import: sector is required")
	}
	now := g.now().UTC()
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var imported []domain.ForecastRun
	for i, in := range file.Runs {
		if _, err := domain.ParseDate(in.HorizonStart); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if _, err := domain.ParseDate(in.HorizonEnd); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		run := domain.ForecastRun{
			ID:           in.ID,
			SectorID:     file.Sector,
			RunType:      in.RunType,
			RunDate:      in.RunDate,
			HorizonStart: in.HorizonStart,
			HorizonEnd:   in.HorizonEnd,
			Status:       in.Status,
			CreatedAt:    now.Format(time.RFC3339),
		}
		if run.ID == "" {
			run.ID = uuid.NewString()
		}
		if run.RunType == "" {
			run.RunType = RunTypeForecast
		}
		if run.Status == "" {
			run.Status = RunStatusReady
		}
		if run.RunDate == "" {
			run.RunDate = now.Format(domain.DateFormat)
		}
		if err := insertRun(ctx, tx, run); err != nil {
			return nil, fmt.Errorf("run %s: %w", run.ID, err)
		}
		for _, entry := range in.Entries {
			act, err := cat.GetByCode(ctx, file.Sector, entry.Activity)
			if err != nil {
				return nil, fmt.Errorf("run %s: unknown activity code %q", run.ID, entry.Activity)
			}
			var drivers *string
			if len(entry.Drivers) > 0 {
				b, err := json.Marshal(entry.Drivers)
				if err != nil {
					return nil, fmt.Errorf("run %s: drivers for %s: %w", run.ID, entry.Activity, err)
				}
				s := string(b)
				drivers = &s
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO forecast_entries(run_id,date,activity_id,quantity,workload_minutes,drivers_json) VALUES (?,?,?,?,?,?)`,
				run.ID, entry.Date, act.ID, entry.Quantity, entry.WorkloadMinutes, drivers); err != nil {
				return nil, fmt.Errorf("run %s entry %s/%s: %w", run.ID, entry.Date, entry.Activity, err)
			}
		}
		imported = append(imported, run)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return imported, nil
}

// ImportPath reads and imports a YAML forecast file.
func (g Registry) ImportPath(ctx context.Context, cat catalog.Catalog, path string) ([]domain.ForecastRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid forecast yaml: %w", err)
	}
	return g.Import(ctx, cat, file)
}
