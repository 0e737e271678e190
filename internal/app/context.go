package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shiftplan/internal/catalog"
	"shiftplan/internal/config"
	"shiftplan/internal/domain"
	"shiftplan/internal/repo"
)

// ResolveSectorAndConfig picks the active sector and ensures sector, config
// and activity catalog exist in the DB, seeding defaults if missing. The
// override flag wins; otherwise a lone sector in the DB is used.
func ResolveSectorAndConfig(ctx context.Context, workspace, sectorOverride string, r repo.Repo) (string, *config.Config, error) {
	sectorID := sectorOverride
	if sectorID == "" {
		sectors, err := r.ListSectors(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(sectors) {
		case 1:
			sectorID = sectors[0].ID
		case 0:
			return "", nil, fmt.Errorf("sector not specified; use --sector")
		default:
			return "", nil, fmt.Errorf("multiple sectors exist; specify --sector")
		}
	}
	seedCfg := config.Default(sectorID)
	if fileCfg, err := config.LoadOptional(workspace); err != nil {
		return "", nil, err
	} else if fileCfg != nil && fileCfg.Sector.ID == sectorID {
		seedCfg = fileCfg
	}

	if _, err := r.GetSector(ctx, sectorID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createSector(ctx, r, sectorID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetSectorConfig(ctx, sectorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertSectorConfig(ctx, sectorID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed sector config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Sector.ID = sectorID
	return sectorID, cfg, nil
}

// createSector inserts the sector row, stores its config and seeds the
// activity catalog from it, all in one transaction.
func createSector(ctx context.Context, r repo.Repo, sectorID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(sectorID)
	}
	now := time.Now().UTC()
	name := seedCfg.Sector.Name
	if name == "" {
		name = sectorID
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s := domain.Sector{ID: sectorID, Name: name, CreatedAt: now.Format(time.RFC3339)}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sectors(id,name,created_at) VALUES (?,?,?)`,
		s.ID, s.Name, s.CreatedAt); err != nil {
		return fmt.Errorf("insert sector: %w", err)
	}
	if err := r.UpsertSectorConfigTx(ctx, tx, sectorID, seedCfg); err != nil {
		return fmt.Errorf("insert sector config: %w", err)
	}
	cat := catalog.Catalog{DB: r.DB}
	if err := cat.SeedFromConfig(ctx, tx, sectorID, seedCfg, now); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	return tx.Commit()
}
