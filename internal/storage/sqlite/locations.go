package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

const locationColumns = `id, campaign_id, name, neighborhood, city, created_at`

func (s *Store) CreateLocation(ctx context.Context, loc core.Location) (core.Location, error) {
	if err := loc.Validate(); err != nil {
		return core.Location{}, err
	}
	loc.Name = strings.TrimSpace(loc.Name)
	if loc.ID == "" {
		loc.ID = storage.NewID()
	} else if existing, err := s.GetLocation(ctx, loc.ID); err == nil {
		if existing.CampaignID == loc.CampaignID && core.NameKey(existing.Name) == core.NameKey(loc.Name) {
			return existing, nil
		}
		return core.Location{}, &core.ValidationError{Field: "id", Reason: "already used by another location"}
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Location{}, err
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (id, campaign_id, name, name_key, neighborhood, city, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		loc.ID, loc.CampaignID, loc.Name, core.NameKey(loc.Name), loc.Neighborhood, loc.City, formatTime(loc.CreatedAt),
	)
	if err != nil {
		if isLocationNameViolation(err) {
			return core.Location{}, &core.DuplicateError{CampaignID: loc.CampaignID, Name: loc.Name}
		}
		return core.Location{}, fmt.Errorf("insert location: %w", err)
	}
	loc.CreatedAt = parseTime(formatTime(loc.CreatedAt))
	return loc, nil
}

func (s *Store) GetLocation(ctx context.Context, id string) (core.Location, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = ?`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Location{}, core.ErrNotFound
	}
	if err != nil {
		return core.Location{}, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

func (s *Store) ListLocationsByCampaign(ctx context.Context, campaignID string) ([]core.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE campaign_id = ? ORDER BY name ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var out []core.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func scanLocation(sc scanner) (core.Location, error) {
	var (
		loc       core.Location
		createdAt string
	)
	if err := sc.Scan(&loc.ID, &loc.CampaignID, &loc.Name, &loc.Neighborhood, &loc.City, &createdAt); err != nil {
		return core.Location{}, err
	}
	loc.CreatedAt = parseTime(createdAt)
	return loc, nil
}
