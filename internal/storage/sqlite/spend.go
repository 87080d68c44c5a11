package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

func (s *Store) CreateSpend(ctx context.Context, r core.SpendRecord) (core.SpendRecord, error) {
	if err := r.Validate(); err != nil {
		return core.SpendRecord{}, err
	}
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	approved := 0
	if r.Approved {
		approved = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_records (id, campaign_id, city, description, estimated_cost, approved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.CampaignID, r.City, r.Description, r.EstimatedCost, approved, formatTime(r.CreatedAt),
	); err != nil {
		return core.SpendRecord{}, fmt.Errorf("insert spend: %w", err)
	}
	return r, nil
}

func (s *Store) ListApprovedSpend(ctx context.Context, campaignID string) ([]core.CitySpend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT city, estimated_cost FROM spend_records WHERE campaign_id = ? AND approved = 1 ORDER BY created_at`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer rows.Close()
	var out []core.CitySpend
	for rows.Next() {
		var cs core.CitySpend
		if err := rows.Scan(&cs.City, &cs.EstimatedCost); err != nil {
			return nil, fmt.Errorf("scan spend: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
