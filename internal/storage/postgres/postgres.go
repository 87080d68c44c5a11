// Package postgres is the production remote store. Mutual exclusion of
// active sessions is enforced by a partial unique index.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation    = "23505"
	activeSessionIndex = "checkin_sessions_one_active"
	locationNameIndex  = "locations_campaign_name_key"
	sessionColumns     = `id, location_id, campaign_id, agent_id, status, started_at, ended_at, notes, climate_feedback, demands_feedback, leaders_identified`
	locationColumns    = `id, campaign_id, name, neighborhood, city, created_at`
)

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.VisitRollup = (*Store)(nil)
)

type Store struct {
	Pool *pgxpool.Pool
}

// Open connects and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := NewStore(pool)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// IsDSN reports whether dsn names a postgres database.
func IsDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func (s *Store) CreateLocation(ctx context.Context, loc core.Location) (core.Location, error) {
	if err := loc.Validate(); err != nil {
		return core.Location{}, err
	}
	loc.Name = strings.TrimSpace(loc.Name)
	if loc.ID == "" {
		loc.ID = storage.NewID()
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO locations (id, campaign_id, name, name_key, neighborhood, city, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		loc.ID, loc.CampaignID, loc.Name, core.NameKey(loc.Name), loc.Neighborhood, loc.City, loc.CreatedAt,
	)
	if err != nil {
		if name, ok := uniqueConstraint(err); ok && name == locationNameIndex {
			return core.Location{}, &core.DuplicateError{CampaignID: loc.CampaignID, Name: loc.Name}
		}
		return core.Location{}, fmt.Errorf("insert location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetLocation(ctx, loc.ID)
		if err != nil {
			return core.Location{}, err
		}
		if existing.CampaignID != loc.CampaignID || core.NameKey(existing.Name) != core.NameKey(loc.Name) {
			return core.Location{}, &core.ValidationError{Field: "id", Reason: "already used by another location"}
		}
		return existing, nil
	}
	return loc, nil
}

func (s *Store) GetLocation(ctx context.Context, id string) (core.Location, error) {
	loc, err := scanLocation(s.Pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Location{}, core.ErrNotFound
	}
	if err != nil {
		return core.Location{}, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

func (s *Store) ListLocationsByCampaign(ctx context.Context, campaignID string) ([]core.Location, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+locationColumns+` FROM locations WHERE campaign_id = $1 ORDER BY name`, campaignID)
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

func scanLocation(row pgx.Row) (core.Location, error) {
	var loc core.Location
	err := row.Scan(&loc.ID, &loc.CampaignID, &loc.Name, &loc.Neighborhood, &loc.City, &loc.CreatedAt)
	return loc, err
}

// CreateSession relies on checkin_sessions_one_active: the unique violation,
// not any earlier read, decides who holds the location.
func (s *Store) CreateSession(ctx context.Context, sess core.CheckinSession) (core.CheckinSession, error) {
	if err := sess.Validate(); err != nil {
		return core.CheckinSession{}, err
	}
	var stored core.CheckinSession
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO checkin_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			sess.ID, sess.LocationID, sess.CampaignID, sess.AgentID, string(sess.Status),
			sess.StartedAt.UTC(), sess.EndedAt, sess.Notes, sess.ClimateFeedback, sess.DemandsFeedback, sess.LeadersIdentified,
		)
		if err != nil {
			if name, ok := uniqueConstraint(err); ok && name == activeSessionIndex {
				return &core.ConflictError{LocationID: sess.LocationID}
			}
			return fmt.Errorf("insert session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			existing, err := getSession(ctx, tx, sess.ID)
			if err != nil {
				return err
			}
			if existing.LocationID != sess.LocationID {
				return &core.ValidationError{Field: "id", Reason: "already used by another location"}
			}
			if u, ok := core.CatchUp(existing, sess); ok {
				existing, err = getSessionForUpdate(ctx, tx, sess.ID)
				if err != nil {
					return err
				}
				existing, err = updateSession(ctx, tx, existing, u)
				if err != nil {
					return err
				}
			}
			stored = existing
			return nil
		}
		if sess.Status == core.SessionCompleted {
			if err := recordVisit(ctx, tx, sess); err != nil {
				return err
			}
		}
		stored, err = getSession(ctx, tx, sess.ID)
		return err
	})
	var ce *core.ConflictError
	if errors.As(err, &ce) {
		_ = s.Pool.QueryRow(ctx,
			`SELECT id FROM checkin_sessions WHERE location_id = $1 AND status = 'active'`, sess.LocationID,
		).Scan(&ce.SessionID)
	}
	if err != nil {
		return core.CheckinSession{}, err
	}
	return stored, nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, u core.SessionUpdate) (core.CheckinSession, error) {
	var next core.CheckinSession
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := getSessionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err = updateSession(ctx, tx, current, u)
		return err
	})
	if err != nil {
		return core.CheckinSession{}, err
	}
	return next, nil
}

func updateSession(ctx context.Context, tx pgx.Tx, current core.CheckinSession, u core.SessionUpdate) (core.CheckinSession, error) {
	next, err := u.Apply(current)
	if err != nil {
		return core.CheckinSession{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE checkin_sessions
		SET status = $2, ended_at = $3, notes = $4, climate_feedback = $5, demands_feedback = $6, leaders_identified = $7
		WHERE id = $1`,
		current.ID, string(next.Status), next.EndedAt, next.Notes, next.ClimateFeedback, next.DemandsFeedback, next.LeadersIdentified,
	); err != nil {
		return core.CheckinSession{}, fmt.Errorf("update session: %w", err)
	}
	if current.Status == core.SessionActive && next.Status == core.SessionCompleted {
		if err := recordVisit(ctx, tx, next); err != nil {
			return core.CheckinSession{}, err
		}
	}
	return next, nil
}

func recordVisit(ctx context.Context, tx pgx.Tx, sess core.CheckinSession) error {
	if sess.EndedAt == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO location_visits (location_id, campaign_id, last_ended_at) VALUES ($1, $2, $3)
		ON CONFLICT (location_id) DO UPDATE SET last_ended_at = GREATEST(location_visits.last_ended_at, EXCLUDED.last_ended_at)`,
		sess.LocationID, sess.CampaignID, sess.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

func (s *Store) LastVisits(ctx context.Context, campaignID string) (map[string]time.Time, error) {
	rows, err := s.Pool.Query(ctx, `SELECT location_id, last_ended_at FROM location_visits WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id    string
			ended time.Time
		)
		if err := rows.Scan(&id, &ended); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out[id] = ended.UTC()
	}
	return out, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, id string) (core.CheckinSession, error) {
	return getSession(ctx, s.Pool, id)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSession(ctx context.Context, q queryRower, id string) (core.CheckinSession, error) {
	return fetchSession(ctx, q, `SELECT `+sessionColumns+` FROM checkin_sessions WHERE id = $1`, id)
}

func getSessionForUpdate(ctx context.Context, tx pgx.Tx, id string) (core.CheckinSession, error) {
	return fetchSession(ctx, tx, `SELECT `+sessionColumns+` FROM checkin_sessions WHERE id = $1 FOR UPDATE`, id)
}

func fetchSession(ctx context.Context, q queryRower, query, id string) (core.CheckinSession, error) {
	sess, err := scanSession(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.CheckinSession{}, core.ErrNotFound
	}
	if err != nil {
		return core.CheckinSession{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessionsByLocation(ctx context.Context, locationID string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	return s.listSessions(ctx, "location_id", locationID, f)
}

func (s *Store) ListSessionsByCampaign(ctx context.Context, campaignID string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	return s.listSessions(ctx, "campaign_id", campaignID, f)
}

func (s *Store) listSessions(ctx context.Context, column, value string, f storage.SessionFilter) ([]core.CheckinSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkin_sessions WHERE ` + column + ` = $1`
	args := []any{value}
	if f.Status != nil {
		query += ` AND status = $2`
		args = append(args, string(*f.Status))
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	if f.OrderBy == storage.OrderEndedAt {
		query += ` ORDER BY ended_at ` + dir + ` NULLS LAST, id`
	} else {
		query += ` ORDER BY started_at ` + dir + `, id`
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []core.CheckinSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (core.CheckinSession, error) {
	var (
		sess   core.CheckinSession
		status string
	)
	err := row.Scan(&sess.ID, &sess.LocationID, &sess.CampaignID, &sess.AgentID, &status, &sess.StartedAt, &sess.EndedAt,
		&sess.Notes, &sess.ClimateFeedback, &sess.DemandsFeedback, &sess.LeadersIdentified)
	if err != nil {
		return core.CheckinSession{}, err
	}
	sess.Status = core.SessionStatus(status)
	sess.StartedAt = sess.StartedAt.UTC()
	if sess.EndedAt != nil {
		t := sess.EndedAt.UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

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
	if _, err := s.Pool.Exec(ctx, `
		INSERT INTO spend_records (id, campaign_id, city, description, estimated_cost, approved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.CampaignID, r.City, r.Description, r.EstimatedCost, r.Approved, r.CreatedAt,
	); err != nil {
		return core.SpendRecord{}, fmt.Errorf("insert spend: %w", err)
	}
	return r, nil
}

func (s *Store) ListApprovedSpend(ctx context.Context, campaignID string) ([]core.CitySpend, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT city, estimated_cost::float8 FROM spend_records
		WHERE campaign_id = $1 AND approved
		ORDER BY created_at`, campaignID)
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
