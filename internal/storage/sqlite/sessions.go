package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

const sessionColumns = `id, location_id, campaign_id, agent_id, status, started_at, ended_at,
	notes, climate_feedback, demands_feedback, leaders_identified`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateSession inserts s. The partial unique index on active sessions is
// the arbiter of the one-active-session rule; its violation is reported as
// *core.ConflictError. A redelivered id that now arrives completed closes
// the stored active row.
func (s *Store) CreateSession(ctx context.Context, sess core.CheckinSession) (core.CheckinSession, error) {
	if err := sess.Validate(); err != nil {
		return core.CheckinSession{}, err
	}
	sess.StartedAt = sess.StartedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.CheckinSession{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkin_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.LocationID, sess.CampaignID, sess.AgentID, string(sess.Status),
		formatTime(sess.StartedAt), nullTime(sess.EndedAt),
		sess.Notes, sess.ClimateFeedback, sess.DemandsFeedback, sess.LeadersIdentified,
	)
	if err != nil {
		if isActiveSessionViolation(err) {
			_ = tx.Rollback()
			return core.CheckinSession{}, s.conflictFor(ctx, sess.LocationID)
		}
		return core.CheckinSession{}, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := getSession(ctx, tx, sess.ID)
		if err != nil {
			return core.CheckinSession{}, err
		}
		if existing.LocationID != sess.LocationID {
			return core.CheckinSession{}, &core.ValidationError{Field: "id", Reason: "already used by another location"}
		}
		if u, ok := core.CatchUp(existing, sess); ok {
			if existing, err = updateSession(ctx, tx, existing, u); err != nil {
				return core.CheckinSession{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return core.CheckinSession{}, fmt.Errorf("commit session: %w", err)
		}
		return existing, nil
	}
	if sess.Status == core.SessionCompleted {
		if err := recordVisit(ctx, tx, sess); err != nil {
			return core.CheckinSession{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return core.CheckinSession{}, fmt.Errorf("commit session: %w", err)
	}
	return getSession(ctx, s.db, sess.ID)
}

func (s *Store) conflictFor(ctx context.Context, locationID string) error {
	ce := &core.ConflictError{LocationID: locationID}
	_ = s.db.QueryRowContext(ctx,
		`SELECT id FROM checkin_sessions WHERE location_id = ? AND status = 'active'`, locationID,
	).Scan(&ce.SessionID)
	return ce
}

func (s *Store) UpdateSession(ctx context.Context, id string, u core.SessionUpdate) (core.CheckinSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.CheckinSession{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := getSession(ctx, tx, id)
	if err != nil {
		return core.CheckinSession{}, err
	}
	next, err := updateSession(ctx, tx, current, u)
	if err != nil {
		return core.CheckinSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.CheckinSession{}, fmt.Errorf("commit session: %w", err)
	}
	return next, nil
}

// updateSession writes u over current inside tx, feeding the visit rollup
// when the session completes.
func updateSession(ctx context.Context, tx *sql.Tx, current core.CheckinSession, u core.SessionUpdate) (core.CheckinSession, error) {
	next, err := u.Apply(current)
	if err != nil {
		return core.CheckinSession{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE checkin_sessions
		 SET status = ?, ended_at = ?, notes = ?, climate_feedback = ?, demands_feedback = ?, leaders_identified = ?
		 WHERE id = ?`,
		string(next.Status), nullTime(next.EndedAt), next.Notes, next.ClimateFeedback,
		next.DemandsFeedback, next.LeadersIdentified, current.ID,
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

func recordVisit(ctx context.Context, tx *sql.Tx, sess core.CheckinSession) error {
	if sess.EndedAt == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO location_visits (location_id, campaign_id, last_ended_at) VALUES (?, ?, ?)
		 ON CONFLICT(location_id) DO UPDATE SET last_ended_at = MAX(last_ended_at, excluded.last_ended_at)`,
		sess.LocationID, sess.CampaignID, formatTime(*sess.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

// LastVisits returns the latest completion time per visited location.
func (s *Store) LastVisits(ctx context.Context, campaignID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT location_id, last_ended_at FROM location_visits WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var id, ended string
		if err := rows.Scan(&id, &ended); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out[id] = parseTime(ended)
	}
	return out, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, id string) (core.CheckinSession, error) {
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, q querier, id string) (core.CheckinSession, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM checkin_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	query := `SELECT ` + sessionColumns + ` FROM checkin_sessions WHERE ` + column + ` = ?`
	args := []any{value}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	query += orderClause(f)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func orderClause(f storage.SessionFilter) string {
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	if f.OrderBy == storage.OrderEndedAt {
		return ` ORDER BY ended_at IS NULL, ended_at ` + dir + `, id ASC`
	}
	return ` ORDER BY started_at ` + dir + `, id ASC`
}

func scanSession(sc scanner) (core.CheckinSession, error) {
	var sess core.CheckinSession
	var status, started string
	var ended sql.NullString
	if err := sc.Scan(&sess.ID, &sess.LocationID, &sess.CampaignID, &sess.AgentID, &status, &started, &ended,
		&sess.Notes, &sess.ClimateFeedback, &sess.DemandsFeedback, &sess.LeadersIdentified); err != nil {
		return core.CheckinSession{}, err
	}
	sess.Status = core.SessionStatus(status)
	sess.StartedAt = parseTime(started)
	sess.EndedAt = timePtr(ended)
	return sess, nil
}
