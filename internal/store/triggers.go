package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/models"
)

// ClaimTrigger records the start of a run for key. When the key was
// already claimed it returns false and the stored record. An aborted
// claim, or a running one started before staleBefore, is taken over.
func (s *Store) ClaimTrigger(ctx context.Context, key, companyID, operatorID string, now, staleBefore time.Time) (bool, models.TriggerRun, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO trigger_runs (key, company_id, operator_id, status, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, '', ?, 0)
		ON CONFLICT(key) DO UPDATE SET company_id=excluded.company_id, operator_id=excluded.operator_id,
			status=excluded.status, summary='', started_at=excluded.started_at, finished_at=0
		WHERE trigger_runs.status = ? OR (trigger_runs.status = ? AND trigger_runs.started_at < ?)`,
		key, companyID, operatorID, string(models.RunRunning), ms(now),
		string(models.RunAborted), string(models.RunRunning), ms(staleBefore))
	if err != nil {
		return false, models.TriggerRun{}, fmt.Errorf("claim trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, models.TriggerRun{Key: key, CompanyID: companyID, OperatorID: operatorID, Status: models.RunRunning, StartedAt: now}, nil
	}
	existing, err := s.TriggerRun(ctx, key)
	return false, existing, err
}

func (s *Store) FinishTrigger(ctx context.Context, key string, status models.RunStatus, summary string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trigger_runs SET status = ?, summary = ?, finished_at = ? WHERE key = ?`,
		string(status), summary, ms(now), key)
	return err
}

func (s *Store) TriggerRun(ctx context.Context, key string) (models.TriggerRun, error) {
	var tr models.TriggerRun
	var status string
	var summary sql.NullString
	var started, finished int64
	err := s.db.QueryRowContext(ctx, `SELECT key, company_id, operator_id, status, summary, started_at, finished_at FROM trigger_runs WHERE key = ?`, key).
		Scan(&tr.Key, &tr.CompanyID, &tr.OperatorID, &status, &summary, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return tr, ErrNotFound
	}
	if err != nil {
		return tr, err
	}
	tr.Status, tr.Summary = models.RunStatus(status), summary.String
	tr.StartedAt, tr.FinishedAt = fromMs(started), fromMs(finished)
	return tr, nil
}

func (s *Store) ContactLink(ctx context.Context, profileID string) (string, error) {
	var contactID string
	err := s.db.QueryRowContext(ctx, `SELECT contact_id FROM contact_links WHERE profile_id = ?`, profileID).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return contactID, err
}

func (s *Store) PutContactLink(ctx context.Context, profileID, contactID, operatorID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO contact_links (profile_id, contact_id, operator_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET contact_id=excluded.contact_id, operator_id=excluded.operator_id`,
		profileID, contactID, operatorID, ms(now))
	return err
}

func (s *Store) LogAction(ctx context.Context, l models.ActionLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO action_logs (run_id, operator_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.RunID, l.OperatorID, string(l.Action), l.Detail, ms(l.CreatedAt))
	return err
}

func (s *Store) CountActionsSince(ctx context.Context, operatorID string, action models.Action, since time.Time) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_logs WHERE operator_id = ? AND action = ? AND created_at >= ?`,
		operatorID, string(action), ms(since)).Scan(&c)
	return c, err
}

func (s *Store) ActionLogs(ctx context.Context, runID string) ([]models.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, operator_id, action, detail, created_at FROM action_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ActionLog
	for rows.Next() {
		var l models.ActionLog
		var action string
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&l.ID, &l.RunID, &l.OperatorID, &action, &detail, &created); err != nil {
			return nil, err
		}
		l.Action, l.Detail, l.CreatedAt = models.Action(action), detail.String, fromMs(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
