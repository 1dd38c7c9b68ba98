package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/models"
)

const runColumns = `id, contact_id, operator_id, company_id, profile_id, profile_url, lead_name, lead_headline, company_name, state, next_action_at, retry_count, reschedule_count, stall_reason, reservation_id, last_error, invited_at, connected_at, follow_up_sent_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (models.SequenceRun, error) {
	var r models.SequenceRun
	var state, stall string
	var leadName, leadHeadline, companyName sql.NullString
	var next, invited, connected, followUp, created, updated int64
	err := row.Scan(&r.ID, &r.ContactID, &r.OperatorID, &r.CompanyID, &r.ProfileID, &r.ProfileURL,
		&leadName, &leadHeadline, &companyName, &state, &next, &r.RetryCount, &r.RescheduleCount,
		&stall, &r.ReservationID, &r.LastError, &invited, &connected, &followUp, &created, &updated)
	if err != nil {
		return r, err
	}
	r.LeadName, r.LeadHeadline, r.CompanyName = leadName.String, leadHeadline.String, companyName.String
	r.State, r.StallReason = models.SequenceState(state), models.StallReason(stall)
	r.NextActionAt = fromMs(next)
	r.InvitedAt, r.ConnectedAt, r.FollowUpSentAt = fromMs(invited), fromMs(connected), fromMs(followUp)
	r.CreatedAt, r.UpdatedAt = fromMs(created), fromMs(updated)
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]models.SequenceRun, error) {
	defer rows.Close()
	var out []models.SequenceRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRun inserts r unless a run already exists for the same contact.
// It returns the stored run and whether it was newly created.
func (s *Store) CreateRun(ctx context.Context, r models.SequenceRun) (models.SequenceRun, bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sequence_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO NOTHING`,
		r.ID, r.ContactID, r.OperatorID, r.CompanyID, r.ProfileID, r.ProfileURL, r.LeadName, r.LeadHeadline, r.CompanyName,
		string(r.State), ms(r.NextActionAt), r.RetryCount, r.RescheduleCount, string(r.StallReason), r.ReservationID, r.LastError,
		ms(r.InvitedAt), ms(r.ConnectedAt), ms(r.FollowUpSentAt), ms(r.CreatedAt), ms(r.UpdatedAt))
	if err != nil {
		return r, false, fmt.Errorf("create run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return r, true, nil
	}
	existing, err := s.RunByContact(ctx, r.ContactID)
	return existing, false, err
}

func (s *Store) Run(ctx context.Context, id string) (models.SequenceRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sequence_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (s *Store) RunByContact(ctx context.Context, contactID string) (models.SequenceRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sequence_runs WHERE contact_id = ?`, contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (s *Store) UpdateRun(ctx context.Context, r models.SequenceRun) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sequence_runs SET
		state = ?, next_action_at = ?, retry_count = ?, reschedule_count = ?, stall_reason = ?,
		reservation_id = ?, last_error = ?, invited_at = ?, connected_at = ?, follow_up_sent_at = ?, updated_at = ?
		WHERE id = ?`,
		string(r.State), ms(r.NextActionAt), r.RetryCount, r.RescheduleCount, string(r.StallReason),
		r.ReservationID, r.LastError, ms(r.InvitedAt), ms(r.ConnectedAt), ms(r.FollowUpSentAt), ms(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueRuns returns non-terminal runs whose next action is at or before now.
func (s *Store) DueRuns(ctx context.Context, now time.Time, limit int) ([]models.SequenceRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sequence_runs
		WHERE state NOT IN (?, ?) AND next_action_at <= ?
		ORDER BY next_action_at ASC LIMIT ?`,
		string(models.StateConnected), string(models.StateStalled), ms(now), limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// RunsHoldingReservations lists runs that recorded a reservation id.
func (s *Store) RunsHoldingReservations(ctx context.Context) ([]models.SequenceRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sequence_runs WHERE reservation_id != ''`)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// ConnectedWithoutFollowUp lists connected runs that have not been sent a
// follow-up and connected at or before before.
func (s *Store) ConnectedWithoutFollowUp(ctx context.Context, before time.Time, limit int) ([]models.SequenceRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sequence_runs
		WHERE state = ? AND follow_up_sent_at = 0 AND connected_at <= ?
		ORDER BY connected_at ASC LIMIT ?`, string(models.StateConnected), ms(before), limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func (s *Store) RunsByCompany(ctx context.Context, companyID string) ([]models.SequenceRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sequence_runs WHERE company_id = ? ORDER BY created_at`, companyID)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// CountRunsByState groups runs by state, optionally for one operator.
func (s *Store) CountRunsByState(ctx context.Context, operatorID string) (map[models.SequenceState]int, error) {
	query := `SELECT state, COUNT(*) FROM sequence_runs GROUP BY state`
	args := []any{}
	if operatorID != "" {
		query = `SELECT state, COUNT(*) FROM sequence_runs WHERE operator_id = ? GROUP BY state`
		args = append(args, operatorID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[models.SequenceState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[models.SequenceState(state)] = n
	}
	return out, rows.Err()
}
