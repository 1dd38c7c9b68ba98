package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/models"
)

const budgetColumns = `operator_id, daily_count, daily_limit, daily_reset_at, weekly_count, weekly_limit, weekly_reset_at, invite_safe_after, next_action_at, updated_at`

func scanBudget(row interface{ Scan(...any) error }) (models.RateBudget, error) {
	var b models.RateBudget
	var dr, wr, isa, na, up int64
	if err := row.Scan(&b.OperatorID, &b.DailyCount, &b.DailyLimit, &dr, &b.WeeklyCount, &b.WeeklyLimit, &wr, &isa, &na, &up); err != nil {
		return b, err
	}
	b.DailyResetAt, b.WeeklyResetAt = fromMs(dr), fromMs(wr)
	b.InviteSafeAfter, b.NextActionAt, b.UpdatedAt = fromMs(isa), fromMs(na), fromMs(up)
	return b, nil
}

func getBudget(ctx context.Context, q querier, operatorID string) (models.RateBudget, error) {
	row := q.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM operator_budgets WHERE operator_id = ?`, operatorID)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// Budget reads an operator budget outside of any reservation.
func (s *Store) Budget(ctx context.Context, operatorID string) (models.RateBudget, error) {
	return getBudget(ctx, s.db, operatorID)
}

func (s *Store) Budgets(ctx context.Context) ([]models.RateBudget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM operator_budgets ORDER BY operator_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RateBudget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *Tx) Budget(ctx context.Context, operatorID string) (models.RateBudget, error) {
	return getBudget(ctx, t.tx, operatorID)
}

func (t *Tx) PutBudget(ctx context.Context, b models.RateBudget) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO operator_budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operator_id) DO UPDATE SET
		daily_count=excluded.daily_count,
		daily_limit=excluded.daily_limit,
		daily_reset_at=excluded.daily_reset_at,
		weekly_count=excluded.weekly_count,
		weekly_limit=excluded.weekly_limit,
		weekly_reset_at=excluded.weekly_reset_at,
		invite_safe_after=excluded.invite_safe_after,
		next_action_at=excluded.next_action_at,
		updated_at=excluded.updated_at
	`, b.OperatorID, b.DailyCount, b.DailyLimit, ms(b.DailyResetAt), b.WeeklyCount, b.WeeklyLimit, ms(b.WeeklyResetAt),
		ms(b.InviteSafeAfter), ms(b.NextActionAt), ms(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put budget: %w", err)
	}
	return nil
}

const reservationColumns = `id, operator_id, action, count, status, daily_reset_at, weekly_reset_at, prev_next_action_at, next_action_at, created_at, settled_at`

func scanReservation(row interface{ Scan(...any) error }) (models.Reservation, error) {
	var r models.Reservation
	var action, status string
	var dr, wr, pna, na, ca, sa int64
	if err := row.Scan(&r.ID, &r.OperatorID, &action, &r.Count, &status, &dr, &wr, &pna, &na, &ca, &sa); err != nil {
		return r, err
	}
	r.Action, r.Status = models.Action(action), models.ReservationStatus(status)
	r.DailyResetAt, r.WeeklyResetAt = fromMs(dr), fromMs(wr)
	r.PrevNextActionAt, r.NextActionAt = fromMs(pna), fromMs(na)
	r.CreatedAt, r.SettledAt = fromMs(ca), fromMs(sa)
	return r, nil
}

func (t *Tx) InsertReservation(ctx context.Context, r models.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OperatorID, string(r.Action), r.Count, string(r.Status), ms(r.DailyResetAt), ms(r.WeeklyResetAt),
		ms(r.PrevNextActionAt), ms(r.NextActionAt), ms(r.CreatedAt), ms(r.SettledAt))
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *Tx) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (t *Tx) SettleReservation(ctx context.Context, id string, status models.ReservationStatus, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE reservations SET status = ?, settled_at = ? WHERE id = ?`, string(status), ms(at), id)
	return err
}

// CountedSince lists the quota-consuming reservations (pending or
// committed, count > 0) created at or after since, oldest first.
func (t *Tx) CountedSince(ctx context.Context, operatorID string, since time.Time) ([]models.Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE operator_id = ? AND created_at >= ? AND count > 0 AND status != ?
		ORDER BY created_at ASC`, operatorID, ms(since), string(models.ReservationReleased))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Reservation(ctx context.Context, id string) (models.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (s *Store) PendingReservations(ctx context.Context) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE status = ? ORDER BY created_at`, string(models.ReservationPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneReservations deletes settled ledger rows older than before.
func (s *Store) PruneReservations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE status != ? AND created_at < ?`, string(models.ReservationPending), ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
