// Package ratelimit owns every operator's RateBudget. Quota counters,
// inter-action spacing and invitation pacing are only ever mutated here,
// inside a per-operator critical section backed by one sqlite transaction.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/example/outreach/internal/coord"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

type Options struct {
	// Limits returns the daily and weekly limits for an operator.
	Limits              func(operatorID string) (daily, weekly int)
	Location            *time.Location
	MinActionSpacing    time.Duration
	InviteBatchInterval time.Duration
	ChecksPerMinute     float64
	CheckBurst          int
	Now                 func() time.Time
	Metrics             *metrics.Metrics
	Logger              *logging.Logger
}

type Request struct {
	OperatorID string
	Action     models.Action
	Count      int
}

type Limiter struct {
	st     *store.Store
	locker coord.Locker
	opts   Options
	checks sync.Map // operator id -> *rate.Limiter
	log    *logging.Logger
}

func New(st *store.Store, locker coord.Locker, opts Options) *Limiter {
	if opts.Limits == nil {
		opts.Limits = func(string) (int, int) { return 20, 150 }
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ChecksPerMinute <= 0 {
		opts.ChecksPerMinute = 6
	}
	if opts.CheckBurst <= 0 {
		opts.CheckBurst = 1
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Limiter{st: st, locker: locker, opts: opts, log: log.With("module", "ratelimit")}
}

func lockKey(operatorID string) string { return "budget:" + operatorID }

// Reserve provisionally takes capacity for one action. Quota and pacing
// refusals come back as *QuotaExceededError or *PacingError.
func (l *Limiter) Reserve(ctx context.Context, req Request) (*models.Reservation, error) {
	if req.OperatorID == "" {
		return nil, errors.New("reserve: operator id required")
	}
	if req.Count < 0 {
		return nil, fmt.Errorf("reserve: negative count %d", req.Count)
	}
	if req.Action == models.ActionCheck {
		return l.reserveCheck(req)
	}

	ctx, unlock, err := l.locker.Lock(ctx, lockKey(req.OperatorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.opts.Now()
	var res models.Reservation
	err = l.st.InTx(ctx, func(tx *store.Tx) error {
		b, err := l.loadBudget(ctx, tx, req.OperatorID, now)
		if err != nil {
			return err
		}
		if req.Count > 0 {
			if err := l.checkQuota(b, req, now); err != nil {
				return err
			}
			if err := l.checkRolling(ctx, tx, b, req, now); err != nil {
				return err
			}
		}
		if req.Action == models.ActionInvite {
			if now.Before(b.InviteSafeAfter) {
				return &PacingError{OperatorID: req.OperatorID, Kind: PacingInvite, RetryAfter: b.InviteSafeAfter}
			}
			if err := l.checkInviteInFlight(ctx, tx, req, now); err != nil {
				return err
			}
		}
		if req.Action.Outbound() && now.Before(b.NextActionAt) {
			return &PacingError{OperatorID: req.OperatorID, Kind: PacingAction, RetryAfter: b.NextActionAt}
		}

		res = models.Reservation{
			ID:               uuid.NewString(),
			OperatorID:       req.OperatorID,
			Action:           req.Action,
			Count:            req.Count,
			Status:           models.ReservationPending,
			DailyResetAt:     b.DailyResetAt,
			WeeklyResetAt:    b.WeeklyResetAt,
			PrevNextActionAt: b.NextActionAt,
			CreatedAt:        now,
		}
		b.DailyCount += req.Count
		b.WeeklyCount += req.Count
		if req.Action.Outbound() && l.opts.MinActionSpacing > 0 {
			b.NextActionAt = now.Add(l.opts.MinActionSpacing)
		}
		res.NextActionAt = b.NextActionAt
		b.UpdatedAt = now
		if err := tx.PutBudget(ctx, b); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, res)
	})
	if err != nil {
		l.opts.Metrics.RecordReservation(string(req.Action), refusal(err))
		return nil, err
	}
	l.opts.Metrics.RecordReservation(string(req.Action), "granted")
	return &res, nil
}

func refusal(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrInvitePacing), errors.Is(err, ErrActionPacing), errors.Is(err, ErrCheckPacing):
		return "pacing"
	}
	return "error"
}

// reserveCheck admits a connection-status check through the operator's
// token bucket. Checks consume neither quota nor spacing, so nothing is
// persisted and the returned reservation is already settled.
func (l *Limiter) reserveCheck(req Request) (*models.Reservation, error) {
	now := l.opts.Now()
	v, _ := l.checks.LoadOrStore(req.OperatorID, rate.NewLimiter(rate.Limit(l.opts.ChecksPerMinute/60), l.opts.CheckBurst))
	lim := v.(*rate.Limiter)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, &PacingError{OperatorID: req.OperatorID, Kind: PacingCheck, RetryAfter: now.Add(time.Minute)}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		l.opts.Metrics.RecordReservation(string(req.Action), "pacing")
		return nil, &PacingError{OperatorID: req.OperatorID, Kind: PacingCheck, RetryAfter: now.Add(d)}
	}
	l.opts.Metrics.RecordReservation(string(req.Action), "granted")
	return &models.Reservation{
		ID:         uuid.NewString(),
		OperatorID: req.OperatorID,
		Action:     models.ActionCheck,
		Status:     models.ReservationCommitted,
		CreatedAt:  now,
		SettledAt:  now,
	}, nil
}

func (l *Limiter) checkQuota(b models.RateBudget, req Request, now time.Time) error {
	dailyShort := b.DailyCount+req.Count > b.DailyLimit
	weeklyShort := b.WeeklyCount+req.Count > b.WeeklyLimit
	switch {
	case weeklyShort:
		// The daily reset cannot help before the weekly one.
		return &QuotaExceededError{OperatorID: b.OperatorID, Dimension: DimensionWeekly, Limit: b.WeeklyLimit, Used: b.WeeklyCount, RetryAfter: b.WeeklyResetAt}
	case dailyShort:
		return &QuotaExceededError{OperatorID: b.OperatorID, Dimension: DimensionDaily, Limit: b.DailyLimit, Used: b.DailyCount, RetryAfter: b.DailyResetAt}
	}
	return nil
}

// checkRolling keeps the ledger of granted reservations within the limits
// over any trailing 24h and 7d window, independent of calendar resets.
func (l *Limiter) checkRolling(ctx context.Context, tx *store.Tx, b models.RateBudget, req Request, now time.Time) error {
	ledger, err := tx.CountedSince(ctx, req.OperatorID, now.Add(-week))
	if err != nil {
		return fmt.Errorf("load reservation ledger: %w", err)
	}
	if err := rollingWindow(ledger, now, day, b.DailyLimit, req, DimensionRollingDaily); err != nil {
		return err
	}
	return rollingWindow(ledger, now, week, b.WeeklyLimit, req, DimensionRollingWeekly)
}

func rollingWindow(ledger []models.Reservation, now time.Time, window time.Duration, limit int, req Request, dim Dimension) error {
	since := now.Add(-window)
	var inWindow []models.Reservation
	used := 0
	for _, r := range ledger {
		if r.CreatedAt.After(since) {
			inWindow = append(inWindow, r)
			used += r.Count
		}
	}
	if used+req.Count <= limit {
		return nil
	}
	// Find the oldest entry whose expiry frees enough room.
	over := used + req.Count - limit
	retry := now.Add(window)
	for _, r := range inWindow {
		over -= r.Count
		if over <= 0 {
			retry = r.CreatedAt.Add(window)
			break
		}
	}
	return &QuotaExceededError{OperatorID: req.OperatorID, Dimension: dim, Limit: limit, Used: used, RetryAfter: retry}
}

// checkInviteInFlight refuses a second invite while another one for the
// operator is still pending. InviteSafeAfter only moves on commit.
func (l *Limiter) checkInviteInFlight(ctx context.Context, tx *store.Tx, req Request, now time.Time) error {
	if l.opts.InviteBatchInterval <= 0 {
		return nil
	}
	ledger, err := tx.CountedSince(ctx, req.OperatorID, now.Add(-day))
	if err != nil {
		return fmt.Errorf("load reservation ledger: %w", err)
	}
	for _, r := range ledger {
		if r.Action == models.ActionInvite && r.Status == models.ReservationPending {
			return &PacingError{OperatorID: req.OperatorID, Kind: PacingInvite, RetryAfter: now.Add(l.opts.InviteBatchInterval)}
		}
	}
	return nil
}

// Commit makes a reservation non-revocable. Committing an invite starts
// the next invitation batch interval.
func (l *Limiter) Commit(ctx context.Context, res *models.Reservation) error {
	if res == nil {
		return ErrUnknown
	}
	if res.Action == models.ActionCheck {
		return nil
	}
	ctx, unlock, err := l.locker.Lock(ctx, lockKey(res.OperatorID))
	if err != nil {
		return err
	}
	defer unlock()

	now := l.opts.Now()
	err = l.st.InTx(ctx, func(tx *store.Tx) error {
		stored, err := tx.Reservation(ctx, res.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknown
		}
		if err != nil {
			return err
		}
		switch stored.Status {
		case models.ReservationCommitted:
			return nil
		case models.ReservationReleased:
			return ErrAlreadySettled
		}
		if stored.Action == models.ActionInvite && l.opts.InviteBatchInterval > 0 {
			b, err := l.loadBudget(ctx, tx, stored.OperatorID, now)
			if err != nil {
				return err
			}
			if safe := now.Add(l.opts.InviteBatchInterval); safe.After(b.InviteSafeAfter) {
				b.InviteSafeAfter = safe
			}
			b.UpdatedAt = now
			if err := tx.PutBudget(ctx, b); err != nil {
				return err
			}
		}
		return tx.SettleReservation(ctx, stored.ID, models.ReservationCommitted, now)
	})
	if err != nil {
		return err
	}
	res.Status, res.SettledAt = models.ReservationCommitted, now
	return nil
}

// Release rolls back a reservation whose action never took effect. The
// counters are only decremented while the window the reservation was
// taken in is still current.
func (l *Limiter) Release(ctx context.Context, res *models.Reservation) error {
	if res == nil {
		return ErrUnknown
	}
	if res.Action == models.ActionCheck {
		return nil
	}
	ctx, unlock, err := l.locker.Lock(ctx, lockKey(res.OperatorID))
	if err != nil {
		return err
	}
	defer unlock()

	now := l.opts.Now()
	err = l.st.InTx(ctx, func(tx *store.Tx) error {
		stored, err := tx.Reservation(ctx, res.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknown
		}
		if err != nil {
			return err
		}
		switch stored.Status {
		case models.ReservationReleased:
			return ErrDoubleRelease
		case models.ReservationCommitted:
			return ErrAlreadySettled
		}
		b, err := l.loadBudget(ctx, tx, stored.OperatorID, now)
		if err != nil {
			return err
		}
		if b.DailyResetAt.Equal(stored.DailyResetAt) {
			b.DailyCount = max(0, b.DailyCount-stored.Count)
		}
		if b.WeeklyResetAt.Equal(stored.WeeklyResetAt) {
			b.WeeklyCount = max(0, b.WeeklyCount-stored.Count)
		}
		if stored.Action.Outbound() && b.NextActionAt.Equal(stored.NextActionAt) {
			b.NextActionAt = stored.PrevNextActionAt
		}
		b.UpdatedAt = now
		if err := tx.PutBudget(ctx, b); err != nil {
			return err
		}
		return tx.SettleReservation(ctx, stored.ID, models.ReservationReleased, now)
	})
	if err != nil {
		return err
	}
	res.Status, res.SettledAt = models.ReservationReleased, now
	return nil
}

// Snapshot returns the operator's budget as Reserve would see it now,
// without persisting the resets.
func (l *Limiter) Snapshot(ctx context.Context, operatorID string) (models.RateBudget, error) {
	now := l.opts.Now()
	b, err := l.st.Budget(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		b = l.freshBudget(operatorID, now)
	} else if err != nil {
		return b, err
	}
	l.refresh(&b, now)
	return b, nil
}

// EarliestInvite is the first instant at which an invite reservation for
// the operator could succeed given what is known now.
func (l *Limiter) EarliestInvite(ctx context.Context, operatorID string) (time.Time, error) {
	b, err := l.Snapshot(ctx, operatorID)
	if err != nil {
		return time.Time{}, err
	}
	t := l.opts.Now()
	for _, c := range []time.Time{b.NextActionAt, b.InviteSafeAfter} {
		if c.After(t) {
			t = c
		}
	}
	if b.DailyRemaining() == 0 && b.DailyResetAt.After(t) {
		t = b.DailyResetAt
	}
	if b.WeeklyRemaining() == 0 && b.WeeklyResetAt.After(t) {
		t = b.WeeklyResetAt
	}
	return t, nil
}

// RecoverPending releases reservations left pending by a previous
// process. Call it before any sequence work starts.
func (l *Limiter) RecoverPending(ctx context.Context) (int, error) {
	pending, err := l.st.PendingReservations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range pending {
		r := pending[i]
		if err := l.Release(ctx, &r); err != nil {
			if errors.Is(err, ErrDoubleRelease) || errors.Is(err, ErrAlreadySettled) {
				continue
			}
			return n, fmt.Errorf("release %s: %w", r.ID, err)
		}
		l.log.Info("released orphaned reservation", "reservation", r.ID, "operator", r.OperatorID, "action", r.Action)
		n++
	}
	return n, nil
}

func (l *Limiter) loadBudget(ctx context.Context, tx *store.Tx, operatorID string, now time.Time) (models.RateBudget, error) {
	b, err := tx.Budget(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		b = l.freshBudget(operatorID, now)
	} else if err != nil {
		return b, fmt.Errorf("load budget %s: %w", operatorID, err)
	}
	l.refresh(&b, now)
	return b, nil
}

func (l *Limiter) freshBudget(operatorID string, now time.Time) models.RateBudget {
	return models.RateBudget{
		OperatorID:    operatorID,
		DailyResetAt:  NextDailyReset(now, l.opts.Location),
		WeeklyResetAt: NextWeeklyReset(now, l.opts.Location),
		UpdatedAt:     now,
	}
}

// refresh applies configured limits and any due resets.
func (l *Limiter) refresh(b *models.RateBudget, now time.Time) {
	b.DailyLimit, b.WeeklyLimit = l.opts.Limits(b.OperatorID)
	if !now.Before(b.DailyResetAt) {
		b.DailyCount = 0
		b.DailyResetAt = NextDailyReset(now, l.opts.Location)
	}
	if !now.Before(b.WeeklyResetAt) {
		b.WeeklyCount = 0
		b.WeeklyResetAt = NextWeeklyReset(now, l.opts.Location)
	}
	b.DailyCount = min(b.DailyCount, b.DailyLimit)
	b.WeeklyCount = min(b.WeeklyCount, b.WeeklyLimit)
}

// NextDailyReset is the next local midnight strictly after now.
func NextDailyReset(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

// NextWeeklyReset is the next Monday 00:00 strictly after now.
func NextWeeklyReset(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	days := (8 - int(t.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	return time.Date(t.Year(), t.Month(), t.Day()+days, 0, 0, 0, 0, loc)
}
