package ingress

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/orchestrator"
	"github.com/example/outreach/internal/sequencer"
	"github.com/example/outreach/internal/store"
)

func (s *Server) trigger(c *fiber.Ctx) error {
	var trig models.Trigger
	if err := c.BodyParser(&trig); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid trigger body: "+err.Error())
	}
	// processed_at is the only stable part of the idempotency key, so it
	// is never filled in here.
	if trig.ProcessedAt.IsZero() {
		return fiber.NewError(fiber.StatusBadRequest, "invalid trigger: processed_at: required")
	}

	if c.QueryBool("async") {
		return s.triggerAsync(c, trig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)
	defer cancel()
	res, err := s.runner.Run(ctx, trig)
	if err != nil {
		var ite *orchestrator.InvalidTriggerError
		if errors.As(err, &ite) {
			return fiber.NewError(fiber.StatusBadRequest, ite.Error())
		}
		return err
	}
	return c.JSON(res)
}

// triggerAsync acknowledges the delivery and runs in the background.
// Duplicate deliveries are absorbed by the run's idempotency claim.
func (s *Server) triggerAsync(c *fiber.Ctx, trig models.Trigger) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fiber.NewError(fiber.StatusServiceUnavailable, "shutting down")
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RunTimeout)
		defer cancel()
		res, err := s.runner.Run(ctx, trig)
		if err != nil {
			s.log.Error("background run failed", "company_id", trig.CompanyID, "err", err)
			return
		}
		s.log.Info("background run done", "key", res.Key, "status", res.Status)
	}()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"key": trig.IdempotencyKey(), "status": "accepted"})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) stop(c *fiber.Ctx) error {
	var req stopRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid stop body: "+err.Error())
		}
	}
	run, err := s.stopper.Stop(c.UserContext(), c.Params("id"), req.Reason)
	switch {
	case errors.Is(err, sequencer.ErrUnknownRun):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, sequencer.ErrTerminal):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error(), "run": newRunView(run)})
	case err != nil:
		return err
	}
	return c.JSON(fiber.Map{"run": newRunView(run)})
}

func (s *Server) sequence(c *fiber.Ctx) error {
	ctx := c.UserContext()
	run, err := s.st.Run(ctx, c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "unknown sequence run")
	}
	if err != nil {
		return err
	}
	logs, err := s.st.ActionLogs(ctx, run.ID)
	if err != nil {
		return err
	}
	actions := make([]actionView, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, actionView{Action: string(l.Action), Detail: l.Detail, At: l.CreatedAt})
	}
	return c.JSON(fiber.Map{"run": newRunView(run), "actions": actions})
}

func (s *Server) budget(c *fiber.Ctx) error {
	b, err := s.budgets.Snapshot(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(newBudgetView(b))
}

type runView struct {
	ID              string     `json:"id"`
	ContactID       string     `json:"contact_id"`
	OperatorID      string     `json:"operator_id"`
	CompanyID       string     `json:"company_id"`
	ProfileID       string     `json:"profile_id"`
	State           string     `json:"state"`
	StallReason     string     `json:"stall_reason,omitempty"`
	NextActionAt    *time.Time `json:"next_action_at,omitempty"`
	RetryCount      int        `json:"retry_count"`
	RescheduleCount int        `json:"reschedule_count"`
	LastError       string     `json:"last_error,omitempty"`
	InvitedAt       *time.Time `json:"invited_at,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	FollowUpSentAt  *time.Time `json:"follow_up_sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func newRunView(r models.SequenceRun) runView {
	v := runView{
		ID:              r.ID,
		ContactID:       r.ContactID,
		OperatorID:      r.OperatorID,
		CompanyID:       r.CompanyID,
		ProfileID:       r.ProfileID,
		State:           string(r.State),
		StallReason:     string(r.StallReason),
		RetryCount:      r.RetryCount,
		RescheduleCount: r.RescheduleCount,
		LastError:       r.LastError,
		InvitedAt:       optTime(r.InvitedAt),
		ConnectedAt:     optTime(r.ConnectedAt),
		FollowUpSentAt:  optTime(r.FollowUpSentAt),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if !r.State.Terminal() {
		v.NextActionAt = optTime(r.NextActionAt)
	}
	return v
}

type actionView struct {
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type budgetView struct {
	OperatorID      string     `json:"operator_id"`
	DailyCount      int        `json:"daily_count"`
	DailyLimit      int        `json:"daily_limit"`
	DailyRemaining  int        `json:"daily_remaining"`
	DailyResetAt    time.Time  `json:"daily_reset_at"`
	WeeklyCount     int        `json:"weekly_count"`
	WeeklyLimit     int        `json:"weekly_limit"`
	WeeklyRemaining int        `json:"weekly_remaining"`
	WeeklyResetAt   time.Time  `json:"weekly_reset_at"`
	InviteSafeAfter *time.Time `json:"invite_safe_after,omitempty"`
	NextActionAt    *time.Time `json:"next_action_at,omitempty"`
}

func newBudgetView(b models.RateBudget) budgetView {
	return budgetView{
		OperatorID:      b.OperatorID,
		DailyCount:      b.DailyCount,
		DailyLimit:      b.DailyLimit,
		DailyRemaining:  b.DailyRemaining(),
		DailyResetAt:    b.DailyResetAt,
		WeeklyCount:     b.WeeklyCount,
		WeeklyLimit:     b.WeeklyLimit,
		WeeklyRemaining: b.WeeklyRemaining(),
		WeeklyResetAt:   b.WeeklyResetAt,
		InviteSafeAfter: optTime(b.InviteSafeAfter),
		NextActionAt:    optTime(b.NextActionAt),
	}
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
