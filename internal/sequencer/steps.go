package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/example/outreach/internal/messaging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/stealth"
)

// attempt carries one step. ctx is cancelled by Stop and is used for
// external calls; pctx is used for persistence.
type attempt struct {
	ctx  context.Context
	pctx context.Context
	px   proxy.Client
	run  *models.SequenceRun
	now  time.Time
}

// like is best effort: no posts, a profile the proxy cannot find, or a
// post that is gone by the time it is liked still advances.
func (s *Sequencer) like(a *attempt) error {
	res, err := s.lim.Reserve(a.pctx, ratelimit.Request{OperatorID: a.run.OperatorID, Action: models.ActionLike})
	if err != nil {
		return s.refused(a, err)
	}

	posts, err := a.px.GetRecentPosts(a.ctx, a.run.ProfileID, 3)
	if errors.Is(err, proxy.ErrNotFound) {
		posts, err = nil, nil
	}
	if err == nil && len(posts) > 0 {
		id := posts[0].SocialID
		if id == "" {
			id = posts[0].ID
		}
		err = a.px.LikePost(a.ctx, id)
		if errors.Is(err, proxy.ErrNotFound) {
			s.log.Info("post gone, skipping like", "run_id", a.run.ID, "post_id", id)
			posts, err = nil, nil
		}
	}
	if err != nil {
		s.release(a, res)
		return s.failed(a, err)
	}

	if len(posts) == 0 {
		s.release(a, res)
		s.log.Info("no likeable post, skipping like", "run_id", a.run.ID)
	} else {
		s.commit(a, res)
		s.logAction(a, models.ActionLike, posts[0].ID)
	}
	return s.advance(a, models.StateLiked, a.now)
}

// schedule picks the invitation time: the earliest moment the operator's
// budget allows, plus jitter.
func (s *Sequencer) schedule(a *attempt) error {
	at := a.now
	earliest, err := s.lim.EarliestInvite(a.pctx, a.run.OperatorID)
	if err != nil {
		return err
	}
	if earliest.After(at) {
		at = earliest
	}
	return s.advance(a, models.StateInvitationScheduled, s.activeAt(at.Add(stealth.Jitter(s.opts.Jitter))))
}

func (s *Sequencer) invite(a *attempt) error {
	res, err := s.lim.Reserve(a.pctx, ratelimit.Request{OperatorID: a.run.OperatorID, Action: models.ActionInvite, Count: 1})
	if err != nil {
		return s.refused(a, err)
	}
	// Recorded before the call so a crash leaves a reservation recovery
	// can find.
	a.run.ReservationID = res.ID
	if err := s.save(a.pctx, a.run, a.now); err != nil {
		s.release(a, res)
		return err
	}

	note := messaging.Note(s.opts.NoteTemplate, *a.run)
	err = a.px.SendInvitation(a.ctx, a.run.ProfileID, note)
	detail := note
	if errors.Is(err, proxy.ErrAlreadyInvited) {
		s.log.Info("invitation already pending", "run_id", a.run.ID)
		err, detail = nil, "already invited"
	}
	if err != nil {
		s.release(a, res)
		a.run.ReservationID = ""
		return s.failed(a, err)
	}

	s.commit(a, res)
	a.run.ReservationID = ""
	a.run.InvitedAt = a.now
	s.logAction(a, models.ActionInvite, detail)
	if err := s.advance(a, models.StateInvitationSent, a.now); err != nil {
		return err
	}
	return s.advance(a, models.StateAwaitingAcceptance, s.nextPoll(a.now))
}

// poll checks the connection once. Waiting is unbounded, so transient
// errors only delay the next poll.
func (s *Sequencer) poll(a *attempt) error {
	if _, err := s.lim.Reserve(a.pctx, ratelimit.Request{OperatorID: a.run.OperatorID, Action: models.ActionCheck}); err != nil {
		at, ok := ratelimit.RetryAfter(err)
		if !ok {
			return err
		}
		a.run.NextActionAt = s.activeAt(at)
		return s.save(a.pctx, a.run, a.now)
	}

	status, err := a.px.GetConnectionStatus(a.ctx, a.run.ProfileID)
	if err != nil {
		if cerr := a.ctx.Err(); cerr != nil {
			return cerr
		}
		if proxy.IsFatal(err) || errors.Is(err, proxy.ErrNotFound) {
			return s.stall(a.pctx, a.run, models.StallProxyFatal, err, a.now)
		}
		a.run.RetryCount++
		a.run.LastError = err.Error()
		a.run.NextActionAt = s.activeAt(a.now.Add(stealth.Backoff(s.opts.RetryBase, s.opts.PollInterval, a.run.RetryCount)))
		s.log.Warn("connection check failed", "run_id", a.run.ID, "attempt", a.run.RetryCount, "err", err)
		return s.save(a.pctx, a.run, a.now)
	}

	s.logAction(a, models.ActionCheck, string(status))
	if status == models.ConnectionConnected {
		a.run.ConnectedAt = a.now
		return s.advance(a, models.StateConnected, a.now)
	}
	a.run.RetryCount = 0
	a.run.LastError = ""
	a.run.NextActionAt = s.nextPoll(a.now)
	return s.save(a.pctx, a.run, a.now)
}

// refused turns a quota or pacing refusal into a reschedule. Only quota
// refusals count toward MaxReschedules; pacing always clears.
func (s *Sequencer) refused(a *attempt, err error) error {
	at, ok := ratelimit.RetryAfter(err)
	if !ok {
		return err
	}
	a.run.LastError = err.Error()
	if errors.Is(err, ratelimit.ErrQuotaExceeded) {
		a.run.RescheduleCount++
		if s.opts.MaxReschedules > 0 && a.run.RescheduleCount > s.opts.MaxReschedules {
			return s.stall(a.pctx, a.run, models.StallQuotaStarved, err, a.now)
		}
	} else {
		at = at.Add(stealth.Jitter(s.opts.Jitter))
	}
	a.run.NextActionAt = s.activeAt(at)
	s.log.Info("action deferred", "run_id", a.run.ID, "state", a.run.State, "until", a.run.NextActionAt, "reason", err)
	return s.save(a.pctx, a.run, a.now)
}

// failed handles a proxy error after the reservation was released.
func (s *Sequencer) failed(a *attempt, err error) error {
	if cerr := a.ctx.Err(); cerr != nil {
		a.run.LastError = err.Error()
		if serr := s.save(a.pctx, a.run, a.now); serr != nil {
			return serr
		}
		return cerr
	}
	if proxy.IsFatal(err) || errors.Is(err, proxy.ErrNotFound) {
		return s.stall(a.pctx, a.run, models.StallProxyFatal, err, a.now)
	}

	a.run.RetryCount++
	a.run.LastError = err.Error()
	if a.run.RetryCount > s.opts.MaxRetries {
		return s.stall(a.pctx, a.run, models.StallRetriesExhausted, err, a.now)
	}
	delay := stealth.Backoff(s.opts.RetryBase, s.opts.RetryMax, a.run.RetryCount)
	var te *proxy.TransientError
	if errors.As(err, &te) && te.RetryAfter > delay {
		delay = te.RetryAfter
	}
	a.run.NextActionAt = s.activeAt(a.now.Add(delay))
	s.log.Warn("step failed, retrying", "run_id", a.run.ID, "state", a.run.State, "attempt", a.run.RetryCount, "at", a.run.NextActionAt, "err", err)
	return s.save(a.pctx, a.run, a.now)
}

func (s *Sequencer) advance(a *attempt, to models.SequenceState, next time.Time) error {
	a.run.NextActionAt = next
	a.run.RetryCount, a.run.RescheduleCount = 0, 0
	a.run.LastError = ""
	return s.transition(a.pctx, a.run, to, a.now)
}

func (s *Sequencer) stall(ctx context.Context, run *models.SequenceRun, reason models.StallReason, cause error, now time.Time) error {
	run.StallReason = reason
	run.ReservationID = ""
	run.NextActionAt = now
	if cause != nil {
		run.LastError = cause.Error()
	}
	s.log.Warn("sequence stalled", "run_id", run.ID, "reason", reason, "err", cause)
	return s.transition(ctx, run, models.StateStalled, now)
}

func (s *Sequencer) transition(ctx context.Context, run *models.SequenceRun, to models.SequenceState, now time.Time) error {
	from := run.State
	run.State = to
	if err := s.save(ctx, run, now); err != nil {
		return err
	}
	s.opts.Metrics.RecordTransition(string(from), string(to))
	s.log.Info("sequence transition", "run_id", run.ID, "contact_id", run.ContactID, "from", from, "to", to)
	s.notify(ctx, Transition{Run: *run, From: from, To: to, At: now})
	return nil
}

func (s *Sequencer) commit(a *attempt, res *models.Reservation) {
	if err := s.lim.Commit(a.pctx, res); err != nil {
		s.log.Error("commit reservation", "run_id", a.run.ID, "reservation", res.ID, "err", err)
	}
}

func (s *Sequencer) release(a *attempt, res *models.Reservation) {
	if err := s.lim.Release(a.pctx, res); err != nil {
		s.log.Error("release reservation", "run_id", a.run.ID, "reservation", res.ID, "err", err)
	}
}

func (s *Sequencer) logAction(a *attempt, action models.Action, detail string) {
	if err := s.st.LogAction(a.pctx, models.ActionLog{RunID: a.run.ID, OperatorID: a.run.OperatorID, Action: action, Detail: detail, CreatedAt: a.now}); err != nil {
		s.log.Warn("log action", "run_id", a.run.ID, "action", action, "err", err)
	}
}
