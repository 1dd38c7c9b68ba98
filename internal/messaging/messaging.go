// Package messaging renders invitation notes and sends the follow-up
// message to contacts that accepted.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/store"
)

type Options struct {
	// Template is the follow-up text. Empty disables follow-ups.
	Template string
	// Delay is how long after acceptance the follow-up goes out.
	Delay time.Duration
	Batch int
	Now   func() time.Time
	// Sent, when set, is called after each delivered follow-up.
	Sent   func(ctx context.Context, run models.SequenceRun)
	Logger *logging.Logger
}

type Service struct {
	st      *store.Store
	lim     *ratelimit.Limiter
	proxies proxy.Resolver
	opts    Options
	log     *logging.Logger
}

func New(st *store.Store, lim *ratelimit.Limiter, proxies proxy.Resolver, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{st: st, lim: lim, proxies: proxies, opts: opts, log: opts.Logger.With("module", "messaging")}
}

// SendFollowUps messages connected contacts that have not had a
// follow-up yet. An operator refused by pacing or quota is skipped until
// the next call.
func (s *Service) SendFollowUps(ctx context.Context) (int, error) {
	if s.opts.Template == "" {
		return 0, nil
	}
	now := s.opts.Now()
	runs, err := s.st.ConnectedWithoutFollowUp(ctx, now.Add(-s.opts.Delay), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("load follow-ups: %w", err)
	}

	blocked := map[string]bool{}
	sent := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if blocked[run.OperatorID] {
			continue
		}
		err := s.sendOne(ctx, run)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ratelimit.ErrQuotaExceeded), errors.Is(err, ratelimit.ErrActionPacing):
			blocked[run.OperatorID] = true
		default:
			s.log.Warn("follow-up failed", "run_id", run.ID, "operator", run.OperatorID, "err", err)
		}
	}
	if sent > 0 {
		s.log.Info("follow-ups sent", "count", sent)
	}
	return sent, nil
}

func (s *Service) sendOne(ctx context.Context, run models.SequenceRun) error {
	px, err := s.proxies(run.OperatorID)
	if err != nil {
		return err
	}
	res, err := s.lim.Reserve(ctx, ratelimit.Request{OperatorID: run.OperatorID, Action: models.ActionMessage})
	if err != nil {
		return err
	}

	text := Render(s.opts.Template, VarsFor(run))
	if err := px.SendMessage(ctx, run.ProfileID, text); err != nil {
		if rerr := s.lim.Release(context.WithoutCancel(ctx), res); rerr != nil {
			s.log.Error("release message reservation", "reservation", res.ID, "err", rerr)
		}
		if proxy.IsFatal(err) {
			// Not retried on later ticks.
			run.FollowUpSentAt = s.opts.Now()
			run.LastError = "follow-up: " + err.Error()
			run.UpdatedAt = run.FollowUpSentAt
			if uerr := s.st.UpdateRun(ctx, run); uerr != nil {
				s.log.Error("mark follow-up failed", "run_id", run.ID, "err", uerr)
			}
		}
		return err
	}
	if err := s.lim.Commit(ctx, res); err != nil {
		s.log.Error("commit message reservation", "reservation", res.ID, "err", err)
	}

	now := s.opts.Now()
	run.FollowUpSentAt = now
	run.UpdatedAt = now
	if err := s.st.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("mark follow-up sent: %w", err)
	}
	if err := s.st.LogAction(ctx, models.ActionLog{RunID: run.ID, OperatorID: run.OperatorID, Action: models.ActionMessage, Detail: text, CreatedAt: now}); err != nil {
		s.log.Warn("log follow-up", "run_id", run.ID, "err", err)
	}
	if s.opts.Sent != nil {
		s.opts.Sent(ctx, run)
	}
	return nil
}
