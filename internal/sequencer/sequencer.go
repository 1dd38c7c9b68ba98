// Package sequencer drives each contact through the engagement state
// machine: like a post, schedule and send the invitation, then poll until
// the invitation is accepted. All pending work lives in sequence_runs, so
// a restarted process picks up where the last one stopped.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/outreach/internal/coord"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/stealth"
	"github.com/example/outreach/internal/store"
)

var (
	ErrTerminal   = errors.New("sequence run is terminal")
	ErrUnknownRun = errors.New("unknown sequence run")
)

// Transition is reported after every persisted state change. From is
// empty for a newly started run.
type Transition struct {
	Run  models.SequenceRun
	From models.SequenceState
	To   models.SequenceState
	At   time.Time
}

type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

type Options struct {
	MaxRetries     int
	MaxReschedules int
	RetryBase      time.Duration
	RetryMax       time.Duration
	PollInterval   time.Duration
	Jitter         time.Duration
	Active         stealth.Window
	Location       *time.Location
	NoteTemplate   string
	Concurrency    int
	Batch          int
	Now            func() time.Time
	Observer       Observer
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
}

type Sequencer struct {
	st      *store.Store
	lim     *ratelimit.Limiter
	locker  coord.Locker
	proxies proxy.Resolver
	opts    Options
	log     *logging.Logger

	mu       sync.Mutex
	observer Observer
	inflight map[string]map[*inflightStep]struct{}
	stopping map[string]int
}

type inflightStep struct{ cancel context.CancelFunc }

func New(st *store.Store, lim *ratelimit.Limiter, locker coord.Locker, proxies proxy.Resolver, opts Options) *Sequencer {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 5 * time.Minute
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 6 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 6 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Sequencer{
		st:       st,
		lim:      lim,
		locker:   locker,
		proxies:  proxies,
		opts:     opts,
		log:      opts.Logger.With("module", "sequencer"),
		observer: opts.Observer,
		inflight: map[string]map[*inflightStep]struct{}{},
		stopping: map[string]int{},
	}
}

// SetObserver replaces the transition observer. Call before the first
// Start or Step.
func (s *Sequencer) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func runLockKey(id string) string { return "run:" + id }

// Start persists a new run in the discovered state. A contact has at most
// one run; starting it again returns the existing run and false.
func (s *Sequencer) Start(ctx context.Context, run models.SequenceRun) (models.SequenceRun, bool, error) {
	if run.ContactID == "" || run.OperatorID == "" || run.ProfileID == "" {
		return run, false, errors.New("start: contact, operator and profile are required")
	}
	now := s.opts.Now()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.State = models.StateDiscovered
	run.NextActionAt = s.activeAt(now)
	run.RetryCount, run.RescheduleCount = 0, 0
	run.StallReason, run.ReservationID, run.LastError = models.StallNone, "", ""
	run.CreatedAt, run.UpdatedAt = now, now

	stored, created, err := s.st.CreateRun(ctx, run)
	if err != nil {
		return stored, false, err
	}
	if created {
		s.opts.Metrics.RecordTransition("", string(models.StateDiscovered))
		s.log.Info("sequence started", "run_id", stored.ID, "contact_id", stored.ContactID, "operator", stored.OperatorID)
		s.notify(ctx, Transition{Run: stored, To: models.StateDiscovered, At: now})
	}
	return stored, created, nil
}

// Step performs the run's next action if it is due. Not-due runs are left
// alone. Stop cancels a Step in flight.
func (s *Sequencer) Step(ctx context.Context, runID string) error {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tok := s.track(runID, cancel)
	defer s.untrack(runID, tok)

	lockCtx, unlock, err := s.locker.Lock(stepCtx, runLockKey(runID))
	if err != nil {
		return err
	}
	defer unlock()
	// Writes use a context Stop cannot cancel so the outcome of a call
	// that already happened is still recorded.
	pctx := context.WithoutCancel(lockCtx)

	run, err := s.load(pctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return ErrTerminal
	}
	if s.isStopping(runID) {
		return context.Canceled
	}
	if err := lockCtx.Err(); err != nil {
		return err
	}

	now := s.opts.Now()
	if run.NextActionAt.After(now) {
		return nil
	}
	if !s.opts.Active.Contains(now.In(s.opts.Location)) {
		run.NextActionAt = s.activeAt(now)
		return s.save(pctx, &run, now)
	}
	if run.ReservationID != "" {
		s.releaseHeld(pctx, &run)
	}

	px, err := s.proxies(run.OperatorID)
	if err != nil {
		return fmt.Errorf("proxy for operator %s: %w", run.OperatorID, err)
	}
	a := &attempt{ctx: lockCtx, pctx: pctx, px: px, run: &run, now: now}
	switch run.State {
	case models.StateDiscovered:
		return s.like(a)
	case models.StateLiked:
		return s.schedule(a)
	case models.StateInvitationScheduled:
		return s.invite(a)
	case models.StateInvitationSent:
		// Crashed between the two transitions.
		return s.advance(a, models.StateAwaitingAcceptance, s.nextPoll(now))
	case models.StateAwaitingAcceptance:
		return s.poll(a)
	}
	return fmt.Errorf("run %s: unexpected state %q", run.ID, run.State)
}

// Stop moves a non-terminal run to stalled with reason stopped. A step in
// flight is cancelled first and any uncommitted reservation is released.
func (s *Sequencer) Stop(ctx context.Context, runID, reason string) (models.SequenceRun, error) {
	s.beginStop(runID)
	defer s.endStop(runID)

	ctx, unlock, err := s.locker.Lock(ctx, runLockKey(runID))
	if err != nil {
		return models.SequenceRun{}, err
	}
	defer unlock()

	run, err := s.load(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.State.Terminal() {
		return run, ErrTerminal
	}
	now := s.opts.Now()
	if run.ReservationID != "" {
		s.releaseHeld(ctx, &run)
	}
	if reason == "" {
		reason = "stopped by operator"
	}
	if err := s.stall(ctx, &run, models.StallStopped, errors.New(reason), now); err != nil {
		return run, err
	}
	return run, nil
}

// Sweep steps every due run, at most Concurrency at a time. It returns
// how many steps completed without error.
func (s *Sequencer) Sweep(ctx context.Context) (int, error) {
	began := time.Now()
	runs, err := s.st.DueRuns(ctx, s.opts.Now(), s.opts.Batch)
	if err != nil {
		return 0, fmt.Errorf("load due runs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	var stepped atomic.Int32
	for _, r := range runs {
		g.Go(func() error {
			err := s.Step(ctx, r.ID)
			switch {
			case err == nil:
				stepped.Add(1)
			case errors.Is(err, ErrTerminal), errors.Is(err, context.Canceled):
			default:
				s.log.Warn("step failed", "run_id", r.ID, "state", r.State, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.opts.Metrics.ObserveSweep(time.Since(began).Seconds())
	if counts, err := s.st.CountRunsByState(ctx, ""); err == nil {
		gauge := make(map[string]int, len(counts))
		for state, n := range counts {
			gauge[string(state)] = n
		}
		s.opts.Metrics.SetSequences(gauge)
	}
	return int(stepped.Load()), nil
}

// Recover releases reservations a previous process left pending and
// clears them from the runs that held them. Call once before Sweep.
func (s *Sequencer) Recover(ctx context.Context) (int, error) {
	released, err := s.lim.RecoverPending(ctx)
	if err != nil {
		return released, fmt.Errorf("recover reservations: %w", err)
	}
	runs, err := s.st.RunsHoldingReservations(ctx)
	if err != nil {
		return released, err
	}
	for _, r := range runs {
		r.ReservationID = ""
		r.UpdatedAt = s.opts.Now()
		if err := s.st.UpdateRun(ctx, r); err != nil {
			return released, fmt.Errorf("clear reservation of run %s: %w", r.ID, err)
		}
	}
	if released > 0 || len(runs) > 0 {
		s.log.Info("recovered after restart", "released", released, "runs", len(runs))
	}
	return released, nil
}

func (s *Sequencer) load(ctx context.Context, runID string) (models.SequenceRun, error) {
	run, err := s.st.Run(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return run, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return run, err
}

func (s *Sequencer) save(ctx context.Context, run *models.SequenceRun, now time.Time) error {
	run.UpdatedAt = now
	return s.st.UpdateRun(ctx, *run)
}

func (s *Sequencer) notify(ctx context.Context, t Transition) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.OnTransition(ctx, t)
	}
}

// releaseHeld releases a reservation recorded on the run by an attempt
// that never settled it.
func (s *Sequencer) releaseHeld(ctx context.Context, run *models.SequenceRun) {
	res, err := s.st.Reservation(ctx, run.ReservationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.log.Warn("load held reservation", "run_id", run.ID, "reservation", run.ReservationID, "err", err)
		return
	case res.Status == models.ReservationPending:
		if err := s.lim.Release(ctx, &res); err != nil && !errors.Is(err, ratelimit.ErrDoubleRelease) && !errors.Is(err, ratelimit.ErrAlreadySettled) {
			s.log.Warn("release held reservation", "run_id", run.ID, "reservation", res.ID, "err", err)
			return
		}
	}
	run.ReservationID = ""
}

func (s *Sequencer) activeAt(t time.Time) time.Time {
	if s.opts.Active == (stealth.Window{}) {
		return t
	}
	return s.opts.Active.Next(t.In(s.opts.Location))
}

func (s *Sequencer) nextPoll(now time.Time) time.Time {
	return s.activeAt(now.Add(s.opts.PollInterval + stealth.Jitter(s.opts.Jitter)))
}

func (s *Sequencer) track(runID string, cancel context.CancelFunc) *inflightStep {
	tok := &inflightStep{cancel: cancel}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[runID] == nil {
		s.inflight[runID] = map[*inflightStep]struct{}{}
	}
	s.inflight[runID][tok] = struct{}{}
	return tok
}

func (s *Sequencer) untrack(runID string, tok *inflightStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight[runID], tok)
	if len(s.inflight[runID]) == 0 {
		delete(s.inflight, runID)
	}
}

func (s *Sequencer) beginStop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping[runID]++
	for tok := range s.inflight[runID] {
		tok.cancel()
	}
}

func (s *Sequencer) endStop(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping[runID]--; s.stopping[runID] <= 0 {
		delete(s.stopping, runID)
	}
}

func (s *Sequencer) isStopping(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping[runID] > 0
}
