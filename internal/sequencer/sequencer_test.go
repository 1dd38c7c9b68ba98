package sequencer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/coord"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
	"github.com/example/outreach/internal/proxy/proxytest"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/stealth"
	"github.com/example/outreach/internal/store"
)

// Wednesday 2024-03-06 10:00 UTC
var start = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu sync.Mutex
	ts []Transition
}

func (r *recorder) OnTransition(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, t)
}

func (r *recorder) states(runID string) []models.SequenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SequenceState
	for _, t := range r.ts {
		if t.Run.ID == runID {
			out = append(out, t.To)
		}
	}
	return out
}

type fixture struct {
	st     *store.Store
	lim    *ratelimit.Limiter
	seq    *Sequencer
	px     *proxytest.Fake
	clk    *clock
	events *recorder
}

func newFixture(t *testing.T, daily int, mutate func(*Options, *ratelimit.Options)) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "outreach.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{st: st, px: proxytest.NewFake(), clk: &clock{t: start}, events: &recorder{}}
	lopts := ratelimit.Options{
		Limits:              func(string) (int, int) { return daily, 150 },
		InviteBatchInterval: 15 * time.Minute,
		Now:                 f.clk.Now,
	}
	opts := Options{
		MaxRetries:     2,
		MaxReschedules: 5,
		RetryBase:      time.Minute,
		RetryMax:       10 * time.Minute,
		PollInterval:   time.Hour,
		NoteTemplate:   "Hi {{Name}}, saw your work at {{Company}}.",
		Concurrency:    4,
		Now:            f.clk.Now,
		Observer:       f.events,
	}
	if mutate != nil {
		mutate(&opts, &lopts)
	}
	locker := coord.NewLocalLocker()
	f.lim = ratelimit.New(st, locker, lopts)
	f.seq = New(st, f.lim, locker, func(string) (proxy.Client, error) { return f.px, nil }, opts)
	return f
}

func (f *fixture) start(t *testing.T, contact, profile string) models.SequenceRun {
	t.Helper()
	run, created, err := f.seq.Start(context.Background(), models.SequenceRun{
		ContactID:   contact,
		OperatorID:  "111",
		CompanyID:   "42",
		ProfileID:   profile,
		LeadName:    "Jane Doe",
		CompanyName: "Acme",
	})
	require.NoError(t, err)
	require.True(t, created)
	return run
}

// seed stores a run directly in state, due at next.
func (f *fixture) seed(t *testing.T, id string, state models.SequenceState, next time.Time) models.SequenceRun {
	t.Helper()
	run := models.SequenceRun{
		ID: id, ContactID: "c-" + id, OperatorID: "111", CompanyID: "42", ProfileID: "p-" + id,
		LeadName: "Jane Doe", CompanyName: "Acme", State: state, NextActionAt: next,
		CreatedAt: start, UpdatedAt: start,
	}
	_, _, err := f.st.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return run
}

func (f *fixture) run(t *testing.T, id string) models.SequenceRun {
	t.Helper()
	r, err := f.st.Run(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.px.AddPosts("p1", proxy.Post{ID: "post-1", SocialID: "urn:li:activity:1"})
	run := f.start(t, "c1", "p1")

	_, created, err := f.seq.Start(ctx, models.SequenceRun{ContactID: "c1", OperatorID: "111", ProfileID: "p1"})
	require.NoError(t, err)
	assert.False(t, created, "one run per contact")

	for i := 0; i < 3; i++ {
		_, err := f.seq.Sweep(ctx)
		require.NoError(t, err)
	}
	r := f.run(t, run.ID)
	assert.Equal(t, models.StateAwaitingAcceptance, r.State)
	assert.Equal(t, start, r.InvitedAt)
	assert.Equal(t, start.Add(time.Hour), r.NextActionAt)
	assert.Empty(t, r.ReservationID)

	likes := f.px.CallsFor("like_post")
	require.Len(t, likes, 1)
	assert.Equal(t, "urn:li:activity:1", likes[0].ProfileID)
	invites := f.px.CallsFor("send_invitation")
	require.Len(t, invites, 1)
	assert.Equal(t, "Hi Jane, saw your work at Acme.", invites[0].Text)

	b, err := f.lim.Snapshot(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, 1, b.DailyCount)
	assert.Equal(t, start.Add(15*time.Minute), b.InviteSafeAfter)

	n, err := f.seq.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing due before the poll interval")

	f.clk.Add(time.Hour)
	_, err = f.seq.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingAcceptance, f.run(t, run.ID).State)

	f.px.SetStatus("p1", models.ConnectionConnected)
	f.clk.Add(time.Hour)
	_, err = f.seq.Sweep(ctx)
	require.NoError(t, err)
	r = f.run(t, run.ID)
	assert.Equal(t, models.StateConnected, r.State)
	assert.Equal(t, start.Add(2*time.Hour), r.ConnectedAt)

	assert.Equal(t, []models.SequenceState{
		models.StateDiscovered,
		models.StateLiked,
		models.StateInvitationScheduled,
		models.StateInvitationSent,
		models.StateAwaitingAcceptance,
		models.StateConnected,
	}, f.events.states(run.ID))
	assert.ErrorIs(t, f.seq.Step(ctx, run.ID), ErrTerminal)
}

func TestLikeWithoutPostsPassesThrough(t *testing.T) {
	f := newFixture(t, 20, nil)
	run := f.start(t, "c1", "p1")

	require.NoError(t, f.seq.Step(context.Background(), run.ID))
	assert.Equal(t, models.StateLiked, f.run(t, run.ID).State)
	assert.Empty(t, f.px.CallsFor("like_post"))
}

func TestLikeOfVanishedPostPassesThrough(t *testing.T) {
	f := newFixture(t, 20, nil)
	f.px.AddPosts("p1", proxy.Post{ID: "post-1", SocialID: "urn:li:activity:1"})
	f.px.FailNext("like_post", proxy.ErrNotFound)
	run := f.start(t, "c1", "p1")

	require.NoError(t, f.seq.Step(context.Background(), run.ID))
	r := f.run(t, run.ID)
	assert.Equal(t, models.StateLiked, r.State)
	assert.Zero(t, r.RetryCount)
	assert.Empty(t, r.ReservationID)
	assert.Empty(t, r.StallReason)
	assert.Len(t, f.px.CallsFor("like_post"), 1)
}

func TestLikeTransientRetriesThenStalls(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	run := f.start(t, "c1", "p1")
	transient := &proxy.TransientError{Op: "get_recent_posts", Status: 503, Err: errors.New("unavailable")}
	f.px.FailNext("get_recent_posts", transient, transient, transient)

	for i := 1; i <= 2; i++ {
		require.NoError(t, f.seq.Step(ctx, run.ID))
		r := f.run(t, run.ID)
		assert.Equal(t, models.StateDiscovered, r.State)
		assert.Equal(t, i, r.RetryCount)
		assert.True(t, r.NextActionAt.After(f.clk.Now()))

		require.NoError(t, f.seq.Step(ctx, run.ID))
		assert.Len(t, f.px.CallsFor("get_recent_posts"), i, "not due yet")
		f.clk.Add(time.Hour)
	}

	require.NoError(t, f.seq.Step(ctx, run.ID))
	r := f.run(t, run.ID)
	assert.Equal(t, models.StateStalled, r.State)
	assert.Equal(t, models.StallRetriesExhausted, r.StallReason)
	assert.Contains(t, r.LastError, "unavailable")
}

func TestScheduledInviteWaitsForTimeAndBatchInterval(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.seed(t, "r1", models.StateInvitationScheduled, start)
	f.seed(t, "r2", models.StateInvitationScheduled, start.Add(time.Minute))

	_, err := f.seq.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, f.px.CallsFor("send_invitation"), 1)
	assert.Equal(t, models.StateAwaitingAcceptance, f.run(t, "r1").State)
	assert.Equal(t, models.StateInvitationScheduled, f.run(t, "r2").State, "scheduled in the future")

	f.clk.Add(time.Minute)
	_, err = f.seq.Sweep(ctx)
	require.NoError(t, err)
	r2 := f.run(t, "r2")
	assert.Equal(t, models.StateInvitationScheduled, r2.State)
	assert.Equal(t, start.Add(15*time.Minute), r2.NextActionAt, "deferred to invite_safe_after")
	assert.Zero(t, r2.RescheduleCount, "pacing does not count as a reschedule")
	assert.Len(t, f.px.CallsFor("send_invitation"), 1)

	f.clk.Add(14 * time.Minute)
	_, err = f.seq.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingAcceptance, f.run(t, "r2").State)
	assert.Len(t, f.px.CallsFor("send_invitation"), 2)
}

func TestConcurrentInvitesSendOnePerBatch(t *testing.T) {
	f := newFixture(t, 20, nil)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		f.seed(t, id, models.StateInvitationScheduled, start)
	}
	_, err := f.seq.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.px.CallsFor("send_invitation"), 1)
}

func TestQuotaRefusalReschedulesToDailyReset(t *testing.T) {
	f := newFixture(t, 1, func(_ *Options, l *ratelimit.Options) { l.InviteBatchInterval = 0 })
	ctx := context.Background()
	f.seed(t, "r1", models.StateInvitationScheduled, start)
	require.NoError(t, f.seq.Step(ctx, "r1"))

	f.seed(t, "r2", models.StateInvitationScheduled, start)
	require.NoError(t, f.seq.Step(ctx, "r2"))

	assert.Len(t, f.px.CallsFor("send_invitation"), 1)
	r2 := f.run(t, "r2")
	assert.Equal(t, models.StateInvitationScheduled, r2.State)
	assert.Equal(t, time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC), r2.NextActionAt.UTC())
	assert.Equal(t, 0, r2.RetryCount)
	assert.Equal(t, 1, r2.RescheduleCount)
}

func TestQuotaStarvedAfterMaxReschedules(t *testing.T) {
	f := newFixture(t, 1, func(o *Options, l *ratelimit.Options) {
		o.MaxReschedules = 1
		l.InviteBatchInterval = 0
	})
	ctx := context.Background()
	f.seed(t, "r1", models.StateInvitationScheduled, start)
	require.NoError(t, f.seq.Step(ctx, "r1"))

	f.seed(t, "r2", models.StateInvitationScheduled, start)
	require.NoError(t, f.seq.Step(ctx, "r2"))

	// Still exhausted when it comes due again.
	r2 := f.run(t, "r2")
	r2.NextActionAt = start
	require.NoError(t, f.st.UpdateRun(ctx, r2))
	require.NoError(t, f.seq.Step(ctx, "r2"))

	r2 = f.run(t, "r2")
	assert.Equal(t, models.StateStalled, r2.State)
	assert.Equal(t, models.StallQuotaStarved, r2.StallReason)
}

func TestAlreadyInvitedCountsAsSent(t *testing.T) {
	f := newFixture(t, 20, nil)
	f.seed(t, "r1", models.StateInvitationScheduled, start)
	f.px.FailNext("send_invitation", proxy.ErrAlreadyInvited)

	require.NoError(t, f.seq.Step(context.Background(), "r1"))
	assert.Equal(t, models.StateAwaitingAcceptance, f.run(t, "r1").State)
	b, err := f.lim.Snapshot(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, 1, b.DailyCount)
}

func TestInviteFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.seed(t, "r1", models.StateInvitationScheduled, start)
	f.seed(t, "r2", models.StateInvitationScheduled, start)
	f.px.FailNext("send_invitation",
		&proxy.TransientError{Op: "send_invitation", Status: 502, Err: errors.New("bad gateway")},
		&proxy.FatalError{Op: "send_invitation", Status: 401, Err: errors.New("unauthorized")},
	)

	require.NoError(t, f.seq.Step(ctx, "r1"))
	r1 := f.run(t, "r1")
	assert.Equal(t, models.StateInvitationScheduled, r1.State)
	assert.Equal(t, 1, r1.RetryCount)
	assert.Empty(t, r1.ReservationID)

	require.NoError(t, f.seq.Step(ctx, "r2"))
	r2 := f.run(t, "r2")
	assert.Equal(t, models.StateStalled, r2.State)
	assert.Equal(t, models.StallProxyFatal, r2.StallReason)

	b, err := f.lim.Snapshot(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, 0, b.DailyCount)
	assert.True(t, b.InviteSafeAfter.IsZero())
}

func TestAwaitTransientErrorDoesNotStall(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.seed(t, "r1", models.StateAwaitingAcceptance, start)
	transient := &proxy.TransientError{Op: "get_connection_status", Status: 503, Err: errors.New("unavailable")}
	f.px.FailNext("get_connection_status", transient, transient, transient, transient)

	for i := 0; i < 4; i++ {
		require.NoError(t, f.seq.Step(ctx, "r1"))
		f.clk.Add(2 * time.Hour)
	}
	r := f.run(t, "r1")
	assert.Equal(t, models.StateAwaitingAcceptance, r.State)
	assert.Equal(t, 4, r.RetryCount)

	f.px.SetStatus("p-r1", models.ConnectionConnected)
	require.NoError(t, f.seq.Step(ctx, "r1"))
	assert.Equal(t, models.StateConnected, f.run(t, "r1").State)
}

func TestStopInEveryNonTerminalState(t *testing.T) {
	states := []models.SequenceState{
		models.StateDiscovered,
		models.StateLiked,
		models.StateInvitationScheduled,
		models.StateInvitationSent,
		models.StateAwaitingAcceptance,
	}
	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t, 20, nil)
			ctx := context.Background()
			f.seed(t, "r1", state, start)

			run, err := f.seq.Stop(ctx, "r1", "operator cancelled")
			require.NoError(t, err)
			assert.Equal(t, models.StateStalled, run.State)
			assert.Equal(t, models.StallStopped, run.StallReason)

			assert.ErrorIs(t, f.seq.Step(ctx, "r1"), ErrTerminal)
			_, err = f.seq.Sweep(ctx)
			require.NoError(t, err)
			assert.Empty(t, f.px.Calls(), "no external calls after stop")
			assert.Equal(t, []models.SequenceState{models.StateStalled}, f.events.states("r1"))
		})
	}
}

func TestStopTerminalAndUnknown(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.seed(t, "r1", models.StateConnected, start)

	_, err := f.seq.Stop(ctx, "r1", "")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.seq.Stop(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestStopCancelsInFlightInvite(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.seed(t, "r1", models.StateInvitationScheduled, start)
	f.seed(t, "r2", models.StateAwaitingAcceptance, start.Add(time.Hour))

	entered := make(chan struct{})
	f.px.Hook = func(ctx context.Context, op, _ string) error {
		if op == "send_invitation" {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- f.seq.Step(ctx, "r1") }()
	<-entered

	run, err := f.seq.Stop(ctx, "r1", "operator cancelled")
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, models.StateStalled, run.State)
	assert.Equal(t, models.StallStopped, run.StallReason)
	assert.Empty(t, run.ReservationID)

	b, err := f.lim.Snapshot(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, 0, b.DailyCount, "uncommitted reservation released")
	assert.Equal(t, models.StateAwaitingAcceptance, f.run(t, "r2").State, "siblings unaffected")
}

func TestRecoverReleasesHeldReservations(t *testing.T) {
	f := newFixture(t, 20, nil)
	ctx := context.Background()
	f.seed(t, "r1", models.StateInvitationScheduled, start)

	res, err := f.lim.Reserve(ctx, ratelimit.Request{OperatorID: "111", Action: models.ActionInvite, Count: 1})
	require.NoError(t, err)
	r1 := f.run(t, "r1")
	r1.ReservationID = res.ID
	require.NoError(t, f.st.UpdateRun(ctx, r1))

	n, err := f.seq.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.run(t, "r1").ReservationID)

	b, err := f.lim.Snapshot(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, 0, b.DailyCount)

	require.NoError(t, f.seq.Step(ctx, "r1"))
	assert.Equal(t, models.StateAwaitingAcceptance, f.run(t, "r1").State)
}

func TestScheduleHonoursEarliestInviteAndActiveWindow(t *testing.T) {
	f := newFixture(t, 20, func(o *Options, _ *ratelimit.Options) {
		o.Active = stealth.Window{Start: "09:00", End: "17:00"}
	})
	ctx := context.Background()

	res, err := f.lim.Reserve(ctx, ratelimit.Request{OperatorID: "111", Action: models.ActionInvite, Count: 1})
	require.NoError(t, err)
	require.NoError(t, f.lim.Commit(ctx, res))

	f.seed(t, "r1", models.StateLiked, start)
	require.NoError(t, f.seq.Step(ctx, "r1"))
	r := f.run(t, "r1")
	assert.Equal(t, models.StateInvitationScheduled, r.State)
	assert.True(t, r.NextActionAt.Equal(start.Add(15*time.Minute)))

	// Outside active hours nothing is sent; the run waits for the window.
	f.seed(t, "r2", models.StateDiscovered, start)
	f.clk.Add(8 * time.Hour)
	require.NoError(t, f.seq.Step(ctx, "r2"))
	r2 := f.run(t, "r2")
	assert.Equal(t, models.StateDiscovered, r2.State)
	assert.True(t, r2.NextActionAt.Equal(time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC)))
	assert.Empty(t, f.px.Calls())
}

func TestWorkerTick(t *testing.T) {
	f := newFixture(t, 20, nil)
	f.seed(t, "r1", models.StateLiked, start)
	f.seed(t, "r2", models.StateDiscovered, start.Add(time.Hour))

	w := NewWorker(f.seq, nil, WorkerOptions{})
	assert.Equal(t, 1, w.Tick(context.Background()))
	assert.Equal(t, models.StateInvitationScheduled, f.run(t, "r1").State)
	assert.Equal(t, models.StateDiscovered, f.run(t, "r2").State)
}
