package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/outreach/internal/logging"
)

// FollowUpSender is the follow-up job the worker schedules next to the
// sweep.
type FollowUpSender interface {
	SendFollowUps(ctx context.Context) (int, error)
}

type WorkerOptions struct {
	SweepEvery    time.Duration
	FollowUpEvery time.Duration
	Location      *time.Location
	Logger        *logging.Logger
}

// Worker runs Sweep and the follow-up job on cron schedules. Overlapping
// ticks are skipped.
type Worker struct {
	seq       *Sequencer
	followUps FollowUpSender
	opts      WorkerOptions
	cron      *cron.Cron
	cancel    context.CancelFunc
	log       *logging.Logger
}

func NewWorker(seq *Sequencer, followUps FollowUpSender, opts WorkerOptions) *Worker {
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 30 * time.Second
	}
	if opts.FollowUpEvery <= 0 {
		opts.FollowUpEvery = 10 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Worker{seq: seq, followUps: followUps, opts: opts, log: opts.Logger.With("module", "worker")}
}

// Start recovers state left by a previous process, then schedules the
// jobs. They run until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.seq.Recover(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.cron = cron.New(
		cron.WithLocation(w.opts.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := w.cron.AddFunc(every(w.opts.SweepEvery), func() { w.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	if w.followUps != nil {
		if _, err := w.cron.AddFunc(every(w.opts.FollowUpEvery), func() { w.followUp(runCtx) }); err != nil {
			cancel()
			return fmt.Errorf("schedule follow-ups: %w", err)
		}
	}
	w.cron.Start()
	w.log.Info("worker started", "sweep_every", w.opts.SweepEvery, "follow_up_every", w.opts.FollowUpEvery)

	go func() {
		<-runCtx.Done()
		w.Stop()
	}()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// Tick runs one sweep. The CLI uses it for single-shot processing.
func (w *Worker) Tick(ctx context.Context) int {
	n, err := w.seq.Sweep(ctx)
	if err != nil {
		w.log.Error("sweep failed", "err", err)
	}
	if n > 0 {
		w.log.Info("sweep done", "stepped", n)
	}
	return n
}

func (w *Worker) followUp(ctx context.Context) {
	if _, err := w.followUps.SendFollowUps(ctx); err != nil {
		w.log.Error("follow-ups failed", "err", err)
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
