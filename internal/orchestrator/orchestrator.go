// Package orchestrator runs one trigger end to end: discover leads for the
// company, reconcile them into CRM contacts and start a sequence for each.
// It also projects sequence transitions back onto the CRM contacts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/outreach/internal/coord"
	"github.com/example/outreach/internal/crm"
	"github.com/example/outreach/internal/discovery"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/reconcile"
	"github.com/example/outreach/internal/sequencer"
	"github.com/example/outreach/internal/store"
	"github.com/example/outreach/internal/tenant"
)

// InvalidTriggerError is returned before any side effect when a trigger
// cannot be processed.
type InvalidTriggerError struct {
	Field  string
	Reason string
}

func (e *InvalidTriggerError) Error() string {
	return fmt.Sprintf("invalid trigger: %s: %s", e.Field, e.Reason)
}

// Deduper is an optional edge claim in front of the trigger_runs table,
// shared between instances. Claim must let a claim that was never marked
// Done be taken over once the claim lease has passed.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Done(ctx context.Context, key string) error
	Forget(ctx context.Context, key string) error
}

type Options struct {
	SequenceName string
	SearchLimit  int
	// HandOffMessaging sets the CRM initiate-message flag on connection so
	// an external workflow sends the first message.
	HandOffMessaging bool
	Deduper          Deduper
	// ClaimLease is how long a running trigger claim blocks redeliveries.
	// It must outlast the longest run.
	ClaimLease time.Duration
	Now        func() time.Time
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

type Orchestrator struct {
	st      *store.Store
	tenants *tenant.Registry
	lim     *ratelimit.Limiter
	locker  coord.Locker
	seq     *sequencer.Sequencer
	opts    Options
	log     *logging.Logger
}

var _ sequencer.Observer = (*Orchestrator)(nil)

func New(st *store.Store, tenants *tenant.Registry, lim *ratelimit.Limiter, locker coord.Locker, seq *sequencer.Sequencer, opts Options) *Orchestrator {
	if opts.SequenceName == "" {
		opts.SequenceName = "outreach"
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 25
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Orchestrator{
		st:      st,
		tenants: tenants,
		lim:     lim,
		locker:  locker,
		seq:     seq,
		opts:    opts,
		log:     opts.Logger.With("module", "orchestrator"),
	}
}

// Run processes one trigger. Only an invalid trigger or an infrastructure
// failure returns an error; every other outcome is a RunResult status.
func (o *Orchestrator) Run(ctx context.Context, trig models.Trigger) (models.RunResult, error) {
	ten, op, personas, err := o.validate(trig)
	if err != nil {
		return models.RunResult{}, err
	}
	key := trig.IdempotencyKey()
	res := models.RunResult{Key: key}
	log := o.log.With("key", key, "company_id", trig.CompanyID, "operator", op.ID, "tenant", ten.Prefix)

	if dup, err := o.claim(ctx, trig, key); err != nil {
		return res, err
	} else if dup {
		log.Info("duplicate trigger ignored")
		res.Status = models.RunDuplicate
		o.opts.Metrics.RecordRun(string(res.Status))
		return res, nil
	}

	b, err := o.lim.Snapshot(ctx, op.ID)
	if err != nil {
		return o.abort(ctx, log, ten, trig.CompanyID, res, fmt.Errorf("load budget: %w", err))
	}
	if b.DailyRemaining() == 0 && b.WeeklyRemaining() == 0 {
		log.Info("operator budget exhausted, skipping")
		res.Status, res.Reason = models.RunSkipped, models.ReasonQuotaExhausted
		return o.finish(ctx, log, ten, trig.CompanyID, res), nil
	}

	company, err := ten.CRM.GetCompany(ctx, trig.CompanyID)
	if err != nil {
		log.Error("load company failed", "err", err)
		res.Status, res.Reason = models.RunFailed, models.ReasonCompanyUnavailable
		return o.finish(ctx, log, ten, trig.CompanyID, res), nil
	}
	company.OperatorID = op.ID
	company.PersonaSetRef = trig.PersonaSetRef
	company.ProcessedAt = trig.ProcessedAt

	disc := discovery.New(ten.Proxy, o.opts.SearchLimit, o.opts.Logger)
	leads, failures := discovery.Collect(disc.Find(ctx, company, personas))
	if err := ctx.Err(); err != nil {
		return o.abort(ctx, log, ten, company.ID, res, err)
	}
	res.LeadsDiscovered = len(leads)
	for _, f := range failures {
		res.DiscoveryErrors = append(res.DiscoveryErrors, f.Error())
	}
	if len(failures) == len(personas) {
		log.Warn("every persona search failed", "personas", len(personas))
		res.Status, res.Reason = models.RunFailed, models.ReasonNoLeadsDiscoverable
		return o.finish(ctx, log, ten, company.ID, res), nil
	}
	if len(failures) > 0 {
		log.Warn("some persona searches failed, continuing", "failed", len(failures), "personas", len(personas))
	}

	rec := reconcile.New(o.st, o.locker, ten.CRM, ten.Enrich, reconcile.Options{Now: o.opts.Now, Metrics: o.opts.Metrics, Logger: o.opts.Logger})
	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, log, ten, company.ID, res, err)
		}
		r, err := rec.Reconcile(ctx, company, lead)
		if err != nil {
			res.ReconcileFailures++
			log.Warn("reconcile failed", "profile_id", lead.ProfileID, "err", err)
			continue
		}
		switch r.Branch {
		case reconcile.BranchExists:
			res.ContactsUpdated++
		case reconcile.BranchFallback:
			res.ContactsCreated++
			res.ContactsFallback++
		default:
			res.ContactsCreated++
		}

		run, created, err := o.seq.Start(ctx, models.SequenceRun{
			ContactID:    r.Contact.ID,
			OperatorID:   op.ID,
			CompanyID:    company.ID,
			ProfileID:    lead.ProfileID,
			ProfileURL:   lead.ProfileURL,
			LeadName:     lead.Name,
			LeadHeadline: lead.Headline,
			CompanyName:  company.Name,
		})
		if err != nil {
			res.SequenceFailures++
			log.Error("start sequence failed", "contact_id", r.Contact.ID, "err", err)
			continue
		}
		if !created {
			log.Info("contact already has a sequence", "contact_id", r.Contact.ID, "run_id", run.ID, "state", run.State)
		}
		res.Sequences = append(res.Sequences, models.SequenceRef{ContactID: run.ContactID, RunID: run.ID, State: run.State})
	}

	res.Status = models.RunCompleted
	return o.finish(ctx, log, ten, company.ID, res), nil
}

func (o *Orchestrator) validate(trig models.Trigger) (*tenant.Tenant, models.Operator, []models.Persona, error) {
	switch {
	case strings.TrimSpace(trig.CompanyID) == "":
		return nil, models.Operator{}, nil, &InvalidTriggerError{Field: "company_id", Reason: "required"}
	case strings.TrimSpace(trig.OperatorID) == "":
		return nil, models.Operator{}, nil, &InvalidTriggerError{Field: "operator_id", Reason: "required"}
	case strings.TrimSpace(trig.PersonaSetRef) == "":
		return nil, models.Operator{}, nil, &InvalidTriggerError{Field: "persona_set_ref", Reason: "required"}
	case trig.ProcessedAt.IsZero():
		return nil, models.Operator{}, nil, &InvalidTriggerError{Field: "processed_at", Reason: "required"}
	}
	ten, op, err := o.tenants.ForOperator(trig.OperatorID)
	if errors.Is(err, tenant.ErrUnknownOperator) {
		return nil, op, nil, &InvalidTriggerError{Field: "operator_id", Reason: "unknown operator " + trig.OperatorID}
	}
	if err != nil {
		return nil, op, nil, err
	}
	personas, ok := ten.Config.PersonaSet(trig.PersonaSetRef)
	if !ok {
		return nil, op, nil, &InvalidTriggerError{Field: "persona_set_ref", Reason: fmt.Sprintf("no persona set %q for tenant %s", trig.PersonaSetRef, ten.Prefix)}
	}
	return ten, op, personas, nil
}

// claim reports whether key was already processed or is still being
// processed within the claim lease. The shared claim is dropped again when
// the local one cannot be recorded.
func (o *Orchestrator) claim(ctx context.Context, trig models.Trigger, key string) (bool, error) {
	if o.opts.Deduper != nil {
		ok, err := o.opts.Deduper.Claim(ctx, key)
		if err != nil {
			o.log.Warn("shared trigger claim failed, using local claim only", "key", key, "err", err)
		} else if !ok {
			return true, nil
		}
	}
	now := o.opts.Now()
	claimed, prior, err := o.st.ClaimTrigger(ctx, key, trig.CompanyID, trig.OperatorID, now, now.Add(-o.opts.ClaimLease))
	if err != nil {
		if o.opts.Deduper != nil {
			if ferr := o.opts.Deduper.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				o.log.Warn("drop shared trigger claim", "key", key, "err", ferr)
			}
		}
		return false, err
	}
	if !claimed {
		o.log.Debug("trigger already claimed", "key", key, "status", prior.Status, "started_at", prior.StartedAt)
	}
	return !claimed, nil
}

// finish writes the run status to the CRM company and the trigger table.
// Both writes are attempted even when the run context is done.
func (o *Orchestrator) finish(ctx context.Context, log *logging.Logger, ten *tenant.Tenant, companyID string, res models.RunResult) models.RunResult {
	ctx = context.WithoutCancel(ctx)
	summary := Summary(res)
	if err := ten.CRM.UpdateCompany(ctx, companyID, crm.CompanyUpdate{RunStatus: string(res.Status), RunSummary: summary}); err != nil {
		log.Warn("write run status to crm failed", "err", err)
	}
	if err := o.st.FinishTrigger(ctx, res.Key, res.Status, summary, o.opts.Now()); err != nil {
		log.Warn("record run status failed", "err", err)
	}
	if o.opts.Deduper != nil {
		if err := o.opts.Deduper.Done(ctx, res.Key); err != nil {
			log.Warn("mark shared trigger claim done", "err", err)
		}
	}
	o.opts.Metrics.RecordRun(string(res.Status))
	log.Info("run finished", "status", res.Status, "reason", res.Reason, "summary", summary)
	return res
}

// abort records a run that stopped on an error. The company shows the
// failure; the trigger claim is released so a redelivery runs it again.
func (o *Orchestrator) abort(ctx context.Context, log *logging.Logger, ten *tenant.Tenant, companyID string, res models.RunResult, cause error) (models.RunResult, error) {
	ctx = context.WithoutCancel(ctx)
	res.Status = models.RunFailed
	summary := Summary(res) + " error=" + cause.Error()
	if err := ten.CRM.UpdateCompany(ctx, companyID, crm.CompanyUpdate{RunStatus: string(res.Status), RunSummary: summary}); err != nil {
		log.Warn("write run status to crm failed", "err", err)
	}
	if err := o.st.FinishTrigger(ctx, res.Key, models.RunAborted, cause.Error(), o.opts.Now()); err != nil {
		log.Warn("record run status failed", "err", err)
	}
	if o.opts.Deduper != nil {
		if err := o.opts.Deduper.Forget(ctx, res.Key); err != nil {
			log.Warn("drop shared trigger claim", "err", err)
		}
	}
	o.opts.Metrics.RecordRun(string(res.Status))
	log.Error("run aborted", "err", cause)
	return res, cause
}

// Summary is the one-line run summary written to the CRM company.
func Summary(res models.RunResult) string {
	var b strings.Builder
	b.WriteString(string(res.Status))
	if res.Reason != "" {
		b.WriteString(" (" + res.Reason + ")")
	}
	fmt.Fprintf(&b, ": leads=%d created=%d updated=%d fallback=%d reconcile_failed=%d sequences=%d",
		res.LeadsDiscovered, res.ContactsCreated, res.ContactsUpdated, res.ContactsFallback, res.ReconcileFailures, len(res.Sequences))
	if res.SequenceFailures > 0 {
		fmt.Fprintf(&b, " sequence_failed=%d", res.SequenceFailures)
	}
	if n := len(res.DiscoveryErrors); n > 0 {
		fmt.Fprintf(&b, " persona_errors=%d", n)
	}
	return b.String()
}
