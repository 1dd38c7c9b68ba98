package orchestrator

import (
	"context"

	"github.com/example/outreach/internal/crm"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/sequencer"
)

// OnTransition projects a sequence transition onto the CRM contact. The
// outreach stage only ever moves forward.
func (o *Orchestrator) OnTransition(ctx context.Context, t sequencer.Transition) {
	ten, _, err := o.tenants.ForOperator(t.Run.OperatorID)
	if err != nil {
		o.log.Warn("projection skipped", "run_id", t.Run.ID, "err", err)
		return
	}
	contact, err := ten.CRM.GetContact(ctx, t.Run.ContactID)
	if err != nil {
		o.log.Warn("load contact for projection", "run_id", t.Run.ID, "contact_id", t.Run.ContactID, "err", err)
		return
	}

	u := projection(contact, t, o.opts.SequenceName, o.opts.HandOffMessaging)
	if u.Empty() {
		return
	}
	if err := ten.CRM.UpdateContact(ctx, contact.ID, u); err != nil {
		o.log.Warn("project transition to crm", "run_id", t.Run.ID, "contact_id", contact.ID, "to", t.To, "err", err)
	}
}

func projection(c models.Contact, t sequencer.Transition, sequenceName string, handOff bool) crm.ContactUpdate {
	var u crm.ContactUpdate
	if next := models.Furthest(c.OutreachStage, t.To.Stage()); next != c.OutreachStage {
		u.OutreachStage = crm.Ptr(next)
	}

	switch t.To {
	case models.StateDiscovered:
		if c.SequenceStatus != models.SequenceInProgress {
			u.SequenceStatus = crm.Ptr(models.SequenceInProgress)
		}
		u.SequenceName = crm.Ptr(sequenceName)
		u.SequenceStartedAt = crm.Ptr(t.At)
	case models.StateInvitationSent:
		if c.ConnectionStatus != models.ConnectionConnected {
			u.ConnectionStatus = crm.Ptr(models.ConnectionInvited)
		}
		u.LastInteractionAt = crm.Ptr(t.At)
	case models.StateConnected:
		accepted := t.Run.ConnectedAt
		if accepted.IsZero() {
			accepted = t.At
		}
		u.ConnectionStatus = crm.Ptr(models.ConnectionConnected)
		u.ConnectionAcceptedAt = crm.Ptr(accepted)
		u.SequenceStatus = crm.Ptr(models.SequenceFinished)
		u.LastInteractionAt = crm.Ptr(accepted)
		if handOff {
			u.InitiateMessage = crm.Ptr(true)
		}
	case models.StateStalled:
		status := models.SequenceFinished
		if t.Run.StallReason == models.StallStopped {
			status = models.SequenceStopped
		}
		u.SequenceStatus = crm.Ptr(status)
	}
	return u
}

// FollowUpSent records a delivered follow-up message on the contact.
func (o *Orchestrator) FollowUpSent(ctx context.Context, run models.SequenceRun) {
	ten, _, err := o.tenants.ForOperator(run.OperatorID)
	if err != nil {
		o.log.Warn("follow-up projection skipped", "run_id", run.ID, "err", err)
		return
	}
	at := run.FollowUpSentAt
	if at.IsZero() {
		at = o.opts.Now()
	}
	u := crm.ContactUpdate{LastInteractionAt: crm.Ptr(at), InitiateMessage: crm.Ptr(false)}
	if err := ten.CRM.UpdateContact(ctx, run.ContactID, u); err != nil {
		o.log.Warn("record follow-up in crm", "run_id", run.ID, "contact_id", run.ContactID, "err", err)
	}
}
