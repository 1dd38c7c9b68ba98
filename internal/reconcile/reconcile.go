// Package reconcile maps discovered leads onto CRM contacts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/coord"
	"github.com/example/outreach/internal/crm"
	"github.com/example/outreach/internal/enrich"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

type Branch string

const (
	BranchExists   Branch = "exists"
	BranchEnriched Branch = "enriched"
	BranchFallback Branch = "fallback"
)

// ErrNoCompany is the cause of a FailedError when neither enrichment nor
// the domain lookup could place the lead.
var ErrNoCompany = errors.New("no email and no company matching domain")

// FailedError means nothing was created for the lead.
type FailedError struct {
	ProfileID string
	Cause     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.ProfileID, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

type Result struct {
	Contact models.Contact
	Branch  Branch
}

type Options struct {
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Service reconciles leads for one tenant's CRM and enrichment provider.
type Service struct {
	st      *store.Store
	locker  coord.Locker
	crm     crm.Client
	enrich  enrich.Client
	now     func() time.Time
	metrics *metrics.Metrics
	log     *logging.Logger
}

func New(st *store.Store, locker coord.Locker, c crm.Client, e enrich.Client, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		st:      st,
		locker:  locker,
		crm:     c,
		enrich:  e,
		now:     opts.Now,
		metrics: opts.Metrics,
		log:     opts.Logger.With("module", "reconcile"),
	}
}

// Reconcile returns the CRM contact for lead, creating it when needed.
// company.OperatorID is the operator the contact is assigned to. Repeated
// calls for the same profile return the same contact.
func (s *Service) Reconcile(ctx context.Context, company models.Company, lead models.Lead) (Result, error) {
	if lead.ProfileID == "" {
		return Result{}, &FailedError{Cause: errors.New("lead has no profile id")}
	}
	ctx, unlock, err := s.locker.Lock(ctx, "contact:"+lead.ProfileID)
	if err != nil {
		return Result{}, fmt.Errorf("lock contact %s: %w", lead.ProfileID, err)
	}
	defer unlock()

	res, err := s.reconcile(ctx, company, lead)
	if err != nil {
		s.metrics.RecordReconcile("failed")
		return Result{}, err
	}
	s.metrics.RecordReconcile(string(res.Branch))
	return res, nil
}

func (s *Service) reconcile(ctx context.Context, company models.Company, lead models.Lead) (Result, error) {
	existing, ok, err := s.lookup(ctx, lead.ProfileID)
	if err != nil {
		return Result{}, &FailedError{ProfileID: lead.ProfileID, Cause: err}
	}
	if ok {
		c, err := s.refresh(ctx, existing, company.OperatorID)
		if err != nil {
			return Result{}, &FailedError{ProfileID: lead.ProfileID, Cause: err}
		}
		s.link(ctx, lead.ProfileID, c.ID, company.OperatorID)
		return Result{Contact: c, Branch: BranchExists}, nil
	}

	first, last := lead.FirstLast()
	c := models.Contact{
		ProfileID:        lead.ProfileID,
		ProfileURL:       lead.ProfileURL,
		FirstName:        first,
		LastName:         last,
		Headline:         lead.Headline,
		CompanyID:        company.ID,
		OutreachStage:    models.StageDiscovered,
		SequenceStatus:   models.SequenceNone,
		ConnectionStatus: models.ConnectionNotConnected,
		OperatorID:       company.OperatorID,
	}
	branch := BranchEnriched

	email, found, err := s.enrich.Lookup(ctx, lead.ProfileURL)
	switch {
	case err != nil:
		s.log.Warn("enrichment unavailable, falling back to domain", "profile_id", lead.ProfileID, "err", err)
	case !found:
		s.log.Info("no email found, falling back to domain", "profile_id", lead.ProfileID)
	}
	if err == nil && found {
		c.Email = email
	} else {
		parent, err := s.parentCompany(ctx, company, lead)
		if err != nil {
			return Result{}, &FailedError{ProfileID: lead.ProfileID, Cause: err}
		}
		c.CompanyID = parent.ID
		c.NeedsEnrichment = true
		branch = BranchFallback
	}

	created, err := s.crm.CreateContact(ctx, c)
	if err != nil {
		return Result{}, &FailedError{ProfileID: lead.ProfileID, Cause: fmt.Errorf("create contact: %w", err)}
	}
	s.link(ctx, lead.ProfileID, created.ID, company.OperatorID)
	s.log.Info("contact created", "profile_id", lead.ProfileID, "contact_id", created.ID, "branch", branch)
	return Result{Contact: created, Branch: branch}, nil
}

// lookup checks the local link table before searching the CRM. A link to a
// contact the CRM no longer has is ignored.
func (s *Service) lookup(ctx context.Context, profileID string) (models.Contact, bool, error) {
	id, err := s.st.ContactLink(ctx, profileID)
	switch {
	case err == nil:
		c, err := s.crm.GetContact(ctx, id)
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, crm.ErrNotFound) {
			return models.Contact{}, false, fmt.Errorf("get linked contact %s: %w", id, err)
		}
		s.log.Warn("linked contact missing in crm", "profile_id", profileID, "contact_id", id)
	case !errors.Is(err, store.ErrNotFound):
		return models.Contact{}, false, fmt.Errorf("contact link: %w", err)
	}

	c, ok, err := s.crm.FindContactByProfileID(ctx, profileID)
	if err != nil {
		return models.Contact{}, false, fmt.Errorf("search contact: %w", err)
	}
	return c, ok, nil
}

// refresh assigns the operator and makes sure the stage is at least
// discovered. It never moves the stage backwards.
func (s *Service) refresh(ctx context.Context, c models.Contact, operatorID string) (models.Contact, error) {
	var u crm.ContactUpdate
	if operatorID != "" && c.OperatorID != operatorID {
		u.OperatorID = crm.Ptr(operatorID)
		c.OperatorID = operatorID
	}
	if next := models.Furthest(c.OutreachStage, models.StageDiscovered); next != c.OutreachStage {
		u.OutreachStage = crm.Ptr(next)
		c.OutreachStage = next
	}
	if u.Empty() {
		return c, nil
	}
	if err := s.crm.UpdateContact(ctx, c.ID, u); err != nil {
		return models.Contact{}, fmt.Errorf("update contact %s: %w", c.ID, err)
	}
	return c, nil
}

func (s *Service) parentCompany(ctx context.Context, company models.Company, lead models.Lead) (models.Company, error) {
	for _, domain := range []string{lead.CompanyDomain, company.Domain} {
		if crm.NormalizeDomain(domain) == "" {
			continue
		}
		parent, ok, err := s.crm.FindCompanyByDomain(ctx, domain)
		if err != nil {
			return models.Company{}, fmt.Errorf("find company by domain %s: %w", domain, err)
		}
		if ok {
			return parent, nil
		}
	}
	return models.Company{}, ErrNoCompany
}

// link failures are logged only; the CRM search still finds the contact.
func (s *Service) link(ctx context.Context, profileID, contactID, operatorID string) {
	if err := s.st.PutContactLink(ctx, profileID, contactID, operatorID, s.now()); err != nil {
		s.log.Warn("store contact link failed", "profile_id", profileID, "err", err)
	}
}
