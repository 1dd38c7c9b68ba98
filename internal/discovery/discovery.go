// Package discovery finds candidate leads for a company by running one
// proxy search per persona.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
)

// FailedError reports a persona whose search failed. Leads already found
// for other personas stay valid.
type FailedError struct {
	Persona models.Persona
	Cause   error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("discovery failed for persona %q: %v", e.Persona.TitleKeywords, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

type Service struct {
	px    proxy.Client
	limit int
	log   *logging.Logger
}

func New(px proxy.Client, limit int, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{px: px, limit: limit, log: log.With("module", "discovery")}
}

// Find yields leads lazily. Each persona's search runs only when the
// iteration reaches it, so breaking early skips the remaining searches.
// Profiles already yielded for an earlier persona are skipped.
func (s *Service) Find(ctx context.Context, company models.Company, personas []models.Persona) iter.Seq2[models.Lead, error] {
	return func(yield func(models.Lead, error) bool) {
		seen := map[string]bool{}
		for _, p := range personas {
			if err := ctx.Err(); err != nil {
				yield(models.Lead{}, &FailedError{Persona: p, Cause: err})
				return
			}
			profiles, err := s.px.Search(ctx, proxy.SearchQuery{
				Keywords:        p.TitleKeywords,
				Language:        p.Language,
				NetworkDistance: p.NetworkDistance,
				Location:        p.Location,
				CompanyName:     company.Name,
				CompanyDomain:   company.Domain,
				Limit:           s.limit,
			})
			if err != nil {
				s.log.Warn("persona search failed", "company_id", company.ID, "persona", p.TitleKeywords, "err", err)
				if !yield(models.Lead{}, &FailedError{Persona: p, Cause: err}) {
					return
				}
				continue
			}

			found := 0
			for _, pr := range profiles {
				if pr.ProfileID == "" || seen[pr.ProfileID] {
					continue
				}
				seen[pr.ProfileID] = true
				found++
				lead := models.Lead{
					Name:          strings.TrimSpace(pr.Name),
					ProfileID:     pr.ProfileID,
					ProfileURL:    normalizeProfileURL(pr),
					Headline:      pr.Headline,
					CompanyDomain: pr.CompanyDomain,
					Persona:       p,
					Raw:           pr.Raw,
				}
				if !yield(lead, nil) {
					return
				}
			}
			s.log.Info("persona searched", "company_id", company.ID, "persona", p.TitleKeywords, "results", len(profiles), "new", found)
		}
	}
}

// Collect drains Find. It returns every lead plus the persona failures.
func Collect(seq iter.Seq2[models.Lead, error]) ([]models.Lead, []*FailedError) {
	var leads []models.Lead
	var failures []*FailedError
	for lead, err := range seq {
		if err != nil {
			var fe *FailedError
			if !errors.As(err, &fe) {
				fe = &FailedError{Cause: err}
			}
			failures = append(failures, fe)
			continue
		}
		leads = append(leads, lead)
	}
	return leads, failures
}

func normalizeProfileURL(p proxy.Profile) string {
	u := p.ProfileURL
	if u == "" && p.PublicID != "" {
		u = "/in/" + p.PublicID
	}
	if u == "" {
		return ""
	}
	if i := strings.Index(u, "?"); i >= 0 {
		u = u[:i]
	}
	if !strings.HasPrefix(u, "http") {
		u = "https://www.linkedin.com" + u
	}
	return strings.TrimRight(u, "/")
}
