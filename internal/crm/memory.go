package crm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/example/outreach/internal/models"
)

// Memory is an in-process Client used for dry runs and tests. Unlike a
// real CRM it records every write so callers can inspect them.
type Memory struct {
	mu        sync.Mutex
	companies map[string]models.Company
	contacts  map[string]models.Contact
	runs      map[string]CompanyUpdate
	order     []string
	seq       int
	failNext  map[string]error
}

var _ Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		companies: map[string]models.Company{},
		contacts:  map[string]models.Contact{},
		runs:      map[string]CompanyUpdate{},
		failNext:  map[string]error{},
	}
}

func (m *Memory) AddCompany(c models.Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies[c.ID] = c
}

// AddContact seeds an existing contact, assigning an id when empty.
func (m *Memory) AddContact(c models.Contact) models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		m.seq++
		c.ID = fmt.Sprintf("contact-%d", m.seq)
	}
	m.contacts[c.ID] = c
	m.order = append(m.order, c.ID)
	return c
}

// Fail makes the next call of method ("CreateContact", ...) return err.
func (m *Memory) Fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

func (m *Memory) takeErr(method string) error {
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

// Contacts returns every stored contact in creation order.
func (m *Memory) Contacts() []models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Contact, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.contacts[id])
	}
	return out
}

// RunStatus returns the last run status written to a company.
func (m *Memory) RunStatus(companyID string) (CompanyUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.runs[companyID]
	return u, ok
}

func (m *Memory) GetCompany(ctx context.Context, id string) (models.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("GetCompany"); err != nil {
		return models.Company{}, err
	}
	c, ok := m.companies[id]
	if !ok {
		return c, ErrNotFound
	}
	return c, nil
}

func (m *Memory) FindCompanyByDomain(ctx context.Context, domain string) (models.Company, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("FindCompanyByDomain"); err != nil {
		return models.Company{}, false, err
	}
	domain = NormalizeDomain(domain)
	if domain == "" {
		return models.Company{}, false, nil
	}
	for _, c := range m.companies {
		if NormalizeDomain(c.Domain) == domain {
			return c, true, nil
		}
	}
	return models.Company{}, false, nil
}

func (m *Memory) UpdateCompany(ctx context.Context, id string, u CompanyUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("UpdateCompany"); err != nil {
		return err
	}
	if _, ok := m.companies[id]; !ok {
		return ErrNotFound
	}
	m.runs[id] = u
	return nil
}

func (m *Memory) FindContactByProfileID(ctx context.Context, profileID string) (models.Contact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("FindContactByProfileID"); err != nil {
		return models.Contact{}, false, err
	}
	for _, id := range m.order {
		if c := m.contacts[id]; c.ProfileID == profileID {
			return c, true, nil
		}
	}
	return models.Contact{}, false, nil
}

func (m *Memory) GetContact(ctx context.Context, id string) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return c, ErrNotFound
	}
	return c, nil
}

func (m *Memory) CreateContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("CreateContact"); err != nil {
		return models.Contact{}, err
	}
	m.seq++
	c.ID = fmt.Sprintf("contact-%d", m.seq)
	m.contacts[c.ID] = c
	m.order = append(m.order, c.ID)
	return c, nil
}

func (m *Memory) UpdateContact(ctx context.Context, id string, u ContactUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr("UpdateContact"); err != nil {
		return err
	}
	c, ok := m.contacts[id]
	if !ok {
		return ErrNotFound
	}
	if u.OutreachStage != nil {
		c.OutreachStage = *u.OutreachStage
	}
	if u.SequenceStatus != nil {
		c.SequenceStatus = *u.SequenceStatus
	}
	if u.ConnectionStatus != nil {
		c.ConnectionStatus = *u.ConnectionStatus
	}
	if u.LastInteractionAt != nil {
		c.LastInteractionAt = *u.LastInteractionAt
	}
	if u.OperatorID != nil {
		c.OperatorID = *u.OperatorID
	}
	if u.SequenceName != nil {
		c.SequenceName = *u.SequenceName
	}
	if u.SequenceStartedAt != nil {
		c.SequenceStartedAt = *u.SequenceStartedAt
	}
	if u.ConnectionAcceptedAt != nil {
		c.ConnectionAcceptedAt = *u.ConnectionAcceptedAt
	}
	m.contacts[id] = c
	return nil
}

// NormalizeDomain lowercases a domain and strips scheme, www. and path.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}
