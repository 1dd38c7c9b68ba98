package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

var companyProps = []string{PropCompanyName, PropCompanyDomain, PropUserID, PropCompanyPersona, PropCompanyProcess}

var contactProps = []string{
	PropFirstName, PropLastName, PropEmail, PropJobTitle,
	PropOutreachStage, PropSequenceStatus, PropSequenceName, PropSequenceStartDate,
	PropUserID, PropLastInteractionDate, PropLinkedInURL, PropLinkedInID,
	PropConnectionStatus, PropConnectionAccepted, PropNeedsEnrichment,
}

// HubSpot implements Client over the HubSpot CRM v3 object API using a
// private-app bearer token.
type HubSpot struct {
	base    string
	token   string
	http    *http.Client
	tries   uint
	initial time.Duration
	log     *logging.Logger
}

var _ Client = (*HubSpot)(nil)

func NewHubSpot(baseURL, token string, timeout time.Duration, log *logging.Logger) (*HubSpot, error) {
	if token == "" {
		return nil, errors.New("hubspot: token required")
	}
	if baseURL == "" {
		baseURL = "https://api.hubapi.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &HubSpot{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		tries:   3,
		initial: 500 * time.Millisecond,
		log:     log.With("module", "hubspot"),
	}, nil
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("hubspot: status %d: %s", e.Status, e.Message) }

func (h *HubSpot) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	u := h.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return backoff.Retry(ctx, func() ([]byte, error) {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+h.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := h.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, backoff.Permanent(ErrNotFound)
		}
		apiErr := &apiError{Status: resp.StatusCode, Message: gjson.GetBytes(data, "message").String()}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			h.log.Warn("hubspot call failed, retrying", "path", path, "status", resp.StatusCode)
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}, backoff.WithBackOff(h.newBackOff()), backoff.WithMaxTries(h.tries))
}

func (h *HubSpot) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.initial
	return b
}

func (h *HubSpot) GetCompany(ctx context.Context, id string) (models.Company, error) {
	q := url.Values{"properties": {strings.Join(companyProps, ",")}}
	data, err := h.do(ctx, http.MethodGet, "/crm/v3/objects/companies/"+url.PathEscape(id), q, nil)
	if err != nil {
		return models.Company{}, fmt.Errorf("get company %s: %w", id, err)
	}
	return companyFromJSON(gjson.ParseBytes(data)), nil
}

func (h *HubSpot) FindCompanyByDomain(ctx context.Context, domain string) (models.Company, bool, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return models.Company{}, false, nil
	}
	data, err := h.do(ctx, http.MethodPost, "/crm/v3/objects/companies/search", nil, searchBody(PropCompanyDomain, domain, companyProps))
	if err != nil {
		return models.Company{}, false, fmt.Errorf("search company by domain %s: %w", domain, err)
	}
	first := gjson.GetBytes(data, "results.0")
	if !first.Exists() {
		return models.Company{}, false, nil
	}
	return companyFromJSON(first), true, nil
}

func (h *HubSpot) UpdateCompany(ctx context.Context, id string, u CompanyUpdate) error {
	props := map[string]string{
		PropCompanyRunStatus:  u.RunStatus,
		PropCompanyRunSummary: u.RunSummary,
	}
	_, err := h.do(ctx, http.MethodPatch, "/crm/v3/objects/companies/"+url.PathEscape(id), nil, map[string]any{"properties": props})
	if err != nil {
		return fmt.Errorf("update company %s: %w", id, err)
	}
	return nil
}

func (h *HubSpot) FindContactByProfileID(ctx context.Context, profileID string) (models.Contact, bool, error) {
	data, err := h.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/search", nil, searchBody(PropLinkedInID, profileID, contactProps))
	if err != nil {
		return models.Contact{}, false, fmt.Errorf("search contact %s: %w", profileID, err)
	}
	first := gjson.GetBytes(data, "results.0")
	if !first.Exists() {
		return models.Contact{}, false, nil
	}
	return contactFromJSON(first), true, nil
}

func (h *HubSpot) GetContact(ctx context.Context, id string) (models.Contact, error) {
	q := url.Values{
		"properties":   {strings.Join(contactProps, ",")},
		"associations": {"companies"},
	}
	data, err := h.do(ctx, http.MethodGet, "/crm/v3/objects/contacts/"+url.PathEscape(id), q, nil)
	if err != nil {
		return models.Contact{}, fmt.Errorf("get contact %s: %w", id, err)
	}
	return contactFromJSON(gjson.ParseBytes(data)), nil
}

func (h *HubSpot) CreateContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	props := map[string]string{
		PropFirstName:        c.FirstName,
		PropLastName:         c.LastName,
		PropLinkedInURL:      c.ProfileURL,
		PropLinkedInID:       c.ProfileID,
		PropUserID:           c.OperatorID,
		PropOutreachStage:    string(c.OutreachStage),
		PropSequenceStatus:   string(c.SequenceStatus),
		PropConnectionStatus: string(c.ConnectionStatus),
	}
	if c.Email != "" {
		props[PropEmail] = c.Email
	}
	if c.Headline != "" {
		props[PropJobTitle] = c.Headline
	}
	if c.NeedsEnrichment {
		props[PropNeedsEnrichment] = "true"
	}
	body := map[string]any{"properties": props}
	if c.CompanyID != "" {
		body["associations"] = []map[string]any{{
			"to": map[string]string{"id": c.CompanyID},
			"types": []map[string]any{{
				"associationCategory": "HUBSPOT_DEFINED",
				"associationTypeId":   associationContactToComp,
			}},
		}}
	}
	data, err := h.do(ctx, http.MethodPost, "/crm/v3/objects/contacts", nil, body)
	if err != nil {
		return models.Contact{}, fmt.Errorf("create contact %s: %w", c.ProfileID, err)
	}
	c.ID = gjson.GetBytes(data, "id").String()
	return c, nil
}

func (h *HubSpot) UpdateContact(ctx context.Context, id string, u ContactUpdate) error {
	props := contactUpdateProps(u)
	if len(props) == 0 {
		return nil
	}
	_, err := h.do(ctx, http.MethodPatch, "/crm/v3/objects/contacts/"+url.PathEscape(id), nil, map[string]any{"properties": props})
	if err != nil {
		return fmt.Errorf("update contact %s: %w", id, err)
	}
	return nil
}

// VerifyProperties checks that every custom property exists and, when
// create is set, creates the missing ones. It returns the names that are
// still missing.
func (h *HubSpot) VerifyProperties(ctx context.Context, create bool) ([]string, error) {
	var missing []string
	for _, p := range RequiredProperties {
		_, err := h.do(ctx, http.MethodGet, "/crm/v3/properties/"+p.Object+"/"+p.Name, nil, nil)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return missing, fmt.Errorf("check property %s.%s: %w", p.Object, p.Name, err)
		}
		if !create {
			missing = append(missing, p.Object+"."+p.Name)
			continue
		}
		group := "contactinformation"
		if p.Object == "companies" {
			group = "companyinformation"
		}
		body := map[string]any{
			"name":      p.Name,
			"label":     p.Label,
			"type":      p.Type,
			"fieldType": p.Field,
			"groupName": group,
		}
		if p.Type == "bool" {
			body["type"] = "enumeration"
			body["options"] = []map[string]any{
				{"label": "Yes", "value": "true", "displayOrder": 0},
				{"label": "No", "value": "false", "displayOrder": 1},
			}
		}
		if _, err := h.do(ctx, http.MethodPost, "/crm/v3/properties/"+p.Object, nil, body); err != nil {
			return append(missing, p.Object+"."+p.Name), fmt.Errorf("create property %s.%s: %w", p.Object, p.Name, err)
		}
		h.log.Info("created crm property", "object", p.Object, "name", p.Name)
	}
	return missing, nil
}

func searchBody(prop, value string, props []string) map[string]any {
	return map[string]any{
		"filterGroups": []map[string]any{{
			"filters": []map[string]string{{"propertyName": prop, "operator": "EQ", "value": value}},
		}},
		"properties": props,
		"limit":      1,
	}
}

func contactUpdateProps(u ContactUpdate) map[string]string {
	props := map[string]string{}
	if u.OutreachStage != nil {
		props[PropOutreachStage] = string(*u.OutreachStage)
	}
	if u.SequenceStatus != nil {
		props[PropSequenceStatus] = string(*u.SequenceStatus)
	}
	if u.ConnectionStatus != nil {
		props[PropConnectionStatus] = string(*u.ConnectionStatus)
	}
	if u.LastInteractionAt != nil {
		props[PropLastInteractionDate] = formatTime(*u.LastInteractionAt)
	}
	if u.OperatorID != nil {
		props[PropUserID] = *u.OperatorID
	}
	if u.SequenceName != nil {
		props[PropSequenceName] = *u.SequenceName
	}
	if u.SequenceStartedAt != nil {
		props[PropSequenceStartDate] = formatTime(*u.SequenceStartedAt)
	}
	if u.ConnectionAcceptedAt != nil {
		props[PropConnectionAccepted] = formatTime(*u.ConnectionAcceptedAt)
	}
	if u.InitiateMessage != nil {
		props[PropInitiateMessage] = strconv.FormatBool(*u.InitiateMessage)
	}
	return props
}

func companyFromJSON(r gjson.Result) models.Company {
	p := r.Get("properties")
	return models.Company{
		ID:            r.Get("id").String(),
		Name:          p.Get(PropCompanyName).String(),
		Domain:        p.Get(PropCompanyDomain).String(),
		OperatorID:    p.Get(PropUserID).String(),
		PersonaSetRef: p.Get(PropCompanyPersona).String(),
		ProcessedAt:   parseTime(p.Get(PropCompanyProcess).String()),
	}
}

func contactFromJSON(r gjson.Result) models.Contact {
	p := r.Get("properties")
	return models.Contact{
		ID:                   r.Get("id").String(),
		ProfileID:            p.Get(PropLinkedInID).String(),
		ProfileURL:           p.Get(PropLinkedInURL).String(),
		FirstName:            p.Get(PropFirstName).String(),
		LastName:             p.Get(PropLastName).String(),
		Email:                p.Get(PropEmail).String(),
		Headline:             p.Get(PropJobTitle).String(),
		CompanyID:            r.Get("associations.companies.results.0.id").String(),
		OutreachStage:        models.OutreachStage(p.Get(PropOutreachStage).String()),
		SequenceStatus:       models.SequenceStatus(p.Get(PropSequenceStatus).String()),
		ConnectionStatus:     models.ConnectionStatus(p.Get(PropConnectionStatus).String()),
		LastInteractionAt:    parseTime(p.Get(PropLastInteractionDate).String()),
		OperatorID:           p.Get(PropUserID).String(),
		NeedsEnrichment:      p.Get(PropNeedsEnrichment).String() == "true",
		SequenceName:         p.Get(PropSequenceName).String(),
		SequenceStartedAt:    parseTime(p.Get(PropSequenceStartDate).String()),
		ConnectionAcceptedAt: parseTime(p.Get(PropConnectionAccepted).String()),
	}
}

// formatTime writes datetimes as epoch milliseconds, which HubSpot accepts
// for every date property type.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
