// Package crm reads and writes the contact and company records that hold
// the visible projection of engine state.
package crm

import (
	"context"
	"errors"
	"time"

	"github.com/example/outreach/internal/models"
)

var ErrNotFound = errors.New("crm: record not found")

// Client is the CRM surface used by reconciliation and the orchestrator.
// Implementations must be safe for concurrent use.
type Client interface {
	GetCompany(ctx context.Context, id string) (models.Company, error)
	FindCompanyByDomain(ctx context.Context, domain string) (models.Company, bool, error)
	UpdateCompany(ctx context.Context, id string, u CompanyUpdate) error
	FindContactByProfileID(ctx context.Context, profileID string) (models.Contact, bool, error)
	GetContact(ctx context.Context, id string) (models.Contact, error)
	// CreateContact creates c and associates it with c.CompanyID when set.
	CreateContact(ctx context.Context, c models.Contact) (models.Contact, error)
	UpdateContact(ctx context.Context, id string, u ContactUpdate) error
}

// ContactUpdate is a partial update; nil fields are left untouched.
type ContactUpdate struct {
	OutreachStage        *models.OutreachStage
	SequenceStatus       *models.SequenceStatus
	ConnectionStatus     *models.ConnectionStatus
	LastInteractionAt    *time.Time
	OperatorID           *string
	SequenceName         *string
	SequenceStartedAt    *time.Time
	ConnectionAcceptedAt *time.Time
	InitiateMessage      *bool
}

func (u ContactUpdate) Empty() bool {
	return u == ContactUpdate{}
}

type CompanyUpdate struct {
	RunStatus  string
	RunSummary string
}

// Ptr is a small helper for building partial updates.
func Ptr[T any](v T) *T { return &v }

// Contact property names.
const (
	PropFirstName            = "firstname"
	PropLastName             = "lastname"
	PropEmail                = "email"
	PropJobTitle             = "jobtitle"
	PropOutreachStage        = "wos_outreach_stage"
	PropSequenceStatus       = "wos_sequence_status"
	PropSequenceName         = "wos_sequence_name"
	PropSequenceStartDate    = "wos_sequence_start_date"
	PropUserID               = "wos_user_id"
	PropLastInteractionDate  = "wos_last_interaction_date"
	PropLinkedInURL          = "wos_linkedin_url"
	PropLinkedInID           = "wos_linkedin_id"
	PropConnectionStatus     = "wos_linkedin_connection_status"
	PropConnectionAccepted   = "wos_connection_accepted_date"
	PropInitiateMessage      = "n8n_initiate_li_message"
	PropNeedsEnrichment      = "wos_needs_enrichment"
	PropCompanyProcess       = "wos_process_company"
	PropCompanyPersona       = "wos_persona"
	PropCompanyRunStatus     = "wos_run_status"
	PropCompanyRunSummary    = "wos_run_summary"
	PropCompanyName          = "name"
	PropCompanyDomain        = "domain"
	associationContactToComp = 1
)

// PropertyDef describes a custom property the engine writes.
type PropertyDef struct {
	Object string
	Name   string
	Label  string
	Type   string
	Field  string
}

// RequiredProperties lists the custom properties the engine needs on the
// CRM side.
var RequiredProperties = []PropertyDef{
	{"contacts", PropOutreachStage, "WOS Outreach Stage", "string", "text"},
	{"contacts", PropSequenceStatus, "WOS Sequence Status", "string", "text"},
	{"contacts", PropSequenceName, "WOS Sequence Name", "string", "text"},
	{"contacts", PropSequenceStartDate, "WOS Sequence Start Date", "datetime", "date"},
	{"contacts", PropUserID, "WOS User ID", "string", "text"},
	{"contacts", PropLastInteractionDate, "WOS Last Interaction Date", "datetime", "date"},
	{"contacts", PropLinkedInURL, "WOS LinkedIn URL", "string", "text"},
	{"contacts", PropLinkedInID, "WOS LinkedIn ID", "string", "text"},
	{"contacts", PropConnectionStatus, "WOS LinkedIn Connection Status", "string", "text"},
	{"contacts", PropConnectionAccepted, "WOS Connection Accepted Date", "datetime", "date"},
	{"contacts", PropInitiateMessage, "Initiate LinkedIn Message", "bool", "booleancheckbox"},
	{"contacts", PropNeedsEnrichment, "WOS Needs Enrichment", "bool", "booleancheckbox"},
	{"companies", PropCompanyProcess, "WOS Process Company", "datetime", "date"},
	{"companies", PropCompanyPersona, "WOS Persona", "string", "text"},
	{"companies", PropUserID, "WOS User ID", "string", "text"},
	{"companies", PropCompanyRunStatus, "WOS Run Status", "string", "text"},
	{"companies", PropCompanyRunSummary, "WOS Run Summary", "string", "textarea"},
}
