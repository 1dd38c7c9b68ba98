package models

import (
	"strings"
	"time"
)

type Operator struct {
	ID      string
	Name    string
	OwnerID string
	Tenant  string
}

type RateBudget struct {
	OperatorID      string
	DailyCount      int
	DailyLimit      int
	DailyResetAt    time.Time
	WeeklyCount     int
	WeeklyLimit     int
	WeeklyResetAt   time.Time
	InviteSafeAfter time.Time
	NextActionAt    time.Time
	UpdatedAt       time.Time
}

func (b RateBudget) DailyRemaining() int {
	if r := b.DailyLimit - b.DailyCount; r > 0 {
		return r
	}
	return 0
}

func (b RateBudget) WeeklyRemaining() int {
	if r := b.WeeklyLimit - b.WeeklyCount; r > 0 {
		return r
	}
	return 0
}

type NetworkDistance string

const (
	DistanceFirst          NetworkDistance = "first"
	DistanceSecond         NetworkDistance = "second"
	DistanceThirdOrFurther NetworkDistance = "third_or_further"
)

// ParseNetworkDistance accepts both the engine names and the LinkedIn
// single-letter codes (F, S, O).
func ParseNetworkDistance(s string) (NetworkDistance, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f", "1", "first":
		return DistanceFirst, true
	case "s", "2", "second", "":
		return DistanceSecond, true
	case "o", "3", "third", "third_or_further":
		return DistanceThirdOrFurther, true
	}
	return "", false
}

type Persona struct {
	TitleKeywords   string
	Language        string
	NetworkDistance NetworkDistance
	Location        string
}

type Company struct {
	ID            string
	Name          string
	Domain        string
	OperatorID    string
	PersonaSetRef string
	ProcessedAt   time.Time
}

type Lead struct {
	Name          string
	ProfileID     string
	ProfileURL    string
	Headline      string
	CompanyDomain string
	Persona       Persona
	Raw           []byte
}

// FirstLast splits a display name on the first space.
func (l Lead) FirstLast() (string, string) {
	name := strings.TrimSpace(l.Name)
	if idx := strings.Index(name, " "); idx > 0 {
		return name[:idx], strings.TrimSpace(name[idx+1:])
	}
	return name, ""
}

type OutreachStage string

const (
	StageNone                OutreachStage = ""
	StageDiscovered          OutreachStage = "discovered"
	StageLiked               OutreachStage = "liked"
	StageInvitationScheduled OutreachStage = "invitation_scheduled"
	StageInvitationSent      OutreachStage = "invitation_sent"
	StageAwaitingAcceptance  OutreachStage = "awaiting_acceptance"
	StageConnected           OutreachStage = "connected"
)

var stageRank = map[OutreachStage]int{
	StageNone:                0,
	StageDiscovered:          1,
	StageLiked:               2,
	StageInvitationScheduled: 3,
	StageInvitationSent:      4,
	StageAwaitingAcceptance:  5,
	StageConnected:           6,
}

// Furthest returns whichever of a and b is further along the outreach path.
func Furthest(a, b OutreachStage) OutreachStage {
	if stageRank[b] > stageRank[a] {
		return b
	}
	return a
}

type SequenceStatus string

const (
	SequenceNone       SequenceStatus = "none"
	SequenceInProgress SequenceStatus = "in_progress"
	SequenceFinished   SequenceStatus = "finished"
	SequenceStopped    SequenceStatus = "stopped"
)

type ConnectionStatus string

const (
	ConnectionNotConnected ConnectionStatus = "not_connected"
	ConnectionInvited      ConnectionStatus = "invited"
	ConnectionConnected    ConnectionStatus = "connected"
)

type Contact struct {
	ID                   string
	ProfileID            string
	ProfileURL           string
	FirstName            string
	LastName             string
	Email                string
	Headline             string
	CompanyID            string
	OutreachStage        OutreachStage
	SequenceStatus       SequenceStatus
	ConnectionStatus     ConnectionStatus
	LastInteractionAt    time.Time
	OperatorID           string
	NeedsEnrichment      bool
	SequenceName         string
	SequenceStartedAt    time.Time
	ConnectionAcceptedAt time.Time
}

type SequenceState string

const (
	StateDiscovered          SequenceState = "discovered"
	StateLiked               SequenceState = "liked"
	StateInvitationScheduled SequenceState = "invitation_scheduled"
	StateInvitationSent      SequenceState = "invitation_sent"
	StateAwaitingAcceptance  SequenceState = "awaiting_acceptance"
	StateConnected           SequenceState = "connected"
	StateStalled             SequenceState = "stalled"
)

func (s SequenceState) Terminal() bool {
	return s == StateConnected || s == StateStalled
}

// Stage maps a sequence state to the CRM outreach stage. Stalled has no
// stage of its own; callers keep the furthest stage already reached.
func (s SequenceState) Stage() OutreachStage {
	switch s {
	case StateDiscovered:
		return StageDiscovered
	case StateLiked:
		return StageLiked
	case StateInvitationScheduled:
		return StageInvitationScheduled
	case StateInvitationSent:
		return StageInvitationSent
	case StateAwaitingAcceptance:
		return StageAwaitingAcceptance
	case StateConnected:
		return StageConnected
	}
	return StageNone
}

type StallReason string

const (
	StallNone             StallReason = ""
	StallStopped          StallReason = "stopped"
	StallRetriesExhausted StallReason = "retries_exhausted"
	StallProxyFatal       StallReason = "proxy_fatal"
	StallQuotaStarved     StallReason = "quota_starved"
)

type SequenceRun struct {
	ID              string
	ContactID       string
	OperatorID      string
	CompanyID       string
	ProfileID       string
	ProfileURL      string
	LeadName        string
	LeadHeadline    string
	CompanyName     string
	State           SequenceState
	NextActionAt    time.Time
	RetryCount      int
	RescheduleCount int
	StallReason     StallReason
	ReservationID   string
	LastError       string
	InvitedAt       time.Time
	ConnectedAt     time.Time
	FollowUpSentAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Action string

const (
	ActionLike    Action = "like"
	ActionInvite  Action = "invite"
	ActionMessage Action = "message"
	ActionCheck   Action = "check"
)

// Outbound reports whether the action is visible on the external network
// and therefore subject to inter-action spacing.
func (a Action) Outbound() bool {
	return a == ActionLike || a == ActionInvite || a == ActionMessage
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

type Reservation struct {
	ID               string
	OperatorID       string
	Action           Action
	Count            int
	Status           ReservationStatus
	DailyResetAt     time.Time
	WeeklyResetAt    time.Time
	PrevNextActionAt time.Time
	NextActionAt     time.Time
	CreatedAt        time.Time
	SettledAt        time.Time
}

type Trigger struct {
	CompanyID     string    `json:"company_id"`
	OperatorID    string    `json:"operator_id"`
	PersonaSetRef string    `json:"persona_set_ref"`
	ProcessedAt   time.Time `json:"processed_at"`
}

func (t Trigger) IdempotencyKey() string {
	return t.CompanyID + "@" + t.ProcessedAt.UTC().Format(time.RFC3339)
}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
	RunDuplicate RunStatus = "duplicate"
	RunRunning   RunStatus = "running"
	RunAborted   RunStatus = "aborted"
)

const (
	ReasonQuotaExhausted      = "quota_exhausted"
	ReasonNoLeadsDiscoverable = "no_leads_discoverable"
	ReasonCompanyUnavailable  = "company_unavailable"
)

type SequenceRef struct {
	ContactID string        `json:"contact_id"`
	RunID     string        `json:"run_id"`
	State     SequenceState `json:"state"`
}

type RunResult struct {
	Key               string        `json:"key"`
	Status            RunStatus     `json:"status"`
	Reason            string        `json:"reason,omitempty"`
	LeadsDiscovered   int           `json:"leads_discovered"`
	ContactsCreated   int           `json:"contacts_created"`
	ContactsUpdated   int           `json:"contacts_updated"`
	ContactsFallback  int           `json:"contacts_fallback"`
	ReconcileFailures int           `json:"reconcile_failures"`
	SequenceFailures  int           `json:"sequence_failures"`
	Sequences         []SequenceRef `json:"sequences,omitempty"`
	DiscoveryErrors   []string      `json:"discovery_errors,omitempty"`
}

type ActionLog struct {
	ID         int64
	RunID      string
	OperatorID string
	Action     Action
	Detail     string
	CreatedAt  time.Time
}

type TriggerRun struct {
	Key        string
	CompanyID  string
	OperatorID string
	Status     RunStatus
	Summary    string
	StartedAt  time.Time
	FinishedAt time.Time
}
