package crm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/models"
)

func newTestHubSpot(t *testing.T, h http.HandlerFunc) *HubSpot {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	hs, err := NewHubSpot(srv.URL, "tok", 5*time.Second, nil)
	require.NoError(t, err)
	hs.initial = time.Millisecond
	return hs
}

func TestHubSpotGetCompany(t *testing.T) {
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/crm/v3/objects/companies/42", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("properties"), PropCompanyPersona)
		_, _ = io.WriteString(w, `{"id":"42","properties":{"name":"Acme","domain":"acme.io","wos_user_id":"111","wos_persona":"default","wos_process_company":"2024-03-06T10:00:00Z"}}`)
	})

	c, err := hs.GetCompany(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, models.Company{
		ID:            "42",
		Name:          "Acme",
		Domain:        "acme.io",
		OperatorID:    "111",
		PersonaSetRef: "default",
		ProcessedAt:   time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC),
	}, c)
}

func TestHubSpotNotFound(t *testing.T) {
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := hs.GetContact(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHubSpotFindContactByProfileID(t *testing.T) {
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v3/objects/contacts/search", r.URL.Path)
		var body struct {
			FilterGroups []struct {
				Filters []map[string]string `json:"filters"`
			} `json:"filterGroups"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if assert.Len(t, body.FilterGroups, 1) {
			f := body.FilterGroups[0].Filters[0]
			assert.Equal(t, PropLinkedInID, f["propertyName"])
			if f["value"] == "missing" {
				_, _ = io.WriteString(w, `{"total":0,"results":[]}`)
				return
			}
		}
		_, _ = io.WriteString(w, `{"total":1,"results":[{"id":"7","properties":{"wos_linkedin_id":"p1","firstname":"Jane","wos_outreach_stage":"liked","wos_needs_enrichment":"true"}}]}`)
	})
	ctx := context.Background()

	c, ok, err := hs.FindContactByProfileID(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", c.ID)
	assert.Equal(t, models.StageLiked, c.OutreachStage)
	assert.True(t, c.NeedsEnrichment)

	_, ok, err = hs.FindContactByProfileID(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHubSpotCreateContactAssociatesCompany(t *testing.T) {
	var got map[string]any
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"99"}`)
	})

	c, err := hs.CreateContact(context.Background(), models.Contact{
		ProfileID:       "p1",
		ProfileURL:      "https://www.linkedin.com/in/jane",
		FirstName:       "Jane",
		CompanyID:       "42",
		OperatorID:      "111",
		NeedsEnrichment: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "99", c.ID)

	props := got["properties"].(map[string]any)
	assert.Equal(t, "p1", props[PropLinkedInID])
	assert.Equal(t, "true", props[PropNeedsEnrichment])
	assert.NotContains(t, props, PropEmail)
	assoc := got["associations"].([]any)[0].(map[string]any)
	assert.Equal(t, "42", assoc["to"].(map[string]any)["id"])
}

func TestHubSpotUpdateContactSendsOnlySetFields(t *testing.T) {
	var got map[string]map[string]string
	var calls atomic.Int32
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"id":"7"}`)
	})
	ctx := context.Background()

	accepted := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	require.NoError(t, hs.UpdateContact(ctx, "7", ContactUpdate{
		OutreachStage:        Ptr(models.StageConnected),
		ConnectionAcceptedAt: &accepted,
	}))
	assert.Equal(t, map[string]string{
		PropOutreachStage:      "connected",
		PropConnectionAccepted: "1709719200000",
	}, got["properties"])

	require.NoError(t, hs.UpdateContact(ctx, "7", ContactUpdate{}))
	assert.Equal(t, int32(1), calls.Load(), "empty updates are not sent")
}

func TestHubSpotRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"message":"slow down"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"42"}`)
	})
	require.NoError(t, hs.UpdateCompany(context.Background(), "42", CompanyUpdate{RunStatus: "completed"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHubSpotBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"Property values were not valid"}`)
	})
	err := hs.UpdateCompany(context.Background(), "42", CompanyUpdate{RunStatus: "completed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Property values were not valid")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHubSpotVerifyProperties(t *testing.T) {
	var mu sync.Mutex
	var created []string
	hs := newTestHubSpot(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Only the run status properties are missing.
			if strings.HasSuffix(r.URL.Path, "/"+PropCompanyRunStatus) || strings.HasSuffix(r.URL.Path, "/"+PropCompanyRunSummary) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = io.WriteString(w, `{"name":"x"}`)
			return
		}
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "companyinformation", body["groupName"])
		mu.Lock()
		created = append(created, body["name"].(string))
		mu.Unlock()
		_, _ = io.WriteString(w, `{}`)
	})
	ctx := context.Background()

	missing, err := hs.VerifyProperties(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"companies." + PropCompanyRunStatus, "companies." + PropCompanyRunSummary}, missing)
	assert.Empty(t, created)

	missing, err = hs.VerifyProperties(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, []string{PropCompanyRunStatus, PropCompanyRunSummary}, created)
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "acme.io", NormalizeDomain("https://www.Acme.io/about"))
	assert.Equal(t, "acme.io", NormalizeDomain(" acme.io "))
	assert.Equal(t, "", NormalizeDomain(""))
}

func TestMemoryUpdateContact(t *testing.T) {
	m := NewMemory()
	c := m.AddContact(models.Contact{ProfileID: "p1", OutreachStage: models.StageDiscovered})
	ctx := context.Background()

	require.NoError(t, m.UpdateContact(ctx, c.ID, ContactUpdate{
		OutreachStage:  Ptr(models.StageLiked),
		SequenceStatus: Ptr(models.SequenceInProgress),
	}))
	got, err := m.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageLiked, got.OutreachStage)
	assert.Equal(t, models.SequenceInProgress, got.SequenceStatus)

	assert.ErrorIs(t, m.UpdateContact(ctx, "missing", ContactUpdate{}), ErrNotFound)
}
