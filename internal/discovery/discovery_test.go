package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
	"github.com/example/outreach/internal/proxy/proxytest"
)

var (
	cto = models.Persona{TitleKeywords: "CTO OR \"VP Engineering\"", Language: "en", NetworkDistance: models.DistanceSecond, Location: "Berlin"}
	hr  = models.Persona{TitleKeywords: "Head of People", Language: "en", NetworkDistance: models.DistanceSecond, Location: "Berlin"}
	ops = models.Persona{TitleKeywords: "COO", Language: "en", NetworkDistance: models.DistanceThirdOrFurther, Location: "Berlin"}

	acme = models.Company{ID: "42", Name: "Acme", Domain: "acme.io"}
)

func TestFindDedupesKeepingFirstPersona(t *testing.T) {
	px := proxytest.NewFake()
	px.AddSearch(cto.TitleKeywords,
		proxy.Profile{ProfileID: "p1", Name: "Jane Doe", PublicID: "jane"},
		proxy.Profile{ProfileID: "p2", Name: "Max Mustermann", ProfileURL: "https://www.linkedin.com/in/max?trk=x"},
	)
	px.AddSearch(hr.TitleKeywords,
		proxy.Profile{ProfileID: "p2", Name: "Max Mustermann"},
		proxy.Profile{ProfileID: "p3", Name: "Erika"},
	)

	leads, failures := Collect(New(px, 25, nil).Find(context.Background(), acme, []models.Persona{cto, hr}))
	require.Empty(t, failures)
	require.Len(t, leads, 3)
	assert.Equal(t, "p1", leads[0].ProfileID)
	assert.Equal(t, "https://www.linkedin.com/in/jane", leads[0].ProfileURL)
	assert.Equal(t, "https://www.linkedin.com/in/max", leads[1].ProfileURL)
	assert.Equal(t, cto, leads[1].Persona)
	assert.Equal(t, "p3", leads[2].ProfileID)
	assert.Equal(t, hr, leads[2].Persona)
}

func TestFindIsLazy(t *testing.T) {
	px := proxytest.NewFake()
	px.AddSearch(cto.TitleKeywords, proxy.Profile{ProfileID: "p1"}, proxy.Profile{ProfileID: "p2"})
	px.AddSearch(hr.TitleKeywords, proxy.Profile{ProfileID: "p3"})

	seq := New(px, 25, nil).Find(context.Background(), acme, []models.Persona{cto, hr})
	assert.Empty(t, px.CallsFor("search"))

	for lead, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "p1", lead.ProfileID)
		break
	}
	assert.Len(t, px.CallsFor("search"), 1, "second persona is never searched")
}

func TestFindAllEmptyIsNotAnError(t *testing.T) {
	px := proxytest.NewFake()
	leads, failures := Collect(New(px, 25, nil).Find(context.Background(), acme, []models.Persona{cto, hr, ops}))
	assert.Empty(t, leads)
	assert.Empty(t, failures)
	assert.Len(t, px.CallsFor("search"), 3)
}

func TestFindContinuesAfterPersonaFailure(t *testing.T) {
	px := proxytest.NewFake()
	boom := &proxy.TransientError{Op: "search", Status: 503, Err: errors.New("unavailable")}
	px.FailNext("search", boom)
	px.AddSearch(hr.TitleKeywords, proxy.Profile{ProfileID: "p3"})

	leads, failures := Collect(New(px, 25, nil).Find(context.Background(), acme, []models.Persona{cto, hr}))
	require.Len(t, failures, 1)
	assert.Equal(t, cto, failures[0].Persona)
	assert.True(t, proxy.IsTransient(failures[0]))
	require.Len(t, leads, 1)
	assert.Equal(t, "p3", leads[0].ProfileID)
}

func TestFindScopesSearchToCompany(t *testing.T) {
	var got []proxy.SearchQuery
	px := &recordingClient{Fake: proxytest.NewFake(), queries: &got}
	_, _ = Collect(New(px, 10, nil).Find(context.Background(), acme, []models.Persona{ops}))
	require.Len(t, got, 1)
	assert.Equal(t, "Acme", got[0].CompanyName)
	assert.Equal(t, "acme.io", got[0].CompanyDomain)
	assert.Equal(t, models.DistanceThirdOrFurther, got[0].NetworkDistance)
	assert.Equal(t, 10, got[0].Limit)
}

func TestFindStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	px := proxytest.NewFake()
	_, failures := Collect(New(px, 25, nil).Find(ctx, acme, []models.Persona{cto, hr}))
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], context.Canceled)
	assert.Empty(t, px.CallsFor("search"))
}

type recordingClient struct {
	*proxytest.Fake
	queries *[]proxy.SearchQuery
}

func (r *recordingClient) Search(ctx context.Context, q proxy.SearchQuery) ([]proxy.Profile, error) {
	*r.queries = append(*r.queries, q)
	return r.Fake.Search(ctx, q)
}
