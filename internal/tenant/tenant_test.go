package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/crm"
	"github.com/example/outreach/internal/enrich"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CRM.Backend = "memory"
	cfg.Tenants = []config.Tenant{
		{
			Prefix:    "ACME",
			Operators: []config.Operator{{ID: "111", Name: "Ann", HubSpotOwnerID: "111"}},
			Credentials: config.Credentials{
				UnipileAPIKey:    "k",
				UnipileAccountID: "a",
				UnipileDNS:       "api1.unipile.com:13111",
			},
		},
		{
			Prefix:    "BETA",
			Operators: []config.Operator{{ID: "222", Name: "Bob", HubSpotOwnerID: "222"}},
			Credentials: config.Credentials{
				UnipileAPIKey:    "k2",
				UnipileAccountID: "b",
				UnipileDNS:       "api2.unipile.com:13111",
				CargoAPIKey:      "cargo",
			},
		},
	}
	return cfg
}

func TestRegistryResolvesOperators(t *testing.T) {
	r, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	ten, op, err := r.ForOperator("222")
	require.NoError(t, err)
	assert.Equal(t, "BETA", ten.Prefix)
	assert.Equal(t, "Bob", op.Name)
	assert.Equal(t, "BETA", op.Tenant)
	assert.IsType(t, &crm.Memory{}, ten.CRM)
	assert.IsType(t, &enrich.HTTPClient{}, ten.Enrich)

	_, _, err = r.ForOperator("999")
	assert.ErrorIs(t, err, ErrUnknownOperator)

	assert.Len(t, r.Tenants(), 2)
	assert.Equal(t, "ACME", r.Tenants()[0].Prefix)
	assert.Len(t, r.Operators(), 2)
}

func TestMissingEnrichmentKeyIsUnavailable(t *testing.T) {
	r, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	ten, ok := r.Get("ACME")
	require.True(t, ok)
	_, _, err = ten.Enrich.Lookup(context.Background(), "https://www.linkedin.com/in/x")
	assert.ErrorIs(t, err, enrich.ErrUnavailable)
}

func TestHubSpotBackendNeedsToken(t *testing.T) {
	cfg := testConfig()
	cfg.CRM.Backend = "hubspot"
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}
