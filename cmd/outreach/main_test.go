package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
database:
  path: %DB%
logging:
  level: error
crm:
  backend: memory
tenants:
  - prefix: ACME
    company_name: Acme Outreach
    operators:
      - name: Jane Operator
        hubspot_owner_id: "111"
        daily_limit: 12
    personas:
      - title_keywords: CTO
        location: "103644278"
        network_distance: second
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := bytes.ReplaceAll([]byte(testConfig), []byte("%DB%"), []byte(filepath.Join(dir, "outreach.db")))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	companyFlag, operatorFlag, reasonFlag, jsonFlag, createFlag = "", "", "", false, false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrateCreatesDatabase(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "is up to date")
	assert.FileExists(t, filepath.Join(filepath.Dir(cfg), "outreach.db"))
}

func TestBudgetListsConfiguredOperators(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "budget")
	require.NoError(t, err)
	assert.Contains(t, out, "111")
	assert.Contains(t, out, "0/12", "operator limit overrides the default")
	assert.Contains(t, out, "0/150")
}

func TestStatusOnEmptyDatabase(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "--config", cfg, "status", "missing-run")
	assert.ErrorContains(t, err, "unknown run missing-run")

	out, err := execute(t, "--config", cfg, "status", "--company", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")
}

func TestValidateReportsMissingCredentials(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "validate")
	assert.Contains(t, out, "tenant ACME: 1 operators, persona sets [default]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACME_UNIPILE_API_KEY")
}

func TestRunRequiresCompanyAndOperator(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "--config", cfg, "run", "--operator", "111")
	assert.ErrorContains(t, err, "company")
}
