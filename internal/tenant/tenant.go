// Package tenant turns tenant configuration rows into the per-tenant
// collaborators one shared engine runs against.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/crm"
	"github.com/example/outreach/internal/enrich"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/proxy"
)

var ErrUnknownOperator = errors.New("unknown operator")

type Tenant struct {
	Prefix string
	Config *config.Tenant
	CRM    crm.Client
	Proxy  proxy.Client
	Enrich enrich.Client
}

type Registry struct {
	cfg     *config.Config
	tenants map[string]*Tenant
}

// New builds clients for every configured tenant from its credentials.
func New(cfg *config.Config, m *metrics.Metrics, log *logging.Logger) (*Registry, error) {
	r := &Registry{cfg: cfg, tenants: map[string]*Tenant{}}
	for i := range cfg.Tenants {
		tc := &cfg.Tenants[i]
		t, err := build(cfg, tc, m, log)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tc.Prefix, err)
		}
		r.tenants[tc.Prefix] = t
	}
	return r, nil
}

// NewStatic wires prebuilt tenants, keyed by prefix. Used by tests and
// dry runs.
func NewStatic(cfg *config.Config, tenants ...*Tenant) *Registry {
	r := &Registry{cfg: cfg, tenants: map[string]*Tenant{}}
	for _, t := range tenants {
		if t.Config == nil {
			for i := range cfg.Tenants {
				if cfg.Tenants[i].Prefix == t.Prefix {
					t.Config = &cfg.Tenants[i]
				}
			}
		}
		r.tenants[t.Prefix] = t
	}
	return r
}

func build(cfg *config.Config, tc *config.Tenant, m *metrics.Metrics, log *logging.Logger) (*Tenant, error) {
	creds := tc.Credentials
	t := &Tenant{Prefix: tc.Prefix, Config: tc}

	switch cfg.CRM.Backend {
	case "memory":
		t.CRM = crm.NewMemory()
	default:
		hs, err := crm.NewHubSpot(cfg.CRM.BaseURL, creds.HubSpotToken, cfg.CRM.Timeout, log)
		if err != nil {
			return nil, err
		}
		t.CRM = hs
	}

	px, err := proxy.NewHTTPClient(proxy.Options{
		BaseURL:           creds.UnipileDNS,
		APIKey:            creds.UnipileAPIKey,
		AccountID:         creds.UnipileAccountID,
		Timeout:           cfg.Proxy.Timeout,
		RequestsPerSecond: cfg.Proxy.RequestsPerSecond,
		Burst:             cfg.Proxy.Burst,
		MaxRetries:        cfg.Proxy.MaxRetries,
		Metrics:           m,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}
	t.Proxy = px

	if creds.CargoAPIKey == "" {
		t.Enrich = enrich.Func(func(context.Context, string) (string, bool, error) {
			return "", false, fmt.Errorf("%w: no api key for tenant %s", enrich.ErrUnavailable, tc.Prefix)
		})
	} else {
		ec, err := enrich.NewHTTPClient(enrich.Options{
			BaseURL:  cfg.Enrichment.BaseURL,
			APIKey:   creds.CargoAPIKey,
			Timeout:  cfg.Enrichment.Timeout,
			CacheTTL: cfg.Enrichment.CacheTTL,
			Metrics:  m,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		t.Enrich = ec
	}
	return t, nil
}

// ForOperator resolves the tenant that owns an operator.
func (r *Registry) ForOperator(operatorID string) (*Tenant, models.Operator, error) {
	tc, op, ok := r.cfg.Operator(operatorID)
	if !ok {
		return nil, models.Operator{}, fmt.Errorf("%w: %s", ErrUnknownOperator, operatorID)
	}
	t, ok := r.tenants[tc.Prefix]
	if !ok {
		return nil, models.Operator{}, fmt.Errorf("tenant %s not initialised", tc.Prefix)
	}
	return t, op.Model(tc.Prefix), nil
}

func (r *Registry) Get(prefix string) (*Tenant, bool) {
	t, ok := r.tenants[prefix]
	return t, ok
}

func (r *Registry) Tenants() []*Tenant {
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Operators lists every configured operator with its tenant prefix.
func (r *Registry) Operators() []models.Operator {
	var out []models.Operator
	for _, tc := range r.cfg.Tenants {
		for _, op := range tc.Operators {
			out = append(out, op.Model(tc.Prefix))
		}
	}
	return out
}
