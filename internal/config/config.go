package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/outreach/internal/models"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr         string        `yaml:"addr"`
		SharedSecret string        `yaml:"shared_secret"`
		RunTimeout   time.Duration `yaml:"run_timeout"`
	} `yaml:"server"`
	Redis struct {
		URL      string        `yaml:"url"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
		DedupTTL time.Duration `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	Limits struct {
		DailyLimit      int     `yaml:"daily_limit"`
		WeeklyLimit     int     `yaml:"weekly_limit"`
		Timezone        string  `yaml:"timezone"`
		ChecksPerMinute float64 `yaml:"checks_per_minute"`
		CheckBurst      int     `yaml:"check_burst"`
	} `yaml:"limits"`
	Pacing struct {
		MinActionSpacing    time.Duration `yaml:"min_action_spacing"`
		InviteBatchInterval time.Duration `yaml:"invite_batch_interval"`
		Jitter              time.Duration `yaml:"jitter"`
		ActiveStart         string        `yaml:"active_start"`
		ActiveEnd           string        `yaml:"active_end"`
	} `yaml:"pacing"`
	Sequence struct {
		Name           string        `yaml:"name"`
		MaxRetries     int           `yaml:"max_retries"`
		MaxReschedules int           `yaml:"max_reschedules"`
		RetryBase      time.Duration `yaml:"retry_base"`
		RetryMax       time.Duration `yaml:"retry_max"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		SweepEvery     time.Duration `yaml:"sweep_every"`
		FollowUpEvery  time.Duration `yaml:"follow_up_every"`
		FollowUpDelay  time.Duration `yaml:"follow_up_delay"`
		Concurrency    int           `yaml:"concurrency"`
	} `yaml:"sequence"`
	Templates struct {
		ConnectionNote string `yaml:"connection_note_template"`
		FollowUp       string `yaml:"follow_up_message_template"`
	} `yaml:"templates"`
	CRM struct {
		Backend string        `yaml:"backend"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"crm"`
	Proxy struct {
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		MaxRetries        int           `yaml:"max_retries"`
		SearchLimit       int           `yaml:"search_limit"`
	} `yaml:"proxy"`
	Enrichment struct {
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"enrichment"`
	Tenants []Tenant `yaml:"tenants"`
}

type Tenant struct {
	Prefix      string               `yaml:"prefix"`
	CompanyName string               `yaml:"company_name"`
	Operators   []Operator           `yaml:"operators"`
	Personas    []Persona            `yaml:"personas"`
	PersonaSets map[string][]Persona `yaml:"persona_sets"`
	Credentials Credentials          `yaml:"-"`
}

type Operator struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	HubSpotOwnerID string `yaml:"hubspot_owner_id"`
	DailyLimit     int    `yaml:"daily_limit"`
	WeeklyLimit    int    `yaml:"weekly_limit"`
}

type Persona struct {
	TitleKeywords   string `yaml:"title_keywords"`
	Language        string `yaml:"language"`
	NetworkDistance string `yaml:"network_distance"`
	Location        string `yaml:"location"`
}

type Credentials struct {
	HubSpotToken     string
	UnipileAPIKey    string
	UnipileAccountID string
	UnipileDNS       string
	CargoAPIKey      string
}

// DefaultPersonaSet is the set name used for a tenant's top-level personas list.
const DefaultPersonaSet = "default"

var prefixRe = regexp.MustCompile(`^[A-Z]{2,4}$`)

func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional
	cfg := defaultConfig()
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without reading files or env.
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	var cfg Config
	cfg.Database.Path = "outreach.db"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Server.Addr = ":8080"
	cfg.Server.RunTimeout = 10 * time.Minute
	cfg.Redis.LockTTL = 10 * time.Second
	cfg.Redis.DedupTTL = 30 * 24 * time.Hour
	cfg.Limits.DailyLimit = 20
	cfg.Limits.WeeklyLimit = 150
	cfg.Limits.Timezone = "UTC"
	cfg.Limits.ChecksPerMinute = 6
	cfg.Limits.CheckBurst = 3
	cfg.Pacing.MinActionSpacing = 90 * time.Second
	cfg.Pacing.InviteBatchInterval = 15 * time.Minute
	cfg.Pacing.Jitter = 5 * time.Minute
	cfg.Sequence.Name = "wos-linkedin"
	cfg.Sequence.MaxRetries = 3
	cfg.Sequence.MaxReschedules = 60
	cfg.Sequence.RetryBase = 5 * time.Minute
	cfg.Sequence.RetryMax = 6 * time.Hour
	cfg.Sequence.PollInterval = 6 * time.Hour
	cfg.Sequence.SweepEvery = 30 * time.Second
	cfg.Sequence.FollowUpEvery = 10 * time.Minute
	cfg.Sequence.FollowUpDelay = 24 * time.Hour
	cfg.Sequence.Concurrency = 8
	cfg.Templates.ConnectionNote = "Hi {{Name}}, noticed your work at {{Company}} as {{Title}}. Would love to connect."
	cfg.Templates.FollowUp = ""
	cfg.CRM.Backend = "hubspot"
	cfg.CRM.BaseURL = "https://api.hubapi.com"
	cfg.CRM.Timeout = 30 * time.Second
	cfg.Proxy.Timeout = 30 * time.Second
	cfg.Proxy.RequestsPerSecond = 1
	cfg.Proxy.Burst = 2
	cfg.Proxy.MaxRetries = 4
	cfg.Proxy.SearchLimit = 25
	cfg.Enrichment.BaseURL = "https://api.getcargo.io"
	cfg.Enrichment.Timeout = 30 * time.Second
	cfg.Enrichment.CacheTTL = 24 * time.Hour
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OUTREACH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OUTREACH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OUTREACH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("OUTREACH_SHARED_SECRET"); v != "" {
		cfg.Server.SharedSecret = v
	}
	if v := os.Getenv("OUTREACH_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("OUTREACH_CRM_BACKEND"); v != "" {
		cfg.CRM.Backend = v
	}
	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		p := strings.ToUpper(t.Prefix)
		t.Credentials = Credentials{
			HubSpotToken:     os.Getenv(p + "_HUBSPOT_TOKEN"),
			UnipileAPIKey:    os.Getenv(p + "_UNIPILE_API_KEY"),
			UnipileAccountID: os.Getenv(p + "_UNIPILE_ACCOUNT_ID"),
			UnipileDNS:       os.Getenv(p + "_UNIPILE_DNS"),
			CargoAPIKey:      os.Getenv(p + "_CARGO_API_KEY"),
		}
	}
}

func normalize(cfg *Config) {
	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		t.Prefix = strings.ToUpper(strings.TrimSpace(t.Prefix))
		if len(t.Personas) > 0 {
			if t.PersonaSets == nil {
				t.PersonaSets = map[string][]Persona{}
			}
			if _, ok := t.PersonaSets[DefaultPersonaSet]; !ok {
				t.PersonaSets[DefaultPersonaSet] = t.Personas
			}
		}
		for j := range t.Operators {
			op := &t.Operators[j]
			if op.ID == "" {
				op.ID = op.HubSpotOwnerID
			}
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if cfg.Limits.DailyLimit <= 0 {
		return errors.New("limits.daily_limit must be > 0")
	}
	if cfg.Limits.WeeklyLimit <= 0 {
		return errors.New("limits.weekly_limit must be > 0")
	}
	if _, err := time.LoadLocation(cfg.Limits.Timezone); err != nil {
		return fmt.Errorf("limits.timezone: %w", err)
	}
	if cfg.Pacing.MinActionSpacing < 0 || cfg.Pacing.InviteBatchInterval < 0 || cfg.Pacing.Jitter < 0 {
		return errors.New("pacing durations must be >= 0")
	}
	if (cfg.Pacing.ActiveStart == "") != (cfg.Pacing.ActiveEnd == "") {
		return errors.New("pacing.active_start and pacing.active_end must be set together")
	}
	for _, v := range []string{cfg.Pacing.ActiveStart, cfg.Pacing.ActiveEnd} {
		if v == "" {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("pacing active window %q: want HH:MM", v)
		}
	}
	if cfg.Server.RunTimeout <= 0 {
		return errors.New("server.run_timeout must be > 0")
	}
	if cfg.Sequence.MaxRetries < 0 {
		return errors.New("sequence.max_retries must be >= 0")
	}
	if cfg.Sequence.PollInterval <= 0 {
		return errors.New("sequence.poll_interval must be > 0")
	}
	if cfg.Sequence.SweepEvery <= 0 {
		return errors.New("sequence.sweep_every must be > 0")
	}
	switch cfg.CRM.Backend {
	case "hubspot", "memory":
	default:
		return fmt.Errorf("crm.backend must be hubspot or memory, got %q", cfg.CRM.Backend)
	}

	var errs []error
	seenPrefix := map[string]bool{}
	seenOperator := map[string]string{}
	for i, t := range cfg.Tenants {
		label := fmt.Sprintf("tenant %d", i+1)
		if t.Prefix != "" {
			label = "tenant " + t.Prefix
		}
		if !prefixRe.MatchString(t.Prefix) {
			errs = append(errs, fmt.Errorf("%s: prefix must be 2-4 uppercase letters, got %q", label, t.Prefix))
		}
		if seenPrefix[t.Prefix] {
			errs = append(errs, fmt.Errorf("%s: duplicate prefix", label))
		}
		seenPrefix[t.Prefix] = true
		if len(t.Operators) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one operator is required", label))
		}
		for j, op := range t.Operators {
			if op.Name == "" {
				errs = append(errs, fmt.Errorf("%s: operator %d: missing name", label, j+1))
			}
			if op.HubSpotOwnerID == "" {
				errs = append(errs, fmt.Errorf("%s: operator %d: missing hubspot_owner_id", label, j+1))
			} else if !isDigits(op.HubSpotOwnerID) {
				errs = append(errs, fmt.Errorf("%s: operator %d: hubspot_owner_id must be numeric, got %q", label, j+1, op.HubSpotOwnerID))
			}
			if op.DailyLimit < 0 || op.WeeklyLimit < 0 {
				errs = append(errs, fmt.Errorf("%s: operator %d: limits must be >= 0", label, j+1))
			}
			if other, ok := seenOperator[op.ID]; ok && op.ID != "" {
				errs = append(errs, fmt.Errorf("%s: operator id %q already used by tenant %s", label, op.ID, other))
			}
			seenOperator[op.ID] = t.Prefix
		}
		if len(t.PersonaSets) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one persona is required", label))
		}
		for name, set := range t.PersonaSets {
			if len(set) == 0 {
				errs = append(errs, fmt.Errorf("%s: persona set %q is empty", label, name))
			}
			for k, p := range set {
				if strings.TrimSpace(p.TitleKeywords) == "" {
					errs = append(errs, fmt.Errorf("%s: persona set %q persona %d: missing title_keywords", label, name, k+1))
				}
				if strings.TrimSpace(p.Location) == "" {
					errs = append(errs, fmt.Errorf("%s: persona set %q persona %d: missing location", label, name, k+1))
				}
				if _, ok := models.ParseNetworkDistance(p.NetworkDistance); !ok {
					errs = append(errs, fmt.Errorf("%s: persona set %q persona %d: unknown network_distance %q", label, name, k+1, p.NetworkDistance))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// ValidateCredentials checks that every tenant has the credentials the
// configured backends need. Kept apart from Load so that offline commands
// (migrate, budget) work without secrets.
func (c *Config) ValidateCredentials() error {
	var errs []error
	for _, t := range c.Tenants {
		need := map[string]string{
			"UNIPILE_API_KEY":    t.Credentials.UnipileAPIKey,
			"UNIPILE_ACCOUNT_ID": t.Credentials.UnipileAccountID,
			"UNIPILE_DNS":        t.Credentials.UnipileDNS,
			"CARGO_API_KEY":      t.Credentials.CargoAPIKey,
		}
		if c.CRM.Backend == "hubspot" {
			need["HUBSPOT_TOKEN"] = t.Credentials.HubSpotToken
		}
		for _, key := range []string{"HUBSPOT_TOKEN", "UNIPILE_API_KEY", "UNIPILE_ACCOUNT_ID", "UNIPILE_DNS", "CARGO_API_KEY"} {
			if v, ok := need[key]; ok && strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Errorf("tenant %s: missing or empty credential %s_%s", t.Prefix, t.Prefix, key))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Limits.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Operator looks an operator up across all tenants.
func (c *Config) Operator(id string) (*Tenant, Operator, bool) {
	for i := range c.Tenants {
		for _, op := range c.Tenants[i].Operators {
			if op.ID == id {
				return &c.Tenants[i], op, true
			}
		}
	}
	return nil, Operator{}, false
}

// OperatorLimits returns the effective daily and weekly limits for an operator.
func (c *Config) OperatorLimits(id string) (int, int) {
	daily, weekly := c.Limits.DailyLimit, c.Limits.WeeklyLimit
	if _, op, ok := c.Operator(id); ok {
		if op.DailyLimit > 0 {
			daily = op.DailyLimit
		}
		if op.WeeklyLimit > 0 {
			weekly = op.WeeklyLimit
		}
	}
	return daily, weekly
}

func (o Operator) Model(tenant string) models.Operator {
	return models.Operator{ID: o.ID, Name: o.Name, OwnerID: o.HubSpotOwnerID, Tenant: tenant}
}

func (p Persona) Model() models.Persona {
	d, _ := models.ParseNetworkDistance(p.NetworkDistance)
	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	return models.Persona{
		TitleKeywords:   strings.TrimSpace(p.TitleKeywords),
		Language:        lang,
		NetworkDistance: d,
		Location:        strings.TrimSpace(p.Location),
	}
}

// PersonaSet resolves a named persona set of the tenant.
func (t *Tenant) PersonaSet(ref string) ([]models.Persona, bool) {
	set, ok := t.PersonaSets[ref]
	if !ok || len(set) == 0 {
		return nil, false
	}
	out := make([]models.Persona, 0, len(set))
	for _, p := range set {
		out = append(out, p.Model())
	}
	return out, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
