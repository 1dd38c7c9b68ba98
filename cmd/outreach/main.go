package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/coord"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/messaging"
	"github.com/example/outreach/internal/metrics"
	"github.com/example/outreach/internal/orchestrator"
	"github.com/example/outreach/internal/proxy"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/sequencer"
	"github.com/example/outreach/internal/stealth"
	"github.com/example/outreach/internal/store"
	"github.com/example/outreach/internal/tenant"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "outreach",
	Short:         "outreach - multi-tenant connection outreach engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// engine holds everything a command may need. Offline commands only use
// the store and limiter and never touch tenant credentials.
type engine struct {
	cfg     *config.Config
	log     *logging.Logger
	st      *store.Store
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	redis   *redis.Client
	locker  coord.Locker
	lim     *ratelimit.Limiter

	tenants   *tenant.Registry
	seq       *sequencer.Sequencer
	orch      *orchestrator.Orchestrator
	followUps *messaging.Service
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openEngine loads config, opens the store and builds the limiter.
func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	e := &engine{cfg: cfg, log: log, st: st, reg: prometheus.NewRegistry()}
	e.metrics = metrics.New(e.reg)

	if cfg.Redis.URL != "" {
		e.redis, err = coord.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.locker = coord.NewRedisLocker(e.redis, cfg.Redis.LockTTL)
	} else {
		e.locker = coord.NewLocalLocker()
	}

	e.lim = ratelimit.New(st, e.locker, ratelimit.Options{
		Limits:              cfg.OperatorLimits,
		Location:            cfg.Location(),
		MinActionSpacing:    cfg.Pacing.MinActionSpacing,
		InviteBatchInterval: cfg.Pacing.InviteBatchInterval,
		ChecksPerMinute:     cfg.Limits.ChecksPerMinute,
		CheckBurst:          cfg.Limits.CheckBurst,
		Metrics:             e.metrics,
		Logger:              log,
	})
	log.Debug("engine opened", "db_path", cfg.Database.Path, "redis", cfg.Redis.URL != "")
	return e, nil
}

// openFull additionally builds tenant clients, the sequencer and the
// orchestrator. Credentials are required from here on.
func openFull(ctx context.Context) (*engine, error) {
	e, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cfg.ValidateCredentials(); err != nil {
		e.Close()
		return nil, err
	}
	e.tenants, err = tenant.New(e.cfg, e.metrics, e.log)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("build tenants: %w", err)
	}
	e.wire()
	return e, nil
}

func (e *engine) wire() {
	cfg := e.cfg
	proxies := proxy.Resolver(func(operatorID string) (proxy.Client, error) {
		t, _, err := e.tenants.ForOperator(operatorID)
		if err != nil {
			return nil, err
		}
		return t.Proxy, nil
	})

	e.seq = sequencer.New(e.st, e.lim, e.locker, proxies, sequencer.Options{
		MaxRetries:     cfg.Sequence.MaxRetries,
		MaxReschedules: cfg.Sequence.MaxReschedules,
		RetryBase:      cfg.Sequence.RetryBase,
		RetryMax:       cfg.Sequence.RetryMax,
		PollInterval:   cfg.Sequence.PollInterval,
		Jitter:         cfg.Pacing.Jitter,
		Active:         stealth.Window{Start: cfg.Pacing.ActiveStart, End: cfg.Pacing.ActiveEnd},
		Location:       cfg.Location(),
		NoteTemplate:   cfg.Templates.ConnectionNote,
		Concurrency:    cfg.Sequence.Concurrency,
		Metrics:        e.metrics,
		Logger:         e.log,
	})

	var dedup orchestrator.Deduper
	if e.redis != nil {
		dedup = coord.NewRedisDeduper(e.redis, cfg.Redis.DedupTTL, e.claimLease())
	}
	e.orch = orchestrator.New(e.st, e.tenants, e.lim, e.locker, e.seq, orchestrator.Options{
		SequenceName:     cfg.Sequence.Name,
		SearchLimit:      cfg.Proxy.SearchLimit,
		HandOffMessaging: cfg.Templates.FollowUp == "",
		Deduper:          dedup,
		ClaimLease:       e.claimLease(),
		Metrics:          e.metrics,
		Logger:           e.log,
	})
	e.seq.SetObserver(e.orch)

	if cfg.Templates.FollowUp != "" {
		e.followUps = messaging.New(e.st, e.lim, proxies, messaging.Options{
			Template: cfg.Templates.FollowUp,
			Delay:    cfg.Sequence.FollowUpDelay,
			Sent:     e.orch.FollowUpSent,
			Logger:   e.log,
		})
	}
}

// claimLease outlasts any run bounded by the run timeout.
func (e *engine) claimLease() time.Duration {
	return e.cfg.Server.RunTimeout + 5*time.Minute
}

func (e *engine) worker() *sequencer.Worker {
	opts := sequencer.WorkerOptions{
		SweepEvery:    e.cfg.Sequence.SweepEvery,
		FollowUpEvery: e.cfg.Sequence.FollowUpEvery,
		Location:      e.cfg.Location(),
		Logger:        e.log,
	}
	// A typed nil would defeat the worker's nil check.
	if e.followUps == nil {
		return sequencer.NewWorker(e.seq, nil, opts)
	}
	return sequencer.NewWorker(e.seq, e.followUps, opts)
}

func (e *engine) Close() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.log.Warn("close redis", "err", err)
		}
	}
	e.st.Close()
}

// registerRuntime adds the Go and process collectors unless the HTTP
// middleware already did.
func registerRuntime(reg *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		var are prometheus.AlreadyRegisteredError
		if err := reg.Register(c); err != nil && !errors.As(err, &are) {
			panic(err)
		}
	}
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d)
}
