// Package ingress is the HTTP surface of the engine: trigger delivery,
// sequence control and read-only status endpoints.
package ingress

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

// SecretHeader carries the shared secret when one is configured.
const SecretHeader = "X-Outreach-Secret"

type Runner interface {
	Run(ctx context.Context, trig models.Trigger) (models.RunResult, error)
}

type Stopper interface {
	Stop(ctx context.Context, runID, reason string) (models.SequenceRun, error)
}

type Budgets interface {
	Snapshot(ctx context.Context, operatorID string) (models.RateBudget, error)
}

// Store is the read side the status endpoints need.
type Store interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context, id string) (models.SequenceRun, error)
	ActionLogs(ctx context.Context, runID string) ([]models.ActionLog, error)
}

type Options struct {
	SharedSecret string
	// Registry receives the HTTP metrics and is served on /metrics.
	Registry   *prometheus.Registry
	RunTimeout time.Duration
	Now        func() time.Time
	Logger     *logging.Logger
}

type Server struct {
	app     *fiber.App
	runner  Runner
	stopper Stopper
	budgets Budgets
	st      Store
	opts    Options
	log     *logging.Logger

	mu      sync.Mutex
	pending sync.WaitGroup
	closing bool
}

func New(runner Runner, stopper Stopper, budgets Budgets, st Store, opts Options) *Server {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{
		runner:  runner,
		stopper: stopper,
		budgets: budgets,
		st:      st,
		opts:    opts,
		log:     opts.Logger.With("module", "ingress"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "outreach",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          opts.RunTimeout + 30*time.Second,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLog)

	if opts.Registry != nil {
		prom := fiberprometheus.NewWithRegistry(opts.Registry, "outreach", "http", "", nil)
		prom.RegisterAt(s.app, "/metrics")
		s.app.Use(prom.Middleware)
	}

	s.app.Get("/healthz", s.health)
	v1 := s.app.Group("/v1", s.authenticate)
	v1.Post("/triggers", s.trigger)
	v1.Get("/sequences/:id", s.sequence)
	v1.Post("/sequences/:id/stop", s.stop)
	v1.Get("/operators/:id/budget", s.budget)
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for background runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.app.ShutdownWithContext(ctx)
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) authenticate(c *fiber.Ctx) error {
	if s.opts.SharedSecret == "" {
		return c.Next()
	}
	got := c.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.SharedSecret)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or missing shared secret")
	}
	return c.Next()
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	began := time.Now()
	err := c.Next()
	s.log.Debug("request", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode(), "took", time.Since(began), "err", err)
	return err
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "err", err)
		return c.Status(code).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "healthy", "timestamp": s.opts.Now().UTC().Format(time.RFC3339)})
}
