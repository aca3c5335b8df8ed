// Package server assembles the wizard server from its configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gabrielmiguelok/livewizard/internal/config"
	"github.com/gabrielmiguelok/livewizard/internal/tournament"
	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/forms"
	"github.com/gabrielmiguelok/livewizard/pkg/health"
	"github.com/gabrielmiguelok/livewizard/pkg/live"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/metrics"
	"github.com/gabrielmiguelok/livewizard/pkg/shutdown"
	"github.com/gabrielmiguelok/livewizard/pkg/sink"
	"github.com/gabrielmiguelok/livewizard/pkg/state"
	"github.com/gabrielmiguelok/livewizard/pkg/tracing"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Version is reported by the health endpoints.
var Version = "dev"

// LoadDefinitions returns the built-in tournament wizards plus those of the
// configured directory and OpenAPI document.
func LoadDefinitions(ctx context.Context, cfg *config.Config) (*definition.Registry, error) {
	customs := forms.NewCustomRegistry()
	defs, err := tournament.Load(customs, nil)
	if err != nil {
		return nil, err
	}
	if cfg.WizardsDir != "" {
		if err := defs.LoadFS(os.DirFS(cfg.WizardsDir), customs); err != nil {
			return nil, fmt.Errorf("server: wizards dir: %w", err)
		}
	}
	if cfg.OpenAPI.File != "" {
		raw, err := os.ReadFile(cfg.OpenAPI.File)
		if err != nil {
			return nil, fmt.Errorf("server: openapi: %w", err)
		}
		if err := defs.LoadOpenAPI(ctx, raw, cfg.OpenAPI.Operations...); err != nil {
			return nil, fmt.Errorf("server: openapi: %w", err)
		}
	}
	return defs, nil
}

// Sinks builds one sink per definition.
type Sinks struct {
	cfg    config.SinkConfig
	logger logging.Logger
	tracer *tracing.Tracer

	db   *sink.SQLStore
	nc   *nats.Conn
	js   jetstream.JetStream
	byID map[string]sink.Sink
	http   map[string]*sink.HTTP
}

// OpenSinks prepares the sinks of every definition in defs.
func OpenSinks(ctx context.Context, cfg config.SinkConfig, defs *definition.Registry, tracer *tracing.Tracer, logger logging.Logger) (*Sinks, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	s := &Sinks{
		cfg:    cfg,
		logger: logger,
		tracer: tracer,
		byID:   make(map[string]sink.Sink),
		http:   make(map[string]*sink.HTTP),
	}
	switch cfg.Kind {
	case config.SinkSQLite:
		db, err := sink.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.db = db
	case config.SinkPostgres:
		db, err := sink.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
	case config.SinkNATS:
		if err := s.connectNATS(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	for _, id := range defs.IDs() {
		def, _ := defs.Get(id)
		next, err := s.build(def)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.byID[id] = sink.Logged(id, next, logger)
	}
	return s, nil
}

func (s *Sinks) connectNATS(ctx context.Context) error {
	nc, err := nats.Connect(s.cfg.NATSURL, nats.Name("livewizard"))
	if err != nil {
		return fmt.Errorf("server: connect nats: %w", err)
	}
	s.nc = nc
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("server: jetstream: %w", err)
	}
	if _, err := sink.SetupStream(ctx, js, s.cfg.NATSStream, s.cfg.NATSSubject); err != nil {
		return err
	}
	s.js = js
	return nil
}

func (s *Sinks) build(def *definition.Definition) (sink.Sink, error) {
	if s.db != nil {
		return s.db.Sink(def.ID, def.Unique), nil
	}
	if s.js != nil {
		return sink.NewJetStream(s.js, s.cfg.NATSSubject, def.ID), nil
	}
	if def.Endpoint == "" {
		return nil, fmt.Errorf("server: wizard %s has no endpoint for the http sink", def.ID)
	}
	h, err := sink.NewHTTP(sink.HTTPConfig{
		BaseURL:  s.cfg.BaseURL,
		Endpoint: def.Endpoint,
		Auth:     s.cfg.Auth(),
		Timeout:  s.cfg.Timeout,
		Breaker:  s.cfg.Breaker,
		Tracer:   s.tracer,
		Logger:   s.logger,
		Fields:   def.FieldNames(),
	})
	if err != nil {
		return nil, err
	}
	s.http[def.ID] = h
	return h, nil
}

// SubmitFor returns the submit func of def.
func (s *Sinks) SubmitFor(def *definition.Definition) wizard.SubmitFunc {
	next, ok := s.byID[def.ID]
	if !ok {
		return func(context.Context, forms.Values) (*wizard.Receipt, error) {
			return nil, wizard.Reject("This form cannot be submitted", nil)
		}
	}
	return sink.SubmitFunc(next)
}

// AddChecks registers sink health checks on hc.
func (s *Sinks) AddChecks(hc *health.Checker) {
	if s.db != nil {
		hc.AddCritical(s.db.Driver(), health.PingCheck(s.db.Ping), 2*time.Second)
	}
	if s.nc != nil {
		hc.AddCritical("nats", func(context.Context) error {
			if s.nc.IsConnected() {
				return nil
			}
			return fmt.Errorf("nats %s", s.nc.Status())
		}, time.Second)
	}
	for id, h := range s.http {
		hc.Add("sink:"+id, health.BreakerCheck(h.State), time.Second)
	}
}

// Close drains the NATS connection and closes the database.
func (s *Sinks) Close() error {
	var errs []error
	if s.nc != nil {
		errs = append(errs, s.nc.Drain())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Server is the assembled HTTP server.
type Server struct {
	cfg      *config.Config
	logger   logging.Logger
	defs     *definition.Registry
	sinks    *Sinks
	store    *state.MemoryStore
	sessions *state.Manager
	live     *live.Handler
	health   *health.Checker
	metrics  *metrics.Metrics

	stopTracing func(context.Context) error
	http     *http.Server
}

// New wires every component of cfg.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	defs, err := LoadDefinitions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	stopTracing, err := tracing.Setup(cfg.TracingExporter, nil)
	if err != nil {
		return nil, err
	}
	tracer := tracing.NewTracer("livewizard")

	sinks, err := OpenSinks(ctx, cfg.Sink, defs, tracer, logger)
	if err != nil {
		_ = stopTracing(ctx)
		return nil, err
	}

	m := metrics.New("livewizard")
	store := state.NewMemoryStore(time.Minute)
	sessions := state.NewManager(store, state.WithTTL(cfg.Live.SessionTTL))

	lcfg := live.DefaultConfig()
	lcfg.Definitions = defs
	lcfg.SubmitFor = func(def *definition.Definition) wizard.SubmitFunc {
		return m.Instrument(def.ID, sinks.SubmitFor(def))
	}
	lcfg.Sessions = sessions
	lcfg.AllowedOrigins = cfg.Live.AllowedOrigins
	lcfg.TrustedProxies = cfg.Live.TrustedProxies
	lcfg.MaxConnectionsPerIP = cfg.Live.MaxConnectionsPerIP
	lcfg.MaxSessions = cfg.Live.MaxSessions
	lcfg.EventsPerSecond = cfg.Live.EventsPerSecond
	lcfg.EventBurst = cfg.Live.EventBurst
	lcfg.Logger = logger
	lcfg.Tracer = tracer
	lh, err := live.NewHandler(lcfg)
	if err != nil {
		store.Close()
		sinks.Close()
		_ = stopTracing(ctx)
		return nil, err
	}

	m.AddGauge("sessions_active", "Open live sessions", func() float64 {
		return float64(lh.ActiveSessions())
	})
	m.AddGauge("sessions_saved", "Dropped sessions waiting to be resumed", func() float64 {
		return float64(store.Len())
	})

	hc := health.NewChecker(Version, logger)
	hc.AddCritical("definitions", health.DefinitionsCheck(defs.Len), time.Second)
	hc.Add("live", health.SessionsCheck(lh.ActiveSessions, cfg.Live.MaxSessions), time.Second)
	sinks.AddChecks(hc)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		defs:     defs,
		sinks:    sinks,
		store:    store,
		sessions: sessions,
		live:     lh,
		health:   hc,
		metrics:  m,

		stopTracing: stopTracing,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(tracer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler routes the catalog, the live endpoint, metrics and the health
// probes.
func (s *Server) Handler(tracer *tracing.Tracer) http.Handler {
	mux := http.NewServeMux()
	catalog := live.CatalogHandler(s.defs)
	mux.Handle("/api/wizards", catalog)
	mux.Handle("/api/wizards/", catalog)
	mux.Handle(s.cfg.Live.Path, s.live)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var h http.Handler = mux
	h = logging.RequestLogger(s.logger, "/healthz", "/readyz", "/metrics")(h)
	h = tracing.Middleware(tracer)(h)
	return h
}

// Definitions returns the loaded wizards.
func (s *Server) Definitions() *definition.Registry {
	return s.defs
}

// Serve listens on ln until ctx is done or a signal arrives, then shuts the
// components down in order.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.live.RunSweeper(sweepCtx)

	coord := shutdown.New(s.cfg.ShutdownTimeout, s.logger)
	coord.Register("live", shutdown.PriorityLive, s.live.Shutdown)
	coord.Register("http", shutdown.PriorityHTTP, s.http.Shutdown)
	coord.RegisterCloser("sinks", shutdown.PrioritySinks, s.sinks)
	coord.RegisterCloser("sessions", shutdown.PriorityStore, s.store)
	coord.Register("tracing", shutdown.PriorityTracing, s.stopTracing)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening",
			logging.String("addr", ln.Addr().String()),
			logging.Int("wizards", s.defs.Len()),
		)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- coord.Wait(ctx) }()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			_ = coord.Shutdown()
			return fmt.Errorf("server: %w", err)
		}
		return <-waitErr
	case err := <-waitErr:
		return err
	}
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}
