package live

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gabrielmiguelok/livewizard/pkg/definition"
	"github.com/gabrielmiguelok/livewizard/pkg/limits"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
	"github.com/gabrielmiguelok/livewizard/pkg/protocol"
	"github.com/gabrielmiguelok/livewizard/pkg/state"
	"github.com/gabrielmiguelok/livewizard/pkg/tracing"
	"github.com/gabrielmiguelok/livewizard/pkg/wizard"
)

// Handler errors.
var (
	ErrNoDefinitions = errors.New("live: no definitions")
	ErrNoSubmit      = errors.New("live: no submit func")
)

// Config configures a Handler.
type Config struct {
	Definitions *definition.Registry

	// SubmitFor returns the submit func of a wizard.
	SubmitFor func(def *definition.Definition) wizard.SubmitFunc

	// NewComponent builds the component of a connection. Defaults to
	// NewWizardComponent.
	NewComponent func(def *definition.Definition, submit wizard.SubmitFunc, logger logging.Logger) Component

	// Sessions keeps dropped sessions for resuming. Nil disables resuming.
	Sessions *state.Manager

	// Codecs negotiated through the websocket subprotocol. Defaults to JSON
	// and MsgPack.
	Codecs *protocol.CodecRegistry

	// AllowedOrigins lists origins besides the request host. "*" allows any.
	AllowedOrigins []string

	// InsecureSkipOrigin disables origin checks. Development only.
	InsecureSkipOrigin bool

	TrustedProxies      []string
	MaxConnectionsPerIP int

	// MaxSessions caps open connections, joined or not. Zero means no cap.
	MaxSessions     int
	EventsPerSecond float64
	EventBurst      int

	ReadLimit    int64
	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	// SubmitWait bounds how long a dropped connection waits for its
	// in-flight submission before the session is discarded.
	SubmitWait time.Duration

	Logger logging.Logger
	Tracer *tracing.Tracer
}

// DefaultConfig returns defaults for everything but the definitions and the
// submit func.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP: 20,
		EventsPerSecond:     20,
		EventBurst:          40,
		ReadLimit:           64 << 10,
		JoinTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        30 * time.Second,
		SubmitWait:          15 * time.Second,
	}
}

// Handler upgrades requests to websockets and serves one wizard session per
// connection.
type Handler struct {
	cfg    Config
	logger logging.Logger
	tracer *tracing.Tracer
	conns  *limits.ConnectionLimiter
	events *limits.KeyedLimiter

	mu       sync.Mutex
	sessions map[*session]struct{}
	reserved int
	shutdown atomic.Bool
}

// NewHandler validates cfg and fills unset fields from DefaultConfig.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Definitions == nil {
		return nil, ErrNoDefinitions
	}
	if cfg.SubmitFor == nil {
		return nil, ErrNoSubmit
	}

	def := DefaultConfig()
	if cfg.NewComponent == nil {
		cfg.NewComponent = func(d *definition.Definition, submit wizard.SubmitFunc, logger logging.Logger) Component {
			return NewWizardComponent(d, submit, logger)
		}
	}
	if cfg.Codecs == nil {
		cfg.Codecs = protocol.NewCodecRegistry()
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = def.EventsPerSecond
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = def.EventBurst
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SubmitWait <= 0 {
		cfg.SubmitWait = def.SubmitWait
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.NewTracer("livewizard")
	}

	return &Handler{
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		conns:    limits.NewConnectionLimiter(cfg.MaxConnectionsPerIP),
		events:   limits.NewKeyedLimiter(cfg.EventsPerSecond, cfg.EventBurst),
		sessions: make(map[*session]struct{}),
	}, nil
}

// ServeHTTP handles the websocket upgrade and then blocks for the life of
// the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closing() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !h.reserve() {
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	ip := limits.ClientIP(r, h.cfg.TrustedProxies)
	if !h.conns.Acquire(ip) {
		http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
		return
	}
	defer h.conns.Release(ip)

	if !h.originAllowed(r.Header.Get("Origin"), r.Host) {
		h.logger.Warn("websocket origin rejected", logging.String("origin", r.Header.Get("Origin")))
		http.Error(w, "Forbidden: Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: h.cfg.Codecs.Names(),
		// Origins were checked above against the allow-list.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", logging.Err(err))
		return
	}
	defer conn.CloseNow()

	codec, err := h.cfg.Codecs.Negotiate(conn.Subprotocol())
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	newSession(h, conn, codec).run(r.Context())
}

// originAllowed accepts same-origin requests, requests without an Origin
// header and the configured origins.
func (h *Handler) originAllowed(origin, requestHost string) bool {
	if h.cfg.InsecureSkipOrigin || origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	if originURL.Host == requestHost {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if allowedURL, err := url.Parse(allowed); err == nil && allowedURL.Host == originURL.Host {
			return true
		}
	}
	return false
}

// ActiveSessions returns the number of joined connections.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every connection. Sessions are saved for resuming when a
// session store is configured. It waits for them to end or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.shutdown.Store(true)

	h.mu.Lock()
	open := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.setReason(TerminateShutdown)
		go s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.ActiveSessions() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// RunSweeper drops idle rate limit buckets until ctx is done.
func (h *Handler) RunSweeper(ctx context.Context) {
	h.events.Run(ctx)
}

func (h *Handler) submitFor(def *definition.Definition) wizard.SubmitFunc {
	return h.cfg.SubmitFor(def)
}

func (h *Handler) closing() bool {
	return h.shutdown.Load()
}

// reserve claims a connection slot before the upgrade so concurrent
// handshakes cannot overshoot MaxSessions.
func (h *Handler) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if max := h.cfg.MaxSessions; max > 0 && h.reserved >= max {
		return false
	}
	h.reserved++
	return true
}

func (h *Handler) release() {
	h.mu.Lock()
	h.reserved--
	h.mu.Unlock()
}

func (h *Handler) track(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}
