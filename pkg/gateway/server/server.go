package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/callbridge/pkg/convai"
	"github.com/vango-go/callbridge/pkg/gateway/config"
	"github.com/vango-go/callbridge/pkg/gateway/handlers"
	"github.com/vango-go/callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/callbridge/pkg/gateway/metrics"
	"github.com/vango-go/callbridge/pkg/gateway/mw"
	"github.com/vango-go/callbridge/pkg/gateway/ratelimit"
	"github.com/vango-go/callbridge/pkg/gateway/relay/session"
	"github.com/vango-go/callbridge/pkg/gateway/relay/sessions"
)

// Options overrides collaborators that are otherwise built from the config.
type Options struct {
	Issuer  session.Issuer
	Dialer  session.AgentDialer
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	issuer    session.Issuer
	dialer    session.AgentDialer
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	calls     *sessions.Tracker
	now       func() time.Time
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	issuer := opts.Issuer
	if issuer == nil {
		httpClient := &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: cfg.IssueTimeout,
			},
		}
		issuer = convai.NewClient(cfg.APIKey, cfg.ElevenLabsBase, httpClient)
	}

	m := opts.Metrics
	if m == nil && cfg.MetricsEnabled {
		m = metrics.New("")
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		issuer:  issuer,
		dialer:  opts.Dialer,
		metrics: m,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                cfg.WebhookRPS,
			Burst:              cfg.WebhookBurst,
			MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		}),
		lifecycle: lifecycle.New(opts.Now()),
		calls:     sessions.NewTracker(),
		now:       opts.Now,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	var hits mw.RateLimitHits
	var observer session.Observer
	if s.metrics != nil {
		hits = s.metrics
		observer = s.metrics
	}

	s.mux.Handle("GET /{$}", handlers.StatusHandler{})
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Now:       s.now,
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	webhook := mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, hits, handlers.VoiceHandler{
		Config: s.cfg,
		Logger: s.logger,
	})
	s.mux.Handle("POST "+s.cfg.WebhookPath, webhook)
	s.mux.Handle("GET "+s.cfg.WebhookPath, webhook)

	s.mux.Handle("GET "+s.cfg.StreamPath, handlers.MediaStreamHandler{
		Config:    s.cfg,
		Issuer:    s.issuer,
		Dialer:    s.dialer,
		Logger:    s.logger,
		Observer:  observer,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Hits:      hits,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.metrics != nil {
		h = mw.Instrument(s.metrics, h)
	}
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain makes readiness fail and rejects new media streams. Calls already in
// progress are unaffected.
func (s *Server) Drain() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) ActiveCalls() int {
	return s.calls.Count()
}

// WaitCalls blocks until every call has ended or ctx is done. It reports
// whether all calls ended.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

// CancelCalls ends every live call and returns how many were canceled.
func (s *Server) CancelCalls() int {
	return s.calls.CancelAll()
}
