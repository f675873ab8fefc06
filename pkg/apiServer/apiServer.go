// Package apiServer is the request-facing gateway of a
// relay node. It authenticates signed HTTP requests,
// dispatches them to the relay components, serves the
// peer sync endpoints and hosts live websocket sessions.
package apiServer

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/epochs"
	"github.com/i5heu/ouroboros-relay/pkg/gossip"
	"github.com/i5heu/ouroboros-relay/pkg/handles"
	"github.com/i5heu/ouroboros-relay/pkg/interfaces"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/records"
	"github.com/i5heu/ouroboros-relay/pkg/relay"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultWSAuthTimeout  = 30 * time.Second
	defaultWSPingInterval = 30 * time.Second
	maxRequestBody        = 1 << 20
)

// Slog attribute keys used throughout the apiServer
// package.
const (
	logKeyMethod    = "method"
	logKeyRoute     = "route"
	logKeyStatus    = "status"
	logKeyDuration  = "duration"
	logKeyRequestID = "requestId"
	logKeyPublicKey = "publicKey"
	logKeyPanic     = "panic"
	logKeyError     = "error"
)

// Deps are the components the gateway dispatches to.
type Deps struct {
	NodeID  string
	Records *records.RecordStore
	Handles *handles.Registry
	Epochs  *epochs.Ledger
	Relay   *relay.Relay
	Sync    *gossip.Service
	// Peers reports sync state for /health. May be nil.
	Peers func() []interfaces.PeerInfo
}

type Server struct {
	router     chi.Router
	deps       Deps
	log        *slog.Logger
	clock      auth.Clock
	skew       time.Duration
	challenges *auth.ChallengeCache

	challengeTTL   time.Duration
	requestTimeout time.Duration
	wsAuthTimeout  time.Duration
	wsPingInterval time.Duration
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { // A
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(c auth.Clock) Option { // A
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithClockSkew sets the accepted drift of signed request
// timestamps.
func WithClockSkew(d time.Duration) Option { // A
	return func(s *Server) {
		if d > 0 {
			s.skew = d
		}
	}
}

func WithChallengeTTL(d time.Duration) Option { // A
	return func(s *Server) {
		if d > 0 {
			s.challengeTTL = d
		}
	}
}

func WithRequestTimeout(d time.Duration) Option { // A
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithWebSocketTimings sets how long an unauthenticated
// session may stay open and how often sessions are pinged.
func WithWebSocketTimings(authTimeout, pingInterval time.Duration) Option { // A
	return func(s *Server) {
		if authTimeout > 0 {
			s.wsAuthTimeout = authTimeout
		}
		if pingInterval > 0 {
			s.wsPingInterval = pingInterval
		}
	}
}

func New(deps Deps, opts ...Option) *Server { // A
	s := &Server{
		deps:           deps,
		log:            slog.Default(),
		clock:          auth.SystemClock(),
		skew:           auth.DefaultClockSkew,
		challengeTTL:   auth.DefaultChallengeTTL,
		requestTimeout: defaultRequestTimeout,
		wsAuthTimeout:  defaultWSAuthTimeout,
		wsPingInterval: defaultWSPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.challenges = auth.NewChallengeCache(s.challengeTTL, s.clock)

	s.routes()
	return s
}

func (s *Server) routes() { // A
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/auth/challenge", s.handleChallenge)

		r.Route("/records/{pk}", func(r chi.Router) {
			r.Get("/", s.handleGetRecord)
			r.Put("/", s.handlePutRecord)
			r.Delete("/", s.handleDeleteRecord)
		})

		r.Get("/aliases", s.handleCheckAlias)
		r.Route("/aliases/{handle}", func(r chi.Router) {
			r.Get("/", s.handleResolveAlias)
			r.Put("/", s.handleClaimAlias)
			r.Post("/reserve", s.handleReserveAlias)
		})

		r.Get("/epochs/{pk}", s.handleListEpochs)
		r.Get("/epochs/{pk}/{index}", s.handleGetEpoch)
		r.Put("/epochs/{pk}/{index}", s.handlePublishEpoch)

		r.Get("/messages/inbox", s.handleInbox)
		r.Post("/messages/{to}", s.handleSend)
		r.Delete("/messages/{id}", s.handleAck)

		if s.deps.Sync != nil {
			for _, rt := range model.ResourceTypes {
				r.Get("/sync/"+string(rt), s.deps.Sync.HandlePull(rt))
			}
			r.Post("/sync/push", s.deps.Sync.HandlePush)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeErrorBody(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeErrorBody(w, http.StatusMethodNotAllowed, "method_not_allowed",
			http.StatusText(http.StatusMethodNotAllowed))
	})
	s.router = r
}

// Challenges exposes the challenge cache owned by the
// gateway.
func (s *Server) Challenges() *auth.ChallengeCache { // A
	return s.challenges
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	// Fixed header lists keep preflight responses cacheable.
	w.Header().Set(
		"Access-Control-Allow-Headers",
		"Content-Type, Accept, "+HeaderPublicKey+", "+HeaderSignature+", "+HeaderTimestamp,
	)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,POST,DELETE,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Length, X-Request-Id")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.router.ServeHTTP(w, r)
}
