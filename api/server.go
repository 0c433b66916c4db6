// Package api exposes the gateway's core operations over HTTP. The API
// layer holds no state of its own: every mutation goes through the registry
// and every read returns registry copies.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/stablepay/paywatch/core"
	"github.com/stablepay/paywatch/core/types"
	"github.com/stablepay/paywatch/eventbus"
	"github.com/stablepay/paywatch/watcher"
)

// Registry is the slice of core operations the API calls.
type Registry interface {
	CreateSession(in core.CreateSessionInput) (*types.Session, error)
	GetSession(id string) (*types.Session, error)
	ListSessions(f core.SessionFilter, page, limit int) ([]*types.Session, core.PageInfo, error)
	RecreateSession(id string) (*types.Session, error)
	GetTransfer(id string) (*types.Transfer, error)
	ListTransfers(f core.TransferFilter, page, limit int) ([]*types.Transfer, core.PageInfo, error)
}

// StatusProvider reports per-chain watcher state.
type StatusProvider interface {
	Status() []watcher.NetworkStatus
}

// Config carries the server's transport settings.
type Config struct {
	Host      string
	Port      int
	APIKey    string
	RateLimit float64 // requests/second, 0 disables
	RateBurst int
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      Config
	registry Registry
	status   StatusProvider
	bus      *eventbus.Bus
	limiter  *rate.Limiter
	log      log.Logger

	httpSrv *http.Server
}

// NewServer builds the router and middleware chain.
func NewServer(cfg Config, reg Registry, status StatusProvider, bus *eventbus.Bus) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		status:   status,
		bus:      bus,
		log:      log.New("component", "api"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	router := httprouter.New()
	router.POST("/api/v1/payment-sessions", s.handleCreateSession)
	router.GET("/api/v1/payment-sessions", s.handleListSessions)
	router.GET("/api/v1/payment-sessions/:id", s.handleGetSession)
	router.POST("/api/v1/payment-sessions/:id/recreate", s.handleRecreateSession)
	router.GET("/api/v1/transactions", s.handleListTransfers)
	router.GET("/api/v1/transactions/:id", s.handleGetTransfer)
	router.GET("/api/v1/system/network-status", s.handleNetworkStatus)
	router.GET("/api/v1/events", s.handleEvents)
	router.GET("/health", s.handleHealth)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such route", nil)
	})

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(s.protect(router))

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("HTTP API listening", "addr", ln.Addr())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Stop drains the server within the given deadline.
func (s *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP shutdown incomplete", "err", err)
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Error envelope codes.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeNotFound       = "not_found"
	codeServerError    = "server_error"
	codeRateLimited    = "rate_limited"
)

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}
