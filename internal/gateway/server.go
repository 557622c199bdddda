// Package gateway exposes the scheduler over HTTP: synchronous submission,
// cancellation, promotion, status, the outcome journal and a websocket feed of
// scheduler events.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"llmsched/internal/eventbus"
	"llmsched/internal/sched"
	"llmsched/internal/storage"
	logx "llmsched/pkg/logx"
)

const (
	defaultAddr    = "127.0.0.1:8090"
	defaultMaxBody = 1 << 20
)

// Scheduler is the part of *sched.Scheduler the gateway drives.
type Scheduler interface {
	Submit(ctx context.Context, req sched.Request) (*sched.Future, error)
	Cancel(id string) bool
	Promote(id string, priority float64) bool
	Status() sched.Status
	EstimatedWait(priority float64) time.Duration
	Config() sched.Config
}

// Outcomes reads the journal; storage.Store satisfies it.
type Outcomes interface {
	RecentOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error)
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	// Token, when set, is required as a bearer token on every /v1 route.
	Token string
}

type Server struct {
	cfg      Config
	sched    Scheduler
	outcomes Outcomes
	bus      eventbus.Bus
	log      logx.Logger
	upgrader websocket.Upgrader
}

type Option func(*Server)

func WithOutcomes(o Outcomes) Option    { return func(s *Server) { s.outcomes = o } }
func WithBus(b eventbus.Bus) Option     { return func(s *Server) { s.bus = b } }
func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

func New(cfg Config, sc Scheduler, opts ...Option) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	s := &Server{
		cfg:   cfg,
		sched: sc,
		log:   logx.Nop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.String("comp", "gateway"))
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("DELETE /v1/requests/{id}", s.handleCancel)
	mux.HandleFunc("POST /v1/requests/{id}/priority", s.handlePromote)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	root := http.NewServeMux()
	root.Handle("/v1/", s.withAuth(mux))
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.withLogging(root)
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	})
	defer stop()

	s.log.Info("gateway listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got == "" {
			// Browsers cannot set headers on websocket upgrades.
			got = r.URL.Query().Get("token")
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed for websocket upgrades through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer cannot hijack")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.code),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Code    int    `json:"code"`
}

func writeError(w http.ResponseWriter, code int, msg, kind string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: msg, Kind: kind, Code: code}})
}
