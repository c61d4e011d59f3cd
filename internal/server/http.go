package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"thk/internal/bus"
	"thk/internal/control"
	"thk/internal/domain"
)

const maxBodySize = 1 << 20 // 1MB

// HTTPConfig configures the HTTP control surface.
type HTTPConfig struct {
	Addr            string // host:port
	Surface         *control.Surface
	Events          *bus.EventBus // nil disables /v1/events
	Metrics         http.Handler  // nil disables /metrics
	JWTSecret       []byte
	DefaultIdentity uint32
	Logger          *slog.Logger
}

// HTTPServer serves the control surface as JSON over HTTP.
type HTTPServer struct {
	addr    string
	surface *control.Surface
	stream  *eventStream
	metrics http.Handler
	secret  []byte
	defID   uint32
	logger  *slog.Logger
	server  *http.Server
}

// NewHTTPServer builds the server; call Start or mount Handler yourself.
func NewHTTPServer(cfg HTTPConfig) *HTTPServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "http")
	s := &HTTPServer{
		addr:    cfg.Addr,
		surface: cfg.Surface,
		metrics: cfg.Metrics,
		secret:  cfg.JWTSecret,
		defID:   cfg.DefaultIdentity,
		logger:  logger,
	}
	if cfg.Events != nil {
		s.stream = newEventStream(cfg.Events, logger)
	}
	return s
}

// Handler returns the routed handler. /metrics is served without
// authentication; every other route passes through the bearer-token check.
func (s *HTTPServer) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/version", s.op(control.OpVersion))
	api.HandleFunc("GET /v1/status", s.op(control.OpLastResult))
	api.HandleFunc("GET /v1/stats", s.op(control.OpStats))
	api.HandleFunc("GET /v1/config", s.op(control.OpGetConfig))
	api.HandleFunc("GET /v1/blocklist", s.op(control.OpListBlocklist))
	api.HandleFunc("POST /v1/validate", s.handleValidate)
	api.HandleFunc("PUT /v1/config", s.handleSetConfig)
	api.HandleFunc("PUT /v1/blocklist", s.handleSetBlocklist)
	api.HandleFunc("GET /v1/config/audit_enabled", s.handleGetAudit)
	api.HandleFunc("PUT /v1/config/audit_enabled", s.handlePutAudit)
	api.HandleFunc("GET /v1/config/rate_limit", s.handleGetRateLimit)
	api.HandleFunc("PUT /v1/config/rate_limit", s.handlePutRateLimit)
	api.HandleFunc("GET /v1/dump", s.handleDump)
	if s.stream != nil {
		api.HandleFunc("GET /v1/events", s.stream.handle)
	}

	root := http.NewServeMux()
	if s.metrics != nil {
		root.Handle("GET /metrics", s.metrics)
	}
	root.Handle("/", authMiddleware(s.secret, s.defID)(api))
	return root
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs on an existing listener until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http control surface started", "addr", ln.Addr().String(), "auth", len(s.secret) > 0)

	go func() {
		<-ctx.Done()
		if s.stream != nil {
			s.stream.closeAll()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func caller(r *http.Request) domain.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}

// op serves a request-less operation.
func (s *HTTPServer) op(op control.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, s.surface.Dispatch(r.Context(), caller(r), control.Request{Op: op}))
	}
}

func (s *HTTPServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var args control.ValidateArgs
	if !decodeBody(w, r, &args) {
		return
	}
	s.reply(w, s.surface.Dispatch(r.Context(), caller(r), control.Request{Op: control.OpValidate, Validate: &args}))
}

func (s *HTTPServer) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var args control.ConfigArgs
	if !decodeBody(w, r, &args) {
		return
	}
	s.reply(w, s.surface.Dispatch(r.Context(), caller(r), control.Request{Op: control.OpSetConfig, Config: &args}))
}

func (s *HTTPServer) handleSetBlocklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Patterns []string `json:"patterns"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.reply(w, s.surface.Dispatch(r.Context(), caller(r), control.Request{Op: control.OpSetBlocklist, Blocklist: body.Patterns}))
}

// The two scalar toggles speak plain text, one value per body.

func (s *HTTPServer) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	v := 0
	if s.surface.Config().AuditEnabled {
		v = 1
	}
	writeText(w, http.StatusOK, fmt.Sprintf("%d\n", v))
}

func (s *HTTPServer) handlePutAudit(w http.ResponseWriter, r *http.Request) {
	raw, ok := readText(w, r)
	if !ok {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v > 1 {
		writeText(w, http.StatusBadRequest, "audit_enabled must be 0 or 1\n")
		return
	}
	if err := s.surface.SetAuditEnabled(caller(r), v == 1); err != nil {
		writeText(w, statusFor(domain.CodeOf(err)), err.Error()+"\n")
		return
	}
	writeText(w, http.StatusOK, raw+"\n")
}

func (s *HTTPServer) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, fmt.Sprintf("%d\n", s.surface.Config().RateLimit))
}

func (s *HTTPServer) handlePutRateLimit(w http.ResponseWriter, r *http.Request) {
	raw, ok := readText(w, r)
	if !ok {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeText(w, http.StatusBadRequest, "rate_limit must be an unsigned integer\n")
		return
	}
	if err := s.surface.SetRateLimit(caller(r), uint32(v)); err != nil {
		writeText(w, statusFor(domain.CodeOf(err)), err.Error()+"\n")
		return
	}
	writeText(w, http.StatusOK, raw+"\n")
}

func (s *HTTPServer) handleDump(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, s.surface.Dump())
}

func (s *HTTPServer) reply(w http.ResponseWriter, rep control.Reply) {
	status := http.StatusOK
	if !rep.OK && rep.Error != nil {
		status = statusFor(rep.Error.Code)
	}
	writeJSON(w, status, rep)
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeResourceExhausted:
		return http.StatusServiceUnavailable
	case domain.CodeUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		writeText(w, http.StatusBadRequest, "read body: "+err.Error()+"\n")
		return "", false
	}
	return strings.TrimSpace(string(body)), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the same envelope as a failed control reply.
func writeError(w http.ResponseWriter, status int, msg string) {
	code := domain.CodeInvalidInput
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = domain.CodePermissionDenied
	}
	writeJSON(w, status, control.Reply{Error: &control.Error{Code: code, Message: msg}})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
