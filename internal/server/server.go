// Package server exposes the HTTP and WebSocket API: session
// submission, cancellation, listing, chart data, log retrieval and the
// live event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"backtest-lab/internal/auth"
	"backtest-lab/internal/broadcast"
	"backtest-lab/internal/chart"
	"backtest-lab/internal/coordinator"
	"backtest-lab/internal/domain"
	"backtest-lab/internal/observability"
	"backtest-lab/internal/query"
	"backtest-lab/internal/registry"
	"backtest-lab/internal/sessionlog"
	"backtest-lab/internal/storage"
)

// Options for creating a Server.
type Options struct {
	// Required
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Query       *query.Service
	Hub         *broadcast.Hub
	Auth        *auth.Authenticator

	// RunContext outlives individual requests; session goroutines are
	// bound to it so server shutdown stops them. Defaults to Background.
	RunContext context.Context

	// Optional
	Logs   *sessionlog.Manager
	Logger *log.Logger
}

// Server handles the public API.
type Server struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	query       *query.Service
	hub         *broadcast.Hub
	auth        *auth.Authenticator
	logs        *sessionlog.Manager
	logger      *log.Logger
	runCtx      context.Context
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	runCtx := opts.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Server{
		registry:    opts.Registry,
		coordinator: opts.Coordinator,
		query:       opts.Query,
		hub:         opts.Hub,
		auth:        opts.Auth,
		logs:        opts.Logs,
		logger:      logger,
		runCtx:      runCtx,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("POST /auth", s.instrument("/auth", s.handleAuth))

	mux.HandleFunc("POST /backtest", s.instrument("/backtest", s.requireAuth(s.handleSubmit)))
	mux.HandleFunc("POST /backtest/cancel", s.instrument("/backtest/cancel", s.requireAuth(s.handleCancel)))
	mux.HandleFunc("POST /backtest/sessions", s.instrument("/backtest/sessions", s.requireAuth(s.handleList)))
	mux.HandleFunc("POST /backtest/sessions/{id}", s.instrument("/backtest/sessions/{id}", s.requireAuth(s.handleGet)))
	mux.HandleFunc("POST /backtest/sessions/{id}/chart-data", s.instrument("/backtest/sessions/{id}/chart-data", s.requireAuth(s.handleChartData)))
	mux.HandleFunc("GET /backtest/logs/{id}", s.instrument("/backtest/logs/{id}", s.requireAuth(s.handleLogs)))

	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWS))

	return mux
}

// requireAuth checks the bearer token. HTTP calls send it in the
// Authorization header; WebSocket and log retrieval use the token
// query parameter.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !s.auth.Verify(token) {
			writeError(w, http.StatusUnauthorized, "invalid or missing auth token")
			return
		}
		next(w, r)
	}
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)
		observability.RecordHTTPRequest(route, fmt.Sprintf("%d", rec.code), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

type authRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, err := s.auth.Login(req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AuthToken: token})
}

type submitRequest struct {
	ID              string          `json:"id,omitempty"`
	Title           string          `json:"title,omitempty"`
	Description     string          `json:"description,omitempty"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	Fee             decimal.Decimal `json:"fee"`
	Exchange        string          `json:"exchange,omitempty"`
	WarmUpCandles   int             `json:"warm_up_candles,omitempty"`
	Routes          []domain.Route  `json:"routes"`
	StartDate       string          `json:"start_date"`
	FinishDate      string          `json:"finish_date"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

func (req *submitRequest) validate() error {
	if len(req.Routes) == 0 {
		return errors.New("at least one route is required")
	}
	for i, rt := range req.Routes {
		if rt.Symbol == "" || rt.Timeframe == "" || rt.Strategy == "" {
			return fmt.Errorf("route %d: symbol, timeframe and strategy are required", i)
		}
	}
	if req.StartingBalance.IsNegative() {
		return errors.New("starting_balance must not be negative")
	}
	if req.Fee.IsNegative() {
		return errors.New("fee must not be negative")
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	sess := &domain.Session{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Config: domain.Config{
			StartingBalance: req.StartingBalance,
			Fee:             req.Fee,
			Exchange:        req.Exchange,
			WarmUpCandles:   req.WarmUpCandles,
			Routes:          req.Routes,
			StartDate:       req.StartDate,
			FinishDate:      req.FinishDate,
			Extra:           req.Extra,
		},
	}
	if s.logs != nil {
		sess.LogsRef = s.logs.Path(id)
	}

	created, err := s.registry.Create(r.Context(), sess)
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			writeError(w, http.StatusConflict, "session id already exists")
			return
		}
		s.logger.Printf("create session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	observability.RecordSessionCreated()

	// execution is bound to the server lifetime, not this request
	if err := s.coordinator.Start(s.runCtx, id); err != nil {
		s.logger.Printf("start session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	s.logger.Printf("session %s accepted (%d routes)", id, len(req.Routes))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     created.ID,
		"status": created.Status,
	})
}

type cancelRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	// idempotent: cancelling a terminal or unknown session is a no-op
	cancelled := s.query.Cancel(r.Context(), req.ID)
	s.logger.Printf("cancel session %s: accepted=%t", req.ID, cancelled)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        req.ID,
		"cancelled": cancelled,
	})
}

type listRequest struct {
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
	TitleSearch  string        `json:"title_search,omitempty"`
	StatusFilter domain.Status `json:"status_filter,omitempty"`
	DateFilter   *dateFilter   `json:"date_filter,omitempty"`
}

type dateFilter struct {
	From int64 `json:"from,omitempty"` // ms since epoch, 0 = unbounded
	To   int64 `json:"to,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.StatusFilter != "" && !req.StatusFilter.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	f := storage.ListFilter{
		Limit:       req.Limit,
		Offset:      req.Offset,
		TitleSearch: req.TitleSearch,
		Status:      req.StatusFilter,
	}
	if req.DateFilter != nil {
		if req.DateFilter.From > 0 {
			f.From = time.UnixMilli(req.DateFilter.From)
		}
		if req.DateFilter.To > 0 {
			f.To = time.UnixMilli(req.DateFilter.To)
		}
	}

	summaries, total, err := s.query.List(r.Context(), f)
	if err != nil {
		s.logger.Printf("list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"count":    total,
	})
}

// sessionPayload is the single-session projection: the full record
// minus the chart data blob, which has its own endpoint and is
// represented here only by the has_chart_data flag.
type sessionPayload struct {
	ID           string               `json:"id"`
	Status       domain.Status        `json:"status"`
	Title        string               `json:"title,omitempty"`
	Description  string               `json:"description,omitempty"`
	Config       domain.Config        `json:"config"`
	Metrics      *domain.Metrics      `json:"metrics,omitempty"`
	Trades       []domain.Trade       `json:"trades"`
	EquityCurve  []domain.EquityPoint `json:"equity_curve"`
	Error        string               `json:"error,omitempty"`
	HasChartData bool                 `json:"has_chart_data"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.query.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Printf("get session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sessionPayload{
		ID:           sess.ID,
		Status:       sess.Status,
		Title:        sess.Title,
		Description:  sess.Description,
		Config:       sess.Config,
		Metrics:      sess.Metrics,
		Trades:       sess.Trades,
		EquityCurve:  sess.EquityCurve,
		Error:        sess.Error,
		HasChartData: sess.ChartData != nil,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}})
}

func (s *Server) handleChartData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cd, err := s.query.ChartData(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, chart.ErrNotReady):
			writeError(w, http.StatusConflict, "chart data not ready")
		default:
			s.logger.Printf("chart data %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to build chart data")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chart_data": cd})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "session logs are not enabled")
		return
	}
	id := r.PathValue("id")
	rc, err := s.logs.Reader(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no logs for session")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Printf("stream logs %s: %v", id, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
