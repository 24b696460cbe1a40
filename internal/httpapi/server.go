// Package httpapi exposes single-report distillation and batch run status
// over HTTP.
package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/config"
	"github.com/joelkehle/diagdistill/internal/distill"
	"github.com/joelkehle/diagdistill/internal/logger"
	"github.com/joelkehle/diagdistill/internal/store"
)

const (
	CodeValidation   = "validation_error"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal_error"

	maxBodyBytes = 2 << 20
)

// Distiller runs the pipeline on one report.
type Distiller interface {
	Run(ctx context.Context, report distill.Report) (distill.Result, error)
}

// RunStore is the read side of the batch ledger.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	Reports(ctx context.Context, runID string) ([]store.ReportOutcome, error)
}

type Server struct {
	distiller Distiller
	runs      RunStore
	token     string
	log       *zap.Logger
}

// Error is the body of every non-2xx response.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
	status    int
}

func (e *Error) Error() string { return e.Message }

// NewServer wires the routes. runs may be nil, in which case the run routes
// answer 404.
func NewServer(d Distiller, runs RunStore, cfg config.HTTPConfig, log *zap.Logger) http.Handler {
	s := &Server{distiller: d, runs: runs, token: strings.TrimSpace(cfg.APIToken), log: logger.OrNop(log)}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		}
		r.Use(s.requireToken)
		r.Post("/distill", s.handleDistill)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var he *Error
	if !errors.As(err, &he) {
		he = &Error{Code: CodeInternal, Message: err.Error(), Transient: true, status: http.StatusInternalServerError}
	}
	writeJSON(w, he.status, map[string]any{"ok": false, "error": he})
}

func validationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg, status: http.StatusBadRequest}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if !hmac.Equal([]byte(provided), []byte(s.token)) {
			writeError(w, &Error{Code: CodeUnauthorized, Message: "bearer token required", status: http.StatusUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDistill(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, validationError("read body: "+err.Error()))
		return
	}
	var req struct {
		CaseID string `json:"case_id"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, validationError("invalid json: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, validationError("text is required"))
		return
	}
	if req.CaseID == "" {
		req.CaseID = middleware.GetReqID(r.Context())
	}

	res, err := s.distiller.Run(r.Context(), distill.Report{CaseID: req.CaseID, Text: req.Text})
	if errors.Is(err, distill.ErrEmptyReport) {
		writeError(w, validationError(err.Error()))
		return
	}
	if err != nil {
		s.log.Error("distill request failed", zap.String("case_id", req.CaseID), zap.Error(err))
		writeError(w, err)
		return
	}
	rec := distill.BuildRecord(res)
	s.log.Info("distill request served",
		zap.String("case_id", req.CaseID),
		zap.String("status", string(rec.Status)),
		zap.Int("units", distill.UnitCount(rec.Normalized)),
	)

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		html, err := distill.RenderHTML(rec.ReportMarkdown)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, html)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, &Error{Code: CodeNotFound, Message: "run ledger not configured", status: http.StatusNotFound})
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, &Error{Code: CodeNotFound, Message: "run ledger not configured", status: http.StatusNotFound})
		return
	}
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, &Error{Code: CodeNotFound, Message: "run " + runID + " not found", status: http.StatusNotFound})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	reports, err := s.runs.Reports(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	counts := map[string]int{}
	for _, o := range reports {
		counts[o.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "reports": reports, "status_counts": counts})
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
