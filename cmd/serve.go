package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clearframe/risk-engine/internal/config"
	"github.com/clearframe/risk-engine/internal/gaps"
	"github.com/clearframe/risk-engine/internal/heatmap"
	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/score"
	"github.com/clearframe/risk-engine/internal/store"
	"github.com/clearframe/risk-engine/internal/velocity"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the risk analytics API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(st, cfg.Server, cfg.Engine),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// api bundles the engines behind the HTTP handlers.
type api struct {
	store     store.Store
	recalc    *score.Recalculator
	velocity  *velocity.Calculator
	heatmap   *heatmap.Aggregator
	gaps      *gaps.Engine
	engineCfg config.EngineConfig
}

func newRouter(st store.Store, serverCfg config.ServerConfig, engineCfg config.EngineConfig) http.Handler {
	calc := velocity.NewCalculator(st)
	a := &api{
		store:     st,
		recalc:    score.NewRecalculator(st),
		velocity:  calc,
		heatmap:   heatmap.NewAggregator(st, calc),
		gaps:      gaps.NewEngine(st),
		engineCfg: engineCfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: serverCfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if serverCfg.RateLimitRPS > 0 {
		r.Use(rateLimit(rate.Limit(serverCfg.RateLimitRPS), serverCfg.RateLimitBurst))
	}

	r.Get("/health", a.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/heatmap", a.handleHeatmap)
		r.Get("/heatmap/cell", a.handleHeatmapCell)
		r.Post("/velocity/batch", a.handleVelocityBatch)
		r.Post("/gap-analysis", a.handleGapAnalysis)
		r.Get("/risks/{id}/history", a.handleHistory)
		r.Post("/risks/{id}/recalc", a.handleRecalc)
	})
	return r
}

// rateLimit applies one token bucket across all clients. The service
// sits behind an authenticating proxy, so per-IP buckets buy nothing.
func rateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(limit, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	filter, err := riskFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	hm, err := a.heatmap.ForOrganization(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hm)
}

func (a *api) handleHeatmapCell(w http.ResponseWriter, r *http.Request) {
	filter, err := riskFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	includeVelocity := q.Get("velocity") == "true"
	risks, err := a.heatmap.CellRisks(r.Context(), filter, q.Get("likelihood"), q.Get("impact"), includeVelocity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"risks": risks, "count": len(risks)})
}

func (a *api) handleVelocityBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RiskIDs      []string `json:"risk_ids"`
		LookbackDays int      `json:"lookback_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.NewValidationError("body", "invalid JSON: %v", err))
		return
	}
	if len(req.RiskIDs) == 0 {
		writeError(w, model.NewValidationError("risk_ids", "at least one risk ID is required"))
		return
	}

	lookback := req.LookbackDays
	if lookback == 0 {
		lookback = a.engineCfg.VelocityLookbackDays
	}

	velocities, err := a.velocity.Batch(r.Context(), req.RiskIDs, lookback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"velocities": velocities})
}

func (a *api) handleGapAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string   `json:"organization_id"`
		FrameworkIDs   []string `json:"framework_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.NewValidationError("body", "invalid JSON: %v", err))
		return
	}

	report, err := a.gaps.Analyze(r.Context(), req.OrganizationID, req.FrameworkIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	riskID := chi.URLParam(r, "id")
	window, err := historyWindowFromQuery(r, a.engineCfg.HistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	// Surface unknown risks as 404 rather than an empty ledger.
	if _, err := a.store.GetRisk(r.Context(), riskID); err != nil {
		writeError(w, err)
		return
	}

	entries, err := a.store.ReadScoreHistory(r.Context(), riskID, window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"risk_id": riskID, "history": entries})
}

func (a *api) handleRecalc(w http.ResponseWriter, r *http.Request) {
	result, err := a.recalc.Recalculate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func riskFilterFromQuery(r *http.Request) (store.RiskFilter, error) {
	q := r.URL.Query()
	org := q.Get("org")
	if org == "" {
		return store.RiskFilter{}, model.NewValidationError("org", "is required")
	}
	return store.RiskFilter{
		OrganizationID: org,
		AssessmentID:   q.Get("assessment"),
		Category:       model.RiskCategory(q.Get("category")),
	}, nil
}

func historyWindowFromQuery(r *http.Request, defaultLimit int) (store.HistoryWindow, error) {
	var window store.HistoryWindow
	q := r.URL.Query()

	if fromStr := q.Get("from"); fromStr != "" {
		from, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			return window, model.NewValidationError("from", "must be YYYY-MM-DD, got %q", fromStr)
		}
		window.From = &from
	}
	if toStr := q.Get("to"); toStr != "" {
		to, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			return window, model.NewValidationError("to", "must be YYYY-MM-DD, got %q", toStr)
		}
		window.To = &to
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return window, model.NewValidationError("limit", "must be an integer, got %q", limitStr)
		}
		window.Limit = limit
	} else {
		window.Limit = defaultLimit
	}
	return window, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses: invalid input is a
// 400, a missing resource is a 404, anything else is a logged 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case model.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
