// Package api exposes the engine over HTTP: status queries, the alert
// lifecycle commands, statistics, anomaly detection and the websocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/aggregate"
	"github.com/hostpulse/hostpulse/internal/alerting"
	"github.com/hostpulse/hostpulse/internal/anomaly"
	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/status"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/types"
)

// anomalyLookbackHours is the default window for on-demand detection.
const anomalyLookbackHours = 24

// Server provides the HTTP API endpoints.
type Server struct {
	log       zerolog.Logger
	clock     clockwork.Clock
	port      string
	startTime time.Time

	statuses  *status.Store
	alerts    *alerting.Manager
	scheduler *aggregate.Scheduler
	detector  *anomaly.Detector
	store     storage.Store
	hub       *broadcast.Hub

	version   string
	commit    string
	buildDate string

	httpServer *http.Server
}

// NewServer creates an API server over already-wired components.
func NewServer(
	statuses *status.Store,
	alerts *alerting.Manager,
	scheduler *aggregate.Scheduler,
	detector *anomaly.Detector,
	store storage.Store,
	hub *broadcast.Hub,
	port string,
	clock clockwork.Clock,
	log zerolog.Logger,
) *Server {
	return &Server{
		log:       log.With().Str("component", "api").Logger(),
		clock:     clock,
		port:      port,
		startTime: clock.Now(),
		statuses:  statuses,
		alerts:    alerts,
		scheduler: scheduler,
		detector:  detector,
		store:     store,
		hub:       hub,
	}
}

// SetVersion sets the build information reported by /health.
func (s *Server) SetVersion(version, commit, buildDate string) {
	s.version = version
	s.commit = commit
	s.buildDate = buildDate
}

// Handler builds the route table. Exposed separately so tests can drive
// it through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatusList)
	mux.HandleFunc("/api/status/", s.handleStatusDetail)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/alerts/", s.handleAlertCommand)
	mux.HandleFunc("/api/statistics", s.handleStatistics)
	mux.HandleFunc("/api/anomalies/", s.handleAnomalies)
	mux.HandleFunc("/api/aggregates/", s.handleAggregates)
	mux.HandleFunc("/api/aggregation/trigger", s.handleTriggerAggregation)
	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.ServeWS)
	}

	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	addr := ":" + s.port
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	s.log.Info().Str("address", addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down, draining in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"time":       s.clock.Now().UTC().Format(time.RFC3339),
		"uptime":     s.clock.Since(s.startTime).Round(time.Second).String(),
		"version":    s.version,
		"commit":     s.commit,
		"build_date": s.buildDate,
	})
}

func (s *Server) handleStatusList(w http.ResponseWriter, r *http.Request) {
	records := s.statuses.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hosts": records,
		"count": len(records),
	})
}

// handleStatusDetail serves /api/status/{host} plus the history,
// override and revert sub-resources.
func (s *Server) handleStatusDetail(w http.ResponseWriter, r *http.Request) {
	hostID, rest := splitPath(r.URL.Path, "/api/status/")
	if hostID == "" {
		s.writeError(w, &types.ValidationError{Field: "hostId", Reason: "missing"})
		return
	}

	switch rest {
	case "":
		record, ok := s.statuses.Get(hostID)
		if !ok {
			s.writeError(w, types.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "history":
		limit := intQuery(r, "limit", 50)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"hostId":  hostID,
			"entries": s.statuses.History(hostID, limit),
		})
	case "override":
		s.handleOverride(w, r, hostID)
	case "override/revert":
		s.handleRevertOverride(w, r, hostID)
	default:
		http.NotFound(w, r)
	}
}

type overrideRequest struct {
	Level           string `json:"level"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request, hostID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &types.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	level, ok := types.ParseStatusLevel(req.Level)
	if !ok {
		s.writeError(w, &types.ValidationError{Field: "level", Reason: "unknown status level " + strconv.Quote(req.Level)})
		return
	}
	if req.DurationMinutes < 0 {
		s.writeError(w, &types.ValidationError{Field: "durationMinutes", Reason: "must not be negative"})
		return
	}

	record := s.statuses.Override(hostID, level, req.Reason, time.Duration(req.DurationMinutes)*time.Minute)
	s.log.Info().Str("host", hostID).Str("level", level.String()).Msg("manual status override applied")
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRevertOverride(w http.ResponseWriter, r *http.Request, hostID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.statuses.RevertOverride(hostID) {
		s.writeError(w, types.ErrNotFound)
		return
	}
	record, _ := s.statuses.Get(hostID)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	filter := types.AlertFilter{
		HostID:   r.URL.Query().Get("host"),
		Severity: types.AlertSeverity(r.URL.Query().Get("severity")),
		State:    types.AlertState(r.URL.Query().Get("state")),
		Page:     intQuery(r, "page", 1),
		Limit:    intQuery(r, "limit", 50),
	}

	alerts, total, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  total,
		"page":   filter.Page,
		"limit":  filter.Limit,
	})
}

type alertCommandRequest struct {
	UserID string `json:"userId"`
	Note   string `json:"note"`
	Target string `json:"target"`
}

// handleAlertCommand serves /api/alerts/{id} and its lifecycle commands.
func (s *Server) handleAlertCommand(w http.ResponseWriter, r *http.Request) {
	alertID, action := splitPath(r.URL.Path, "/api/alerts/")
	if alertID == "" {
		s.writeError(w, &types.ValidationError{Field: "alertId", Reason: "missing"})
		return
	}

	if action == "" {
		alert, err := s.store.GetAlert(r.Context(), alertID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req alertCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &types.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	var (
		alert types.Alert
		err   error
	)
	switch action {
	case "acknowledge":
		alert, err = s.alerts.Acknowledge(r.Context(), alertID, req.UserID, req.Note)
	case "resolve":
		alert, err = s.alerts.Resolve(r.Context(), alertID, req.UserID, req.Note)
	case "assign":
		alert, err = s.alerts.Assign(r.Context(), alertID, req.Target, req.UserID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	sinceHours := intQuery(r, "sinceHours", 24)
	since := s.clock.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour)
	host := r.URL.Query().Get("host")

	stats, err := s.store.AlertStats(r.Context(), host, since)
	if err != nil {
		s.writeError(w, err)
		return
	}

	byLevel := map[string]int{}
	if host != "" {
		if rec, ok := s.statuses.Get(host); ok {
			byLevel[rec.Level.String()]++
		}
	} else {
		for _, rec := range s.statuses.Snapshot() {
			byLevel[rec.Level.String()]++
		}
	}

	payload := map[string]interface{}{
		"alerts":        stats,
		"statusByLevel": byLevel,
		"sinceHours":    sinceHours,
	}
	if host != "" {
		payload["host"] = host
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	hostID, rest := splitPath(r.URL.Path, "/api/anomalies/")
	if hostID == "" || rest != "" {
		http.NotFound(w, r)
		return
	}

	if _, err := s.store.GetHost(r.Context(), hostID); err != nil {
		s.writeError(w, err)
		return
	}

	hours := intQuery(r, "hours", anomalyLookbackHours)
	to := s.clock.Now().UTC()
	samples, err := s.store.SamplesInRange(r.Context(), hostID, to.Add(-time.Duration(hours)*time.Hour), to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result := s.detector.Detect(hostID, samples)

	// promote=true turns detected anomalies into alerts, subject to the
	// manager's dedup and cooldown rules.
	promoted := 0
	if r.URL.Query().Get("promote") == "true" {
		for _, rec := range result.Anomalies {
			alert, err := s.alerts.RaiseAnomaly(r.Context(), rec)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if alert != nil {
				promoted++
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result":   result,
		"promoted": promoted,
	})
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	hostID, rest := splitPath(r.URL.Path, "/api/aggregates/")
	if hostID == "" || rest != "" {
		http.NotFound(w, r)
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.clock.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		s.writeError(w, &types.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"})
		return
	}

	agg, err := s.store.GetDailyAggregate(r.Context(), hostID, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

type triggerRequest struct {
	HostID string `json:"hostId"`
	Kind   string `json:"kind"`
}

func (s *Server) handleTriggerAggregation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &types.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	if err := s.scheduler.TriggerAggregation(r.Context(), req.HostID, req.Kind); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"triggered": req.Kind,
		"hostId":    req.HostID,
	})
}

// writeError maps the error taxonomy onto HTTP statuses. Anything
// unexpected becomes a generic 500 with no internal detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case types.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case types.IsInvalidState(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// splitPath strips prefix and returns the first path element plus the
// remainder ("a/b/c" under prefix returns "a", "b/c").
func splitPath(path, prefix string) (string, string) {
	p := strings.TrimPrefix(path, prefix)
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
