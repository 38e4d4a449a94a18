package api

import (
	"net/http"
	"strconv"

	"github.com/triage-ai/palisade/moderation/internal/chread"
	"go.uber.org/zap"
)

// handleGetAnalytics implements GET /analytics?days=N (default 7, clamped to [1,90]).
func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: "must be an integer", Field: "days"})
			return
		}
		days = n
	}

	result, err := d.Reader.GetAnalytics(r.Context(), chread.ClampDays(days))
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleHealth implements GET /health. Always 200; dependency state is in the body.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := d.Moderator.Health(r.Context())
	writeJSON(w, http.StatusOK, HealthResp{
		Status:            "ok",
		Version:           d.Version,
		UptimeSeconds:     uptime(d.StartedAt),
		ModelLoaded:       h.ModelLoaded,
		ModelVersion:      h.ModelVersion,
		Labels:            h.Labels,
		DatabaseConnected: h.DatabaseConnected,
	})
}
