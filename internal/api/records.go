package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/triage-ai/palisade/moderation/internal/moderator"
)

// handleSubmitFeedback implements POST /feedback.
func (d *Dependencies) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	rec, err := d.Moderator.SubmitFeedback(r.Context(), moderator.FeedbackInput{
		PredictionID:   req.PredictionID,
		Text:           req.Text,
		PredictedLabel: req.PredictedLabel,
		CorrectLabel:   req.CorrectLabel,
	})
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleListFeedback implements GET /feedback?limit=N.
func (d *Dependencies) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r.URL.Query())
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	recs, err := d.Moderator.FeedbackHistory(r.Context(), limit)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleStats implements GET /stats.
func (d *Dependencies) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.Moderator.Stats(r.Context())
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHistory implements GET /history?limit=N (default 20, capped at 100).
func (d *Dependencies) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r.URL.Query())
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	recs, err := d.Moderator.History(r.Context(), limit)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	for _, rec := range recs {
		rec.Confidence = round4(rec.Confidence)
	}
	writeJSON(w, http.StatusOK, recs)
}

// queryLimit parses ?limit. Absent means 0, which the moderator treats as its default;
// range checks are left to the moderator.
func queryLimit(q url.Values) (int, error) {
	v := q.Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &moderator.ValidationError{Field: "limit", Message: "must be an integer"}
	}
	return n, nil
}
