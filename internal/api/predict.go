package api

import (
	"net/http"

	"github.com/triage-ai/palisade/moderation/internal/auth"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
)

// handlePredict implements POST /predict.
func (d *Dependencies) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	dec, err := d.Moderator.Check(r.Context(), req.Text, d.meta(r))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPredictionResp(dec))
}

// handlePredictBatch implements POST /predict/batch.
func (d *Dependencies) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	decs, err := d.Moderator.CheckBatch(r.Context(), req.Texts, d.meta(r))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	resp := make([]PredictionResp, len(decs))
	for i, dec := range decs {
		resp[i] = toPredictionResp(dec)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExplain implements POST /predict/explain.
func (d *Dependencies) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	exp, err := d.Moderator.Explain(r.Context(), req.Text)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExplainResp(req.Text, exp, d.Moderator.Config().DisplayTextLength))
}

func (d *Dependencies) meta(r *http.Request) moderator.Meta {
	return moderator.Meta{
		RequestID: r.Header.Get(requestIDHeader),
		Source:    "http",
		ClientID:  auth.PrincipalFrom(r.Context()).Name,
	}
}
