package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/argus/internal/analysis"
)

func alertParam(r *http.Request) string {
	id := chi.URLParam(r, "alertID")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("argus.alert.id", id))
	return id
}

func recordAttrs(r *http.Request, rec *analysis.Record) {
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("argus.analysis.status", string(rec.OrchestrationStatus)),
	)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)

	res, err := a.svc.Submit(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to submit analysis", "alert_id", id)
		return
	}
	recordAttrs(r, res.Record)

	code := http.StatusAccepted
	if res.Skipped {
		code = http.StatusOK
	}
	writeJSON(w, code, res.Record)
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)

	rec, ok, err := a.svc.Result(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get analysis", "alert_id", id)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	recordAttrs(r, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)

	if err := a.svc.Reset(r.Context(), id); err != nil {
		a.writeError(w, r, err, "failed to reset analysis", "alert_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)
	step := chi.URLParam(r, "step")

	rec, err := a.svc.RetryStep(r.Context(), id, step)
	if err != nil {
		a.writeError(w, r, err, "failed to retry step", "alert_id", id, "step", step)
		return
	}
	recordAttrs(r, rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)
	step := chi.URLParam(r, "step")

	rec, err := a.svc.SubmitContinue(r.Context(), id, step)
	if err != nil {
		a.writeError(w, r, err, "failed to continue analysis", "alert_id", id, "step", step)
		return
	}
	recordAttrs(r, rec)
	writeJSON(w, http.StatusAccepted, rec)
}

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := alertParam(r)

	snaps, err := a.snapshots.List(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to list snapshots", "alert_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alertId": id, "snapshots": snaps})
}
