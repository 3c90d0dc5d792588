package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahmethakanbesel/priceload/internal/apperror"
	"github.com/ahmethakanbesel/priceload/internal/logging"
	"github.com/ahmethakanbesel/priceload/internal/price"
	"github.com/ahmethakanbesel/priceload/internal/run"
)

const maxBodyBytes = 1 << 20

type handler struct {
	priceSvc *price.Service
	runSvc   *run.Service
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	startDate, err := parseDate(q.Get("startDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startDate format, expected YYYY-MM-DD")
		return
	}
	endDate, err := parseDate(q.Get("endDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endDate format, expected YYYY-MM-DD")
		return
	}

	format := q.Get("format")
	req := price.GetPricesRequest{
		Instrument: chi.URLParam(r, "instrument"),
		StartDate:  startDate,
		EndDate:    endDate,
		Format:     format,
	}

	resp, err := h.priceSvc.GetPrices(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if format == "csv" {
		writeCSV(w, resp.Instrument, resp.Prices)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.priceSvc.GetStats(r.Context(), price.GetStatsRequest{
		Instrument: chi.URLParam(r, "instrument"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req run.SubmitRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.runSvc.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	got, err := h.runSvc.Get(r.Context(), run.GetRunRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runSvc.List(r.Context(), run.ListRunsRequest{
		Instrument: r.URL.Query().Get("instrument"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// fail maps err to a response. Errors without an application code are
// logged and reported as 500 without their message.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := apperror.As(err); ok {
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(price.DateFormat, v)
}
