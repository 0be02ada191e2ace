package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/benchtrack/benchtrack/internal/catalog"
	"github.com/benchtrack/benchtrack/internal/dataset"
	"github.com/benchtrack/benchtrack/internal/label"
	"github.com/benchtrack/benchtrack/internal/model"
	"github.com/benchtrack/benchtrack/internal/pipeline"
	"github.com/benchtrack/benchtrack/internal/recalc"
	"github.com/benchtrack/benchtrack/internal/store"
)

// maxUploadBytes bounds a run document read from a request body.
const maxUploadBytes = 64 << 20

// newRouter registers the API routes over env.
func newRouter(env *pipelineEnv) http.Handler {
	h := &handlers{env: env}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", h.uploadRun)
		r.Delete("/runs/{id}", h.deleteRun)
		r.Post("/runs/{id}/recalculate", h.recalculateRun)
		r.Get("/runs/{id}/datasets", h.runDatasets)
		r.Post("/runs/{id}/trash", h.trashRun)
		r.Route("/tests/{id}", func(r chi.Router) {
			r.Post("/recalculate", h.recalculateTest)
			r.Get("/recalculate", h.testStatus)
			r.Post("/datapoints/recalculate", h.recalculateDataPoints)
			r.Get("/datapoints/recalculate", h.dataPointsStatus)
			r.Post("/fingerprints/recalculate", h.recalculateFingerprints)
			r.Post("/variables/validate", h.variablesUpdated)
		})
		r.Post("/recalculate", h.recalculateRange)
		r.Post("/schemas/recalculate", h.schemaUpdated)
		r.Get("/jobs/{id}", h.job)
		r.Post("/changes/{id}/confirm", h.confirmChange)
		r.Get("/variables/{id}/changes", h.variableChanges)
	})

	return r
}

type handlers struct {
	env *pipelineEnv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err to a status code and writes it.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, catalog.ErrNotFound), errors.Is(err, dataset.ErrRunGone):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidUpload), errors.Is(err, recalc.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, recalc.ErrQueueFull), errors.Is(err, recalc.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dataset.ErrWaitTimeout):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// parseTime accepts epoch milliseconds or RFC 3339. An empty value is nil.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, ok := label.ParseTime(s)
	if !ok {
		return nil, eris.Errorf("invalid time %q", s)
	}
	return &t, nil
}

func timeRange(w http.ResponseWriter, r *http.Request) (from, to *time.Time, ok bool) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return nil, nil, false
	}
	to, err = parseTime(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return nil, nil, false
	}
	return from, to, true
}

func datasetIDs(datasets []model.Dataset) []int64 {
	ids := make([]int64, len(datasets))
	for i, ds := range datasets {
		ids[i] = ds.ID
	}
	return ids
}

func (h *handlers) uploadRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	testID, err := strconv.ParseInt(q.Get("test"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "test is required")
		return
	}
	var data any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, datasets, err := h.env.Coordinator.Upload(r.Context(), pipeline.UploadRequest{
		TestID:      testID,
		Start:       q.Get("start"),
		Stop:        q.Get("stop"),
		Description: q.Get("description"),
		Schema:      q.Get("schema"),
		Data:        data,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run_id":      run.ID,
		"dataset_ids": datasetIDs(datasets),
	})
}

func (h *handlers) deleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.env.Coordinator.DeleteRun(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) recalculateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ids, err := h.env.Coordinator.RecalculateRun(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "dataset_ids": ids})
}

func (h *handlers) runDatasets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var datasets []model.Dataset
	if wait := r.URL.Query().Get("wait"); wait != "" {
		timeout, err := time.ParseDuration(wait)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		datasets, err = h.env.Coordinator.WaitForDatasets(r.Context(), id, timeout)
		if err != nil {
			fail(w, r, err)
			return
		}
	} else {
		err := h.env.Store.InTx(r.Context(), func(tx store.Tx) error {
			var err error
			datasets, err = tx.DatasetsByRun(r.Context(), id)
			return err
		})
		if err != nil {
			fail(w, r, err)
			return
		}
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

func (h *handlers) trashRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	trashed := true
	if v := r.URL.Query().Get("trashed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid trashed")
			return
		}
		trashed = b
	}
	if err := h.env.Coordinator.TrashRun(r.Context(), id, trashed); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "trashed": trashed})
}

func (h *handlers) recalculateTest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.env.Coordinator.RecalculateTestDatasets(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (h *handlers) testStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.env.Coordinator.DatasetsStatus(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"test_id":  status.TestID,
		"job_id":   status.JobID,
		"scanning": status.Scanning,
		"total":    status.Total,
		"finished": status.Finished,
		"failed":   status.Failed,
		"done":     status.Done(),
	})
}

func (h *handlers) recalculateDataPoints(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	status, err := h.env.Coordinator.RecalculateDataPoints(r.Context(), id, from, to)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (h *handlers) dataPointsStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.env.Coordinator.DataPointsStatus(id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) recalculateFingerprints(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.env.Coordinator.FingerprintConfigUpdated(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"test_id": id, "datasets": n})
}

func (h *handlers) variablesUpdated(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.env.Coordinator.VariablesUpdated(r.Context(), id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			fail(w, r, err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (h *handlers) recalculateRange(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	id, err := h.env.Coordinator.RecalculateAll(r.Context(), from, to)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id})
}

func (h *handlers) schemaUpdated(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	id, err := h.env.Coordinator.SchemaUpdated(r.Context(), uri)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"uri": uri, "job_id": id})
}

func (h *handlers) job(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	status, ok := h.env.Coordinator.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) confirmChange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var change *model.Change
	err := h.env.Store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		change, err = h.env.Pipeline.Engine().Confirm(r.Context(), tx, id, req.Description)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (h *handlers) variableChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.env.Catalog.Variable(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	fp := r.URL.Query().Get("fingerprint")
	var changes []model.Change
	err := h.env.Store.InTx(r.Context(), func(tx store.Tx) error {
		var err error
		changes, err = tx.ChangesBySeries(r.Context(), id, fp)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if changes == nil {
		changes = []model.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}
