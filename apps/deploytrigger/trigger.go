package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/internal/serverutil"
	"github.com/andrej220/rdeploy/pkg/report"
	"github.com/andrej220/rdeploy/pkg/reportstore"
	dm "github.com/andrej220/rdeploy/pkg/shared-models"
)

const (
	defaultPath      = "/runs"
	publishTimeout   = 30 * time.Second
	defaultListLimit = 20
)

type publisher interface {
	Publish(ctx context.Context, key []byte, v dm.RunRequest) error
}

type reportReader interface {
	Get(ctx context.Context, runID uuid.UUID) (*report.Report, error)
	ListByPlan(ctx context.Context, plan string, limit int64) ([]report.Report, error)
}

// triggerHandler queues validated run requests.
type triggerHandler struct {
	pub publisher
	now func() time.Time
}

func newTriggerHandler(pub publisher) *triggerHandler {
	return &triggerHandler{pub: pub, now: time.Now}
}

func (h *triggerHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	request, ok := serverutil.RequestFromContext[dm.RunRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	logger := lg.FromContext(r.Context())

	if request.RunID == uuid.Nil {
		request.RunID = uuid.New()
	}
	request.RequestedAt = h.now().UTC()

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := h.pub.Publish(ctx, request.RunID[:], request); err != nil {
		logger.Error("failed to queue run", lg.String("run_id", request.RunID.String()), lg.Err(err))
		http.Error(rw, "Failed to queue request", http.StatusServiceUnavailable)
		return
	}
	logger.Info("run queued",
		lg.String("run_id", request.RunID.String()),
		lg.String("plan_id", request.PlanID),
		lg.String("host", request.Host))
	_ = serverutil.WriteJSON(rw, http.StatusAccepted, dm.RunAccepted{RunID: request.RunID})
}

// reportsHandler serves stored reports: one by run id, or the latest of a plan.
type reportsHandler struct {
	reports reportReader
}

func (h *reportsHandler) get(rw http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(rw, "invalid run id", http.StatusBadRequest)
		return
	}
	rep, err := h.reports.Get(r.Context(), id)
	if errors.Is(err, reportstore.ErrNotFound) {
		http.Error(rw, "report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		lg.FromContext(r.Context()).Error("failed to read report", lg.String("run_id", id.String()), lg.Err(err))
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	_ = serverutil.WriteJSON(rw, http.StatusOK, rep)
}

func (h *reportsHandler) list(rw http.ResponseWriter, r *http.Request) {
	planName := r.URL.Query().Get("plan")
	if planName == "" {
		http.Error(rw, "plan query parameter is required", http.StatusBadRequest)
		return
	}
	limit := int64(defaultListLimit)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			http.Error(rw, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	reps, err := h.reports.ListByPlan(r.Context(), planName, limit)
	if err != nil {
		lg.FromContext(r.Context()).Error("failed to list reports", lg.String("plan", planName), lg.Err(err))
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	if reps == nil {
		reps = []report.Report{}
	}
	_ = serverutil.WriteJSON(rw, http.StatusOK, reps)
}

// newMux routes POST path to the trigger and, when reports is set, GET path and
// GET path/{id} to the stored reports.
func newMux(path string, pub publisher, reports reportReader) *http.ServeMux {
	if path == "" {
		path = defaultPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, serverutil.NewValidationHandler[dm.RunRequest](newTriggerHandler(pub)))
	if reports != nil {
		rh := &reportsHandler{reports: reports}
		mux.HandleFunc("GET "+path, rh.list)
		mux.HandleFunc("GET "+path+"/{id}", rh.get)
	}
	return mux
}
