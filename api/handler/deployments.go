package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"caflz/api/auth"
	"caflz/api/model"
	"caflz/api/pipeline"
	"caflz/api/saga"
	"caflz/api/store"
)

type AcceptedResponse struct {
	DeploymentID int64        `json:"deployment_id"`
	Status       model.Status `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
}

func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidArgument, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.TriggeredBy = caller(r)

	d, err := h.pipeline.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, AcceptedResponse{
		DeploymentID: d.ID,
		Status:       d.Status,
		StartedAt:    d.StartedAt,
	})
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.DeploymentFilter{CustomerID: q.Get("customer")}
	if c := q.Get("component"); c != "" {
		component, err := model.ParseComponent(c)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.Component = component
	}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, model.Status(strings.TrimSpace(st)))
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: limit %q", model.ErrInvalidArgument, l))
			return
		}
		f.Limit = n
	}
	deployments, err := h.pipeline.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []model.Deployment{}
	}
	writeJSON(w, deployments)
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deploymentID(w, r)
	if !ok {
		return
	}
	d, err := h.pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

func (h *Handler) ApproveDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deploymentID(w, r)
	if !ok {
		return
	}
	d, err := h.pipeline.Approve(r.Context(), id, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, d)
}

func (h *Handler) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deploymentID(w, r)
	if !ok {
		return
	}
	d, err := h.pipeline.Cancel(r.Context(), id, caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, d)
}

// DeploymentEvents returns the audit trail, as plain text with ?format=text.
func (h *Handler) DeploymentEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deploymentID(w, r)
	if !ok {
		return
	}
	d, err := h.pipeline.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.ledger.ListBySaga(r.Context(), d.SagaID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := saga.WriteTranscript(w, events); err != nil {
			h.log.Error(err, "write event transcript", "deployment", id)
		}
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}

func (h *Handler) deploymentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, fmt.Errorf("%w: deployment id %q", model.ErrInvalidArgument, raw))
		return 0, false
	}
	return id, true
}

// caller names who triggered a request. Without auth it is "api".
func caller(r *http.Request) string {
	if s := auth.Subject(r.Context()); s != "" {
		return s
	}
	return "api"
}
