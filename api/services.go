package api

import (
	"net/http"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/store"
)

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := h.agg.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (h *Handler) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var spec aggregator.ServiceSpec
	if err := decodeBody(w, r, &spec); err != nil {
		h.writeError(w, r, err)
		return
	}
	svc, err := h.agg.CreateService(r.Context(), spec, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (h *Handler) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.agg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *Handler) handleCheckServices(w http.ResponseWriter, r *http.Request) {
	s, err := h.agg.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsOperational *bool `json:"is_operational"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.IsOperational == nil {
		h.writeError(w, r, errors.InvalidInput("is_operational field is required",
			errors.WithField("is_operational", "This field is required.")))
		return
	}
	svc, err := h.agg.SetOperational(r.Context(), r.PathValue("id"), *req.IsOperational, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "service status updated",
		"service": svc,
	})
}

func (h *Handler) handleLinkNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.NodeID == "" {
		h.writeError(w, r, errors.InvalidInput("node_id field is required",
			errors.WithField("node_id", "This field is required.")))
		return
	}
	svc, err := h.agg.LinkNode(r.Context(), r.PathValue("id"), req.NodeID, h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *Handler) handleUnlinkNode(w http.ResponseWriter, r *http.Request) {
	svc, err := h.agg.UnlinkNode(r.Context(), r.PathValue("id"), r.PathValue("node_id"), h.clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// Dashboard is the combined fleet summary with the service list.
type Dashboard struct {
	NodeCheck
	aggregator.Summary
	Services []*store.Service `json:"services"`
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodeCheck(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.agg.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	svcs, err := h.agg.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if svcs == nil {
		svcs = []*store.Service{}
	}
	writeJSON(w, http.StatusOK, Dashboard{NodeCheck: nodes, Summary: summary, Services: svcs})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sched.RunOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
