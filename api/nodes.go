package api

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/ingest"
	"github.com/vinayprograms/fleetwatch/liveness"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/store"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

// NodeView is a node with its derived liveness.
type NodeView struct {
	*store.Node
	IsAlive       bool            `json:"is_alive"`
	Status        liveness.Status `json:"status"`
	StatusDisplay liveness.Status `json:"status_display"`
}

// NodeCheck counts nodes by liveness. Active means alive.
type NodeCheck struct {
	Total    int `json:"total_nodes"`
	Active   int `json:"active_nodes"`
	Inactive int `json:"inactive_nodes"`
}

func (h *Handler) view(n *store.Node, now time.Time) NodeView {
	threshold := h.agg.Threshold()
	alive := liveness.IsAlive(n.LastHeartbeat, threshold, now)
	return NodeView{
		Node:          n,
		IsAlive:       alive,
		Status:        liveness.Evaluate(n, threshold, now),
		StatusDisplay: liveness.StatusDisplay(n.IsActive, alive),
	}
}

func (h *Handler) views(nodes []*store.Node) []NodeView {
	now := h.clock.Now()
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, h.view(n, now))
	}
	return out
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeHeartbeatError(w, err)
		return
	}
	res, err := h.gw.HandleRaw(ingestContext(r), body)
	if err != nil {
		writeHeartbeatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingest.Response(res, nil))
}

func (h *Handler) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeHeartbeatError(w, err)
		return
	}
	res, err := h.gw.HandleForNode(ingestContext(r), r.PathValue("id"), body)
	if err != nil {
		writeHeartbeatError(w, err)
		return
	}
	resp := ingest.Response(res, nil)
	resp.Message = ""
	writeJSON(w, http.StatusOK, resp)
}

// ingestContext continues the agent's trace, if it sent one.
func ingestContext(r *http.Request) context.Context {
	ctx := telemetry.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))
	return ingest.WithTransport(ctx, ingest.TransportHTTP)
}

// writeHeartbeatError answers ingestion failures in the heartbeat wire
// format, which always carries a status.
func writeHeartbeatError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), ingest.Response(nil, err))
}

func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.reg.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.views(nodes))
}

func (h *Handler) handleActiveNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.reg.ListActive(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.views(nodes))
}

func (h *Handler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.reg.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(n, h.clock.Now()))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if err := decodeBody(w, r, &reg); err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.clock.Now()
	n, err := h.reg.Register(r.Context(), reg, now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(n, now))
}

func (h *Handler) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.IsActive == nil {
		h.writeError(w, r, errors.InvalidInput("is_active field is required",
			errors.WithField("is_active", "This field is required.")))
		return
	}
	now := h.clock.Now()
	n, err := h.reg.SetActive(r.Context(), r.PathValue("id"), *req.IsActive, now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(n, now))
}

func (h *Handler) nodeCheck(r *http.Request) (NodeCheck, error) {
	nodes, err := h.reg.List(r.Context())
	if err != nil {
		return NodeCheck{}, err
	}
	now := h.clock.Now()
	threshold := h.agg.Threshold()
	c := NodeCheck{Total: len(nodes)}
	for _, n := range nodes {
		if liveness.IsAlive(n.LastHeartbeat, threshold, now) {
			c.Active++
		}
	}
	c.Inactive = c.Total - c.Active
	return c, nil
}

func (h *Handler) handleCheckNodes(w http.ResponseWriter, r *http.Request) {
	c, err := h.nodeCheck(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
