package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
)

// PoolView lists one pool and its members.
type PoolView struct {
	Name     string        `json:"name"`
	Strategy pool.Strategy `json:"strategy"`
	Members  []pool.Member `json:"members"`
}

// SelectResponse names the member chosen for a request.
type SelectResponse struct {
	Pool    string `json:"pool"`
	Member  string `json:"member"`
	Address string `json:"address,omitempty"`
}

// ReportRequest is an externally observed call outcome for a member.
type ReportRequest struct {
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// ListNodes handles GET /api/v1/nodes
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.dispatcher.Nodes().Snapshot()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":    nodes,
		"count":    len(nodes),
		"starving": h.dispatcher.Starving(),
	})
}

// DrainNode handles POST /api/v1/nodes/{name}/drain
func (h *Handlers) DrainNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.dispatcher.Nodes().Drain(name); err != nil {
		h.respondError(w, r, statusForError(err), "failed to drain node", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"node": name, "status": "draining"})
}

// ListPools handles GET /api/v1/pools
func (h *Handlers) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := h.pools.All()
	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, PoolView{Name: p.Name(), Strategy: p.Strategy(), Members: p.Snapshot()})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"pools": views})
}

// RegisterMember handles POST /api/v1/pools/{pool}/members. Executor nodes
// register over the message bus instead.
func (h *Handlers) RegisterMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pool(w, r)
	if !ok {
		return
	}
	if p == h.dispatcher.Nodes() {
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict,
			"executor nodes register over the message bus", nil)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if h.validator != nil {
		if res := h.validator.ValidateMemberJSON(data); !res.Valid {
			writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidationFailed,
				"member failed validation", map[string]interface{}{"errors": res.Errors})
			return
		}
	}
	var spec pool.MemberSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := p.Register(spec); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to register member", err)
		return
	}
	m, _ := p.Get(spec.Name)
	h.respondJSON(w, http.StatusCreated, m)
}

// SelectMember handles POST /api/v1/pools/{pool}/select. An empty body
// selects without constraints.
func (h *Handlers) SelectMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pool(w, r)
	if !ok {
		return
	}
	var c pool.Criteria
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	name, ok := p.Select(c)
	if !ok {
		w.Header().Set("Retry-After", "1")
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeNoCapacity,
			"no eligible member", map[string]interface{}{"pool": p.Name()})
		return
	}
	resp := SelectResponse{Pool: p.Name(), Member: name}
	if m, ok := p.Get(name); ok {
		resp.Address = m.Address
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ReportMember handles POST /api/v1/pools/{pool}/members/{name}/report
func (h *Handlers) ReportMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.pool(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]

	var req ReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	var callErr error
	if req.Error != "" {
		callErr = errors.New(req.Error)
	}
	latency := time.Duration(req.LatencyMS * float64(time.Millisecond))
	if err := p.ReportResult(name, callErr, latency); err != nil {
		h.respondError(w, r, statusForError(err), "failed to record result", err)
		return
	}
	m, _ := p.Get(name)
	h.respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) pool(w http.ResponseWriter, r *http.Request) (*pool.Pool, bool) {
	name := mux.Vars(r)["pool"]
	p, ok := h.pools.Get(name)
	if !ok {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "pool not found",
			map[string]interface{}{"pool": name})
		return nil, false
	}
	return p, true
}
