package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/httputil"
)

type batchRequest struct {
	CustomerIDs []string `json:"customerIds"`
	AssignedTo  string   `json:"assignedTo,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

type transferRequest struct {
	AssignedTo string `json:"assignedTo"`
	Reason     string `json:"reason"`
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

type batchResponse struct {
	customer.BatchResult
	Summary string `json:"summary"`
}

func (h *handler) writeBatch(w http.ResponseWriter, res customer.BatchResult) {
	summary := batchSummary(res.Success, res.Failed)
	if res.Errors == nil {
		res.Errors = []customer.ItemError{}
	}
	httputil.WriteSuccess(w, http.StatusOK, summary, batchResponse{BatchResult: res, Summary: summary})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.app.Claims.BatchClaim(r.Context(), req.CustomerIDs, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeBatch(w, res)
}

func (h *handler) assignFromPool(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.app.Assignment.AssignFromPool(r.Context(), req.CustomerIDs, req.AssignedTo, req.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeBatch(w, res)
}

func (h *handler) batchAssign(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.app.Assignment.BatchAssign(r.Context(), req.CustomerIDs, req.AssignedTo, req.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeBatch(w, res)
}

func (h *handler) batchRelease(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.app.Pool.BatchReleaseToPool(r.Context(), req.CustomerIDs, req.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeBatch(w, res)
}

func (h *handler) assign(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.app.Assignment.Assign(r.Context(), mux.Vars(r)["id"], req.AssignedTo, req.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "客户分配成功", c)
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.app.Pool.ReleaseToPool(r.Context(), mux.Vars(r)["id"], req.Reason, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "已释放到公海", c)
}

// sweep runs the eviction sweep immediately, ignoring the execution window.
func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Authorizer.RequireCapability(r.Context(), actorOf(r), auth.CapabilityRelease); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.app.Sweeper == nil {
		h.fail(w, r, errors.Validation("sweeper", "pool sweeper is disabled"))
		return
	}
	report, err := h.app.Sweeper.RunOnce(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", report)
}

// sweepPreview forecasts the next run of each transfer rule.
func (h *handler) sweepPreview(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Authorizer.RequireCapability(r.Context(), actorOf(r), auth.CapabilityViewAll); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.app.Sweeper == nil {
		h.fail(w, r, errors.Validation("sweeper", "pool sweeper is disabled"))
		return
	}
	previews, err := h.app.Sweeper.Preview(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", previews)
}
