package httpapi

import (
	stderrors "errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/services/auditlog"
	"github.com/R3E-Network/crm_service/internal/httputil"
)

// visible resolves the {id} route variable if the actor may read it.
func (h *handler) visible(w http.ResponseWriter, r *http.Request) (string, bool) {
	c, err := h.app.Customers.Get(r.Context(), mux.Vars(r)["id"], actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return c.ID, true
}

func (h *handler) assignmentLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.visible(w, r)
	if !ok {
		return
	}
	entries, err := h.app.Audit.AssignmentLog(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", entries)
}

func (h *handler) poolLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.visible(w, r)
	if !ok {
		return
	}
	entries, err := h.app.Audit.PoolLog(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", entries)
}

func (h *handler) auditCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Authorizer.RequireCapability(r.Context(), actorOf(r), auth.CapabilityViewAll); err != nil {
		h.fail(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	err := h.app.Audit.VerifyChain(r.Context(), id)
	var chainErr *auditlog.ChainError
	switch {
	case err == nil:
		httputil.WriteSuccess(w, http.StatusOK, "", map[string]any{"customerId": id, "consistent": true})
	case stderrors.As(err, &chainErr):
		httputil.WriteSuccess(w, http.StatusOK, chainErr.Error(), map[string]any{
			"customerId": id,
			"consistent": false,
			"seq":        chainErr.Seq,
			"problem":    chainErr.Problem,
		})
	default:
		h.fail(w, r, err)
	}
}
