package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/services/customers"
	"github.com/R3E-Network/crm_service/internal/errors"
	"github.com/R3E-Network/crm_service/internal/httputil"
)

func (h *handler) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req customers.CreateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.app.Customers.Create(r.Context(), req, r.Header.Get(IdempotencyHeader), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Action == customers.ActionUpdated {
		httputil.WriteSuccess(w, http.StatusOK, "客户信息已更新", res)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, "客户创建成功", res)
}

func (h *handler) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Customers.Get(r.Context(), mux.Vars(r)["id"], actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", c)
}

func (h *handler) listPool(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.app.Customers.ListPool(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", page)
}

func (h *handler) myCustomerCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.app.Statistics.MyCustomerCount(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", count)
}

func (h *handler) poolStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Statistics.PublicPoolStatistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", stats)
}

func (h *handler) holdings(w http.ResponseWriter, r *http.Request) {
	rows, err := h.app.Statistics.HoldingsByUser(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", rows)
}

// parseFilter reads the public pool query parameters.
func parseFilter(r *http.Request) (customer.Filter, error) {
	q := r.URL.Query()
	f := customer.Filter{
		LeadSource:      strings.TrimSpace(q.Get("leadSource")),
		ServiceCategory: strings.TrimSpace(q.Get("serviceCategory")),
		LeadLevel:       strings.TrimSpace(q.Get("leadLevel")),
		Search:          strings.TrimSpace(q.Get("search")),
	}
	for _, status := range q["contractStatus"] {
		if status = strings.TrimSpace(status); status != "" {
			f.ContractStatuses = append(f.ContractStatuses, status)
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{{"page", &f.Page}, {"limit", &f.Limit}}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.InvalidFormat(p.name, "non-negative integer")
		}
		*p.dst = n
	}

	budgets := []struct {
		name string
		dst  **int64
	}{{"minBudget", &f.MinBudget}, {"maxBudget", &f.MaxBudget}}
	for _, b := range budgets {
		raw := q.Get(b.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, errors.InvalidFormat(b.name, "integer")
		}
		*b.dst = &n
	}
	return f, nil
}
