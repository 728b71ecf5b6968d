package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"caflz/api/model"
	"caflz/api/saga"
	"caflz/api/store"
)

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	f := store.CustomerFilter{
		Status:         model.CustomerStatus(r.URL.Query().Get("status")),
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}
	customers, err := h.ledger.ListCustomers(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if customers == nil {
		customers = []model.Customer{}
	}
	writeJSON(w, customers)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.ledger.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, c)
}

// CreateCustomer accepts the onboarding document as YAML or JSON.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	spec, err := model.DecodeCustomerSpec(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c := &model.Customer{}
	spec.Apply(c)
	if c.ClientSecret, err = h.cipher.Encrypt(spec.ClientSecret); err != nil {
		h.writeError(w, r, fmt.Errorf("encrypt client secret: %w", err))
		return
	}
	if err := h.ledger.CreateCustomer(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, c.ID, "customer.created", "customer onboarded")
	writeJSONStatus(w, http.StatusCreated, c)
}

// UpdateCustomer replaces the descriptive fields. The id defaults to the
// path and an empty client_secret keeps the stored one.
func (h *Handler) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	spec, err := model.ReadCustomerSpec(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if spec.ID == "" {
		spec.ID = id
	}
	if spec.ID != id {
		h.writeError(w, r, fmt.Errorf("%w: body id %q does not match %q", model.ErrInvalidArgument, spec.ID, id))
		return
	}
	if err := spec.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.ledger.GetCustomer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	spec.Apply(c)
	if spec.ClientSecret != "" {
		if c.ClientSecret, err = h.cipher.Encrypt(spec.ClientSecret); err != nil {
			h.writeError(w, r, fmt.Errorf("encrypt client secret: %w", err))
			return
		}
	}
	if err := h.ledger.UpdateCustomer(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, c.ID, "customer.updated", "customer configuration updated")
	writeJSON(w, c)
}

// DeleteCustomer soft-deletes by default. With ?force=true a customer that
// is not active is removed together with its deployment history. Customers
// with in-flight deployments are never deleted.
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	c, err := h.ledger.GetCustomer(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	inFlight, err := h.ledger.ListDeployments(ctx, store.DeploymentFilter{
		CustomerID: id,
		Statuses:   model.InFlightStatuses,
		Limit:      1,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch {
	case len(inFlight) > 0:
		h.writeError(w, r, fmt.Errorf("%w: customer %s has deployment %d in flight", model.ErrInvalidState, id, inFlight[0].ID))
		return
	case c.Status == model.CustomerActive && !force:
		h.writeError(w, r, fmt.Errorf("%w: customer %s is active, use force to delete", model.ErrInvalidState, id))
		return
	}

	if force && c.Status != model.CustomerActive {
		if err := h.ledger.DeleteCustomer(ctx, id); err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "status": "removed"})
		return
	}
	if err := h.ledger.UpdateCustomerStatus(ctx, id, model.CustomerDeleted, c.DeployedAt); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, id, "customer.deleted", "customer soft-deleted")
	writeJSON(w, map[string]string{"id": id, "status": string(model.CustomerDeleted)})
}

func (h *Handler) ListResourceGroups(w http.ResponseWriter, r *http.Request) {
	c, component, ok := h.customerComponent(w, r)
	if !ok {
		return
	}
	groups, err := h.inventory.ResourceGroups(r.Context(), c, component)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, groups)
}

func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	c, component, ok := h.customerComponent(w, r)
	if !ok {
		return
	}
	resources, err := h.inventory.Resources(r.Context(), c, component, chi.URLParam(r, "rg"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, resources)
}

func (h *Handler) customerComponent(w http.ResponseWriter, r *http.Request) (*model.Customer, model.Component, bool) {
	if h.inventory == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, errorBody{Error: "azure inventory not configured"})
		return nil, "", false
	}
	component, err := model.ParseComponent(chi.URLParam(r, "component"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, "", false
	}
	c, err := h.ledger.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, "", false
	}
	return c, component, true
}

func (h *Handler) audit(r *http.Request, customerID, action, message string) {
	sg := saga.New(h.ledger, customerID, "", "api", "customer")
	if err := sg.Log(r.Context(), action, message, map[string]string{"by": caller(r)}); err != nil {
		h.log.Error(err, "audit event", "customer", customerID, "action", action)
	}
}
