package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"caflz/api/azure"
	"caflz/api/model"
	"caflz/api/pipeline"
	"caflz/api/storage"
	"caflz/api/store"
)

type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type Inventory interface {
	ResourceGroups(ctx context.Context, c *model.Customer, component model.Component) ([]azure.ResourceGroup, error)
	Resources(ctx context.Context, c *model.Customer, component model.Component, group string) ([]azure.Resource, error)
}

type Handler struct {
	ledger    store.Ledger
	pipeline  *pipeline.Pipeline
	cipher    Encrypter
	inventory Inventory
	s3Client  *storage.Client
	tfBinary  string
	tfRoot    string
	validate  *validator.Validate
	log       logr.Logger
}

type Options struct {
	Ledger    store.Ledger
	Pipeline  *pipeline.Pipeline
	Cipher    Encrypter
	Inventory Inventory
	S3        *storage.Client
	TFBinary  string
	TFRoot    string
	Log       logr.Logger
}

func New(o Options) *Handler {
	return &Handler{
		ledger:    o.Ledger,
		pipeline:  o.Pipeline,
		cipher:    o.Cipher,
		inventory: o.Inventory,
		s3Client:  o.S3,
		tfBinary:  o.TFBinary,
		tfRoot:    o.TFRoot,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       o.Log.WithName("handler"),
	}
}

// Routes mounts the /api tree. authn guards everything but the health
// check; nil disables authentication.
func (h *Handler) Routes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Group(func(r chi.Router) {
			if authn != nil {
				r.Use(authn)
			}
			r.Route("/customers", func(r chi.Router) {
				r.Get("/", h.ListCustomers)
				r.Post("/", h.CreateCustomer)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetCustomer)
					r.Put("/", h.UpdateCustomer)
					r.Delete("/", h.DeleteCustomer)
					r.Get("/components/{component}/resource-groups", h.ListResourceGroups)
					r.Get("/components/{component}/resource-groups/{rg}/resources", h.ListResources)
				})
			})
			r.Route("/deployments", func(r chi.Router) {
				r.Get("/", h.ListDeployments)
				r.Post("/", h.CreateDeployment)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetDeployment)
					r.Post("/approve", h.ApproveDeployment)
					r.Post("/cancel", h.CancelDeployment)
					r.Get("/events", h.DeploymentEvents)
				})
			})
		})
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrDeploymentAlreadyInFlight),
		errors.Is(err, model.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidArgument),
		errors.Is(err, model.ErrUnknownComponent),
		errors.Is(err, model.ErrSubscriptionNotConfigured),
		errors.As(err, &verrs):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.Error(err, "request failed", "method", r.Method, "path", r.URL.Path)
	}
	kind := model.KindOf(err)
	if kind == "Internal" {
		kind = ""
	}
	writeJSONStatus(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
