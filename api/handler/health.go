package handler

import (
	"context"
	"net/http"
	"time"

	"caflz/api/terraform"
)

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down, unknown
	Details string `json:"details,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := []ServiceHealth{
		h.checkLedger(ctx),
		h.checkTerraform(ctx),
		h.checkS3(ctx),
	}

	status := "healthy"
	code := http.StatusOK
	for _, s := range services {
		if s.Status == "down" {
			status = "degraded"
		}
	}
	if services[0].Status == "down" {
		code = http.StatusServiceUnavailable
	}

	writeJSONStatus(w, code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

func (h *Handler) checkLedger(ctx context.Context) ServiceHealth {
	if err := h.ledger.Ping(ctx); err != nil {
		return ServiceHealth{Name: "ledger", Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: "ledger", Status: "up"}
}

func (h *Handler) checkTerraform(ctx context.Context) ServiceHealth {
	if h.tfBinary == "" {
		return ServiceHealth{Name: "terraform", Status: "unknown", Details: "not configured"}
	}
	v, err := terraform.Version(ctx, h.tfBinary, h.tfRoot)
	if err != nil {
		return ServiceHealth{Name: "terraform", Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: "terraform", Status: "up", Details: v}
}

func (h *Handler) checkS3(ctx context.Context) ServiceHealth {
	if h.s3Client == nil {
		return ServiceHealth{Name: "s3/minio", Status: "unknown", Details: "not configured"}
	}
	if err := h.s3Client.Healthy(ctx); err != nil {
		return ServiceHealth{Name: "s3/minio", Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: "s3/minio", Status: "up"}
}
