package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID           string            `json:"id"`
	SagaID       string            `json:"saga_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       string            `json:"source"`
	CustomerID   string            `json:"customer_id"`
	Component    string            `json:"component,omitempty"`
	DeploymentID int64             `json:"deployment_id,omitempty"`
	Category     string            `json:"category"` // deploy, plan, destroy, customer
	Action       string            `json:"action"`   // step.start, step.complete, deploy.failed, ...
	Message      string            `json:"message"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	AppendEvent(ctx context.Context, evt *Event) error
	ListBySaga(ctx context.Context, sagaID string) ([]Event, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Event, error)
}

// Saga groups the audit events of one deployment.
type Saga struct {
	ID           string
	CustomerID   string
	Component    string
	DeploymentID int64
	Source       string
	Category     string
	store        Store
	now          func() time.Time
}

func New(store Store, customerID, component, source, category string) *Saga {
	return Resume(store, uuid.NewString(), customerID, component, source, category)
}

// Resume continues an existing saga, e.g. when a plan is approved.
func Resume(store Store, id, customerID, component, source, category string) *Saga {
	return &Saga{
		ID:         id,
		CustomerID: customerID,
		Component:  component,
		Source:     source,
		Category:   category,
		store:      store,
		now:        time.Now,
	}
}

func (s *Saga) Log(ctx context.Context, action, message string, metadata map[string]string) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.AppendEvent(ctx, &Event{
		ID:           uuid.NewString(),
		SagaID:       s.ID,
		Timestamp:    s.now(),
		Source:       s.Source,
		CustomerID:   s.CustomerID,
		Component:    s.Component,
		DeploymentID: s.DeploymentID,
		Category:     s.Category,
		Action:       action,
		Message:      message,
		Metadata:     metadata,
	})
}

func (s *Saga) StepStart(ctx context.Context, step string) error {
	return s.Log(ctx, "step.start", step+" started", map[string]string{"step": step})
}

func (s *Saga) StepComplete(ctx context.Context, step string, duration time.Duration) error {
	return s.Log(ctx, "step.complete", step+" completed", map[string]string{
		"step":       step,
		"durationMs": strconv.FormatInt(duration.Milliseconds(), 10),
	})
}

func (s *Saga) StepFailed(ctx context.Context, step string, err error) error {
	return s.Log(ctx, "step.failed", step+" failed: "+err.Error(), map[string]string{
		"step":  step,
		"error": err.Error(),
	})
}
