package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Action string

const (
	ActionPlan    Action = "plan"
	ActionDeploy  Action = "deploy"
	ActionDestroy Action = "destroy"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPlan, ActionDeploy, ActionDestroy:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, s)
}

type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InFlightStatuses hold the workspace of their (customer, component) pair.
// A plan waiting for approval keeps it until it is applied or cancelled.
var InFlightStatuses = []Status{StatusPending, StatusRunning, StatusPendingApproval}

func (s Status) InFlight() bool {
	return slices.Contains(InFlightStatuses, s)
}

type Deployment struct {
	ID             int64             `json:"id"`
	CustomerID     string            `json:"customer_id"`
	Component      Component         `json:"component"`
	Action         Action            `json:"action"`
	AutoApprove    bool              `json:"auto_approve"`
	Status         Status            `json:"status"`
	Progress       int               `json:"progress_percentage"`
	CurrentStep    string            `json:"current_step,omitempty"`
	HasChanges     *bool             `json:"has_changes,omitempty"`
	PlanOutput     string            `json:"plan_output,omitempty"`
	ApplyOutput    string            `json:"apply_output,omitempty"`
	Outputs        map[string]Output `json:"outputs,omitempty"`
	Resources      *ResourceSummary  `json:"resources,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Error          string            `json:"error_message,omitempty"`
	TriggeredBy    string            `json:"triggered_by,omitempty"`
	SagaID         string            `json:"saga_id,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ElapsedSeconds *int64            `json:"elapsed_seconds,omitempty"`
}

// Output is one terraform output value. Sensitive values are stored as null.
type Output struct {
	Sensitive bool            `json:"sensitive"`
	Type      json.RawMessage `json:"type,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// ResourceSummary is a best-effort view of created resources by kind.
type ResourceSummary struct {
	Count     int                 `json:"count"`
	Resources map[string][]string `json:"resources"`
}

// Advance moves progress forward. Lower values are ignored and the result
// is clamped to [0, 100].
func (d *Deployment) Advance(pct int, step string) {
	pct = max(0, min(pct, 100))
	if pct > d.Progress {
		d.Progress = pct
	}
	if step != "" {
		d.CurrentStep = step
	}
}

// Finish stamps completion time and elapsed seconds.
func (d *Deployment) Finish(status Status, now time.Time) {
	d.Status = status
	d.CompletedAt = &now
	elapsed := int64(now.Sub(d.StartedAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	d.ElapsedSeconds = &elapsed
	if status == StatusCompleted {
		d.Advance(100, "completed")
	}
}

// Fail finishes the deployment as failed, keeping the error text verbatim.
func (d *Deployment) Fail(err error, now time.Time) {
	d.ErrorKind = KindOf(err)
	d.Error = "unknown error"
	if err != nil && err.Error() != "" {
		d.Error = err.Error()
	}
	d.Finish(StatusFailed, now)
}
