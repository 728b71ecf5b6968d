// Package pipeline owns the deployment record state machine. It accepts
// requests, hands them to the worker pool and drives the terraform driver,
// persisting every transition through the ledger.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"caflz/api/credentials"
	"caflz/api/hub"
	"caflz/api/model"
	"caflz/api/saga"
	"caflz/api/store"
	"caflz/api/terraform"
)

// DriftTrigger marks plan deployments submitted by the drift scheduler.
const DriftTrigger = "drift"

const finalizeTimeout = 30 * time.Second

type Broadcaster interface {
	Broadcast(evt hub.Event)
}

// Archiver copies the outputs of a finished deployment somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, d *model.Deployment) error
}

type Request struct {
	CustomerID  string `json:"customer_id" validate:"required"`
	Component   string `json:"component" validate:"required"`
	Action      string `json:"action" validate:"required,oneof=plan deploy destroy"`
	AutoApprove bool   `json:"auto_approve"`
	TriggeredBy string `json:"-"`
}

type Pipeline struct {
	Ledger  store.Ledger
	Driver  *terraform.Driver
	Workers *Workers
	WS      Broadcaster
	Archive Archiver
	Log     logr.Logger

	now func() time.Time
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Submit records a pending deployment and queues it. It returns once the
// record exists; execution continues on a worker.
func (p *Pipeline) Submit(ctx context.Context, req Request) (*model.Deployment, error) {
	component, err := model.ParseComponent(req.Component)
	if err != nil {
		return nil, err
	}
	action, err := model.ParseAction(req.Action)
	if err != nil {
		return nil, err
	}
	c, err := p.Ledger.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CustomerDeleted {
		return nil, fmt.Errorf("%w: customer %s is deleted", model.ErrInvalidState, c.ID)
	}
	if _, err := credentials.SubscriptionFor(c, component); err != nil {
		return nil, err
	}

	d := &model.Deployment{
		CustomerID:  c.ID,
		Component:   component,
		Action:      action,
		AutoApprove: req.AutoApprove,
		Status:      model.StatusPending,
		TriggeredBy: req.TriggeredBy,
		SagaID:      uuid.NewString(),
		StartedAt:   p.clock(),
	}
	if err := p.Ledger.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}

	sg := saga.Resume(p.Ledger, d.SagaID, c.ID, string(component), "pipeline", string(action))
	sg.DeploymentID = d.ID
	sg.Log(ctx, "deploy.accepted", fmt.Sprintf("%s %s accepted", action, component), map[string]string{
		"autoApprove": fmt.Sprint(d.AutoApprove),
		"triggeredBy": d.TriggeredBy,
	})
	p.broadcast("deploy.queued", d)

	accepted := *d
	j := p.newJob(d, sg)
	if err := p.Workers.Enqueue(func(ctx context.Context) { p.execute(ctx, j, j.run) }); err != nil {
		p.reject(ctx, j, err)
		return nil, err
	}
	return &accepted, nil
}

// Approve resumes a deployment waiting in pending_approval by applying its
// saved plan. The deployment keeps its customer component claimed throughout.
func (p *Pipeline) Approve(ctx context.Context, id int64, by string) (*model.Deployment, error) {
	d, err := p.Ledger.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != model.StatusPendingApproval {
		return nil, fmt.Errorf("%w: deployment %d is %s", model.ErrInvalidState, id, d.Status)
	}
	d.Status = model.StatusRunning
	if err := p.Ledger.UpdateDeployment(ctx, d, model.StatusPendingApproval); err != nil {
		return nil, err
	}

	sg := saga.Resume(p.Ledger, d.SagaID, d.CustomerID, string(d.Component), "pipeline", string(d.Action))
	sg.DeploymentID = d.ID
	sg.Log(ctx, "deploy.approved", fmt.Sprintf("plan approved by %s", approver(by)), map[string]string{"approvedBy": by})

	p.broadcast("deploy.step", d)
	resumed := *d
	j := p.newJob(d, sg)
	if err := p.Workers.Enqueue(func(ctx context.Context) { p.execute(ctx, j, j.resume) }); err != nil {
		p.reject(ctx, j, err)
		return nil, err
	}
	return &resumed, nil
}

// Cancel discards a plan waiting for approval.
func (p *Pipeline) Cancel(ctx context.Context, id int64, by string) (*model.Deployment, error) {
	d, err := p.Ledger.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != model.StatusPendingApproval {
		return nil, fmt.Errorf("%w: deployment %d is %s", model.ErrInvalidState, id, d.Status)
	}
	d.Finish(model.StatusCancelled, p.clock())
	if err := p.Ledger.UpdateDeployment(ctx, d, model.StatusPendingApproval); err != nil {
		return nil, err
	}
	if err := p.Driver.DiscardPlan(d.CustomerID, d.Component, terraform.ArtifactName(d.ID)); err != nil {
		p.Log.Error(err, "discard plan", "deployment", d.ID)
	}

	sg := saga.Resume(p.Ledger, d.SagaID, d.CustomerID, string(d.Component), "pipeline", string(d.Action))
	sg.DeploymentID = d.ID
	sg.Log(ctx, "deploy.cancelled", fmt.Sprintf("plan cancelled by %s", approver(by)), nil)
	p.broadcast("deploy.cancelled", d)
	recordFinished(d)
	return d, nil
}

func (p *Pipeline) Get(ctx context.Context, id int64) (*model.Deployment, error) {
	return p.Ledger.GetDeployment(ctx, id)
}

func (p *Pipeline) List(ctx context.Context, f store.DeploymentFilter) ([]model.Deployment, error) {
	return p.Ledger.ListDeployments(ctx, f)
}

// execute runs fn and always finalizes the record, even if fn panics.
func (p *Pipeline) execute(ctx context.Context, j *job, fn func(context.Context) error) {
	deploymentsInFlight.Inc()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v", j.d.Action, r)
			j.log.Error(err, "deployment panicked", "stack", string(debug.Stack()))
		}
		p.finalize(ctx, j, err)
		deploymentsInFlight.Dec()
	}()
	ctx = logr.NewContext(ctx, j.log)
	j.ctx = ctx
	err = fn(ctx)
}

// finalize records failures and publishes terminal outcomes. It runs on a
// context that survives cancellation of the worker.
func (p *Pipeline) finalize(parent context.Context, j *job, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()
	j.ctx = ctx

	if j.tf != nil {
		if cerr := j.tf.Close(); cerr != nil {
			j.log.Error(cerr, "release workspace lock")
		}
	}
	d := j.d
	if err == nil && !d.Status.Terminal() && d.Status != model.StatusPendingApproval {
		err = fmt.Errorf("%w: deployment ended while %s", model.ErrInvalidState, d.Status)
	}
	if err != nil {
		d.Fail(err, p.clock())
		if serr := j.save(ctx); serr != nil {
			j.log.Error(serr, "record deployment failure", "cause", err.Error())
		}
		j.saga.Log(ctx, "deploy.failed", d.Error, map[string]string{"kind": d.ErrorKind, "step": d.CurrentStep})
		p.broadcast("deploy.failed", d)
		j.log.Error(err, "deployment failed", "kind", d.ErrorKind)
	}

	switch d.Status {
	case model.StatusPendingApproval:
		return
	case model.StatusCompleted:
		j.saga.Log(ctx, "deploy.completed", fmt.Sprintf("%s %s completed", d.Action, d.Component), nil)
		p.broadcast("deploy.completed", d)
		j.log.Info("deployment completed", "elapsedSeconds", d.ElapsedSeconds)
	}

	if err := p.Driver.DiscardPlan(d.CustomerID, d.Component, terraform.ArtifactName(d.ID)); err != nil {
		j.log.Error(err, "discard plan")
	}
	if p.Archive != nil {
		if err := p.Archive.Archive(ctx, d); err != nil {
			j.log.Error(err, "archive deployment outputs")
		}
	}
	recordFinished(d)
}

// reject fails a deployment that never reached a worker.
func (p *Pipeline) reject(ctx context.Context, j *job, cause error) {
	j.ctx = ctx
	j.d.Fail(cause, p.clock())
	if err := j.save(ctx); err != nil {
		j.log.Error(err, "record rejected deployment")
	}
	j.saga.Log(ctx, "deploy.failed", j.d.Error, nil)
	p.broadcast("deploy.failed", j.d)
	recordFinished(j.d)
}

func (p *Pipeline) broadcast(typ string, d *model.Deployment) {
	if p.WS == nil {
		return
	}
	snapshot := *d
	snapshot.PlanOutput, snapshot.ApplyOutput = "", ""
	p.WS.Broadcast(hub.Event{Type: typ, CustomerID: d.CustomerID, Payload: snapshot})
}

// markCustomer applies the customer-level effect of a completed deployment.
func (p *Pipeline) markCustomer(ctx context.Context, d *model.Deployment) error {
	switch {
	case d.Action == model.ActionDeploy && d.Component == model.ComponentHub:
		now := p.clock()
		return p.Ledger.UpdateCustomerStatus(ctx, d.CustomerID, model.CustomerActive, &now)
	case d.Action == model.ActionDestroy:
		return p.Ledger.UpdateCustomerStatus(ctx, d.CustomerID, model.CustomerDestroyed, nil)
	}
	return nil
}

func approver(by string) string {
	if by == "" {
		return "anonymous"
	}
	return by
}
