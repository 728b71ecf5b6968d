package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"caflz/api/model"
	"caflz/api/runner"
	"caflz/api/saga"
	"caflz/api/terraform"
)

const noChangesOutput = "No changes. Infrastructure matches the configuration."

// progress maps a step label to the percentage reached when it starts.
var progress = map[model.Action]map[string]int{
	model.ActionDeploy: {
		"running":  5,
		"init":     10,
		"validate": 25,
		"plan":     40,
		"planned":  60,
		"apply":    70,
		"output":   90,
	},
	model.ActionPlan: {
		"running":  5,
		"init":     10,
		"validate": 30,
		"plan":     50,
	},
	model.ActionDestroy: {
		"running": 5,
		"init":    20,
		"destroy": 50,
	},
}

// job is one deployment on a worker. Only the worker goroutine touches d.
type job struct {
	p      *Pipeline
	d      *model.Deployment
	stored model.Status
	saga   *saga.Saga
	log    logr.Logger
	ctx    context.Context
	tf     *terraform.Run

	stepStart time.Time
}

func (p *Pipeline) newJob(d *model.Deployment, sg *saga.Saga) *job {
	return &job{
		p:      p,
		d:      d,
		stored: d.Status,
		saga:   sg,
		ctx:    context.Background(),
		log: p.Log.WithValues(
			"deployment", d.ID,
			"customer", d.CustomerID,
			"component", string(d.Component),
			"action", string(d.Action),
		),
	}
}

// save writes d if the ledger still holds the status this job last wrote.
func (j *job) save(ctx context.Context) error {
	if err := j.p.Ledger.UpdateDeployment(ctx, j.d, j.stored); err != nil {
		return err
	}
	j.stored = j.d.Status
	return nil
}

func (j *job) advance(step string) {
	j.d.Advance(progress[j.d.Action][step], step)
}

func (j *job) open(ctx context.Context) error {
	c, err := j.p.Ledger.GetCustomer(ctx, j.d.CustomerID)
	if err != nil {
		return err
	}
	j.tf, err = j.p.Driver.Open(ctx, c, j.d.Component, j)
	return err
}

// run executes a freshly submitted deployment.
func (j *job) run(ctx context.Context) error {
	j.d.Status = model.StatusRunning
	j.advance("running")
	if err := j.save(ctx); err != nil {
		return err
	}
	j.p.broadcast("deploy.step", j.d)
	j.log.Info("deployment started")

	if err := j.open(ctx); err != nil {
		return err
	}
	switch j.d.Action {
	case model.ActionPlan:
		return j.plan(ctx)
	case model.ActionDeploy:
		return j.deploy(ctx)
	case model.ActionDestroy:
		return j.destroy(ctx)
	}
	return fmt.Errorf("%w: unknown action %q", model.ErrInvalidArgument, j.d.Action)
}

// resume applies the plan an approved deployment saved earlier.
func (j *job) resume(ctx context.Context) error {
	j.log.Info("applying approved plan")
	if err := j.open(ctx); err != nil {
		return err
	}
	return j.apply(ctx)
}

func (j *job) plan(ctx context.Context) error {
	res, err := j.tf.Plan(ctx, terraform.ArtifactName(j.d.ID))
	if err != nil {
		return err
	}
	j.d.HasChanges = &res.HasChanges
	j.d.PlanOutput = res.Output
	return j.complete(ctx)
}

func (j *job) deploy(ctx context.Context) error {
	res, err := j.tf.Plan(ctx, terraform.ArtifactName(j.d.ID))
	if err != nil {
		return err
	}
	j.d.HasChanges = &res.HasChanges
	j.d.PlanOutput = res.Output
	j.advance("planned")

	if !j.d.AutoApprove {
		j.d.Status = model.StatusPendingApproval
		if err := j.save(ctx); err != nil {
			return err
		}
		j.saga.Log(ctx, "deploy.pending_approval", "plan saved, waiting for approval", map[string]string{
			"hasChanges": fmt.Sprint(res.HasChanges),
		})
		j.p.broadcast("deploy.pending_approval", j.d)
		j.log.Info("plan waiting for approval", "hasChanges", res.HasChanges)
		return nil
	}
	// Pre-approved and nothing to change: skip apply.
	if !res.HasChanges {
		j.d.ApplyOutput = noChangesOutput
		return j.complete(ctx)
	}
	return j.apply(ctx)
}

func (j *job) apply(ctx context.Context) error {
	res, err := j.tf.Apply(ctx, terraform.ArtifactName(j.d.ID))
	if err != nil {
		return err
	}
	j.d.ApplyOutput = res.Output
	j.d.Outputs = res.Outputs
	j.d.Resources = res.Resources
	return j.complete(ctx)
}

func (j *job) destroy(ctx context.Context) error {
	res, err := j.tf.Destroy(ctx)
	if err != nil {
		return err
	}
	j.d.ApplyOutput = res.Output
	return j.complete(ctx)
}

func (j *job) complete(ctx context.Context) error {
	j.d.Finish(model.StatusCompleted, j.p.clock())
	if err := j.save(ctx); err != nil {
		return err
	}
	if err := j.p.markCustomer(ctx, j.d); err != nil {
		j.log.Error(err, "update customer status")
		j.saga.Log(ctx, "customer.update_failed", "deployment completed but customer status was not updated: "+err.Error(),
			map[string]string{"error": err.Error()})
	}
	return nil
}

func (j *job) StepStarted(step terraform.Step) {
	j.stepStart = time.Now()
	j.advance(string(step))
	if err := j.save(j.ctx); err != nil {
		j.log.Error(err, "record progress", "step", string(step))
	}
	j.saga.StepStart(j.ctx, string(step))
	j.p.broadcast("deploy.step", j.d)
}

func (j *job) StepFinished(step terraform.Step, res *runner.Result, err error) {
	elapsed := time.Since(j.stepStart)
	if res != nil {
		elapsed = res.Duration
	}
	result := "ok"
	if err != nil {
		result = "error"
		j.saga.StepFailed(j.ctx, string(step), err)
	} else {
		j.saga.StepComplete(j.ctx, string(step), elapsed)
	}
	terraformStepDuration.WithLabelValues(string(step), result).Observe(elapsed.Seconds())
}
