package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/terraform-exec/tfexec"

	"caflz/api/credentials"
	"caflz/api/model"
	"caflz/api/runner"
)

type Step string

const (
	StepInit     Step = "init"
	StepValidate Step = "validate"
	StepPlan     Step = "plan"
	StepApply    Step = "apply"
	StepDestroy  Step = "destroy"
	StepOutput   Step = "output"
)

type State string

const (
	StateInit      State = "init"
	StateValidated State = "validated"
	StatePlanned   State = "planned"
	StateApplied   State = "applied"
	StateDestroyed State = "destroyed"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

const redacted = "[REDACTED]"

// Observer is told about every sub-command a run executes.
type Observer interface {
	StepStarted(step Step)
	StepFinished(step Step, res *runner.Result, err error)
}

type CredentialResolver interface {
	Resolve(c *model.Customer, component model.Component) (credentials.Credentials, error)
}

// Driver sequences terraform sub-commands for one customer component. Each
// component has its own working directory under Root.
type Driver struct {
	Runner   runner.Runner
	Resolver CredentialResolver
	Root     string
	Binary   string
	Timeout  time.Duration
}

func (d *Driver) WorkDir(customerID string, component model.Component) string {
	return filepath.Join(d.Root, customerID, string(component))
}

// ArtifactName is the plan file a deployment writes and later applies.
func ArtifactName(deploymentID int64) string {
	return fmt.Sprintf("caflz-%d.tfplan", deploymentID)
}

// Open resolves credentials once and takes the workspace lock. The returned
// run must be closed. It logs through the context logger, which is expected
// to identify the customer component already.
func (d *Driver) Open(ctx context.Context, c *model.Customer, component model.Component, obs Observer) (*Run, error) {
	creds, err := d.Resolver.Resolve(c, component)
	if err != nil {
		return nil, err
	}
	dir := d.WorkDir(c.ID, component)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", model.ErrWorkspaceNotFound, dir)
	}
	lock, err := lockWorkspace(dir)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Run{
		d:      d,
		dir:    dir,
		env:    creds.Env(),
		secret: creds.ClientSecret,
		obs:    obs,
		lock:   lock,
		state:  StateInit,
		log:    logr.FromContextOrDiscard(ctx).WithValues("workspace", dir),
	}, nil
}

// DiscardPlan removes a saved plan artifact. Missing files are ignored.
func (d *Driver) DiscardPlan(customerID string, component model.Component, artifact string) error {
	err := os.Remove(filepath.Join(d.WorkDir(customerID, component), artifact))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Run is one locked session against a workspace. Sub-commands run strictly
// in sequence.
type Run struct {
	d      *Driver
	dir    string
	env    map[string]string
	secret string
	obs    Observer
	lock   *workspaceLock
	state  State
	log    logr.Logger
}

type PlanResult struct {
	HasChanges bool
	Output     string
	Artifact   string
}

type ApplyResult struct {
	Output    string
	Outputs   map[string]model.Output
	Resources *model.ResourceSummary
}

type DestroyResult struct {
	Output string
}

func (r *Run) State() State { return r.state }

func (r *Run) Close() error {
	if r.state != StateFailed {
		r.state = StateDone
	}
	return r.lock.Release()
}

func (r *Run) Init(ctx context.Context) error {
	if _, err := r.exec(ctx, StepInit, exitZero, "init", "-upgrade"); err != nil {
		return err
	}
	r.state = StateInit
	return nil
}

func (r *Run) Validate(ctx context.Context) error {
	if _, err := r.exec(ctx, StepValidate, exitZero, "validate"); err != nil {
		return err
	}
	r.state = StateValidated
	return nil
}

// Plan runs init and validate, then writes the plan to artifact. Exit code
// 0 means no changes and 2 means changes pending.
func (r *Run) Plan(ctx context.Context, artifact string) (*PlanResult, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	if err := r.Validate(ctx); err != nil {
		return nil, err
	}
	res, err := r.exec(ctx, StepPlan, func(code int) bool { return code == 0 || code == 2 },
		"plan", "-out="+artifact, "-detailed-exitcode")
	if err != nil {
		return nil, err
	}
	r.state = StatePlanned
	return &PlanResult{
		HasChanges: res.ExitCode == 2,
		Output:     res.Stdout,
		Artifact:   artifact,
	}, nil
}

// Apply applies a saved plan, then collects outputs and a resource summary.
// It may resume a run whose plan was produced by an earlier session.
func (r *Run) Apply(ctx context.Context, artifact string) (*ApplyResult, error) {
	if r.state != StatePlanned && r.state != StateInit {
		return nil, fmt.Errorf("%w: cannot apply from state %s", model.ErrInvalidState, r.state)
	}
	if _, err := os.Stat(filepath.Join(r.dir, artifact)); err != nil {
		r.state = StateFailed
		return nil, fmt.Errorf("%w: plan artifact %s not found", model.ErrInvalidState, artifact)
	}
	res, err := r.exec(ctx, StepApply, exitZero, "apply", "-auto-approve", artifact)
	if err != nil {
		return nil, err
	}
	r.state = StateApplied
	return &ApplyResult{
		Output:    res.Stdout,
		Outputs:   r.outputs(ctx),
		Resources: ParseResources(res.Stdout),
	}, nil
}

// Destroy runs init and then destroys everything in the workspace.
func (r *Run) Destroy(ctx context.Context) (*DestroyResult, error) {
	if err := r.Init(ctx); err != nil {
		return nil, err
	}
	res, err := r.exec(ctx, StepDestroy, exitZero, "destroy", "-auto-approve")
	if err != nil {
		return nil, err
	}
	r.state = StateDestroyed
	return &DestroyResult{Output: res.Stdout}, nil
}

// outputs is best effort: failures are logged and yield an empty map.
func (r *Run) outputs(ctx context.Context) map[string]model.Output {
	out := map[string]model.Output{}
	prev := r.state
	res, err := r.exec(ctx, StepOutput, exitZero, "output", "-json")
	if err != nil {
		r.state = prev
		r.log.Error(err, "terraform output failed")
		return out
	}
	var metas map[string]tfexec.OutputMeta
	if err := json.Unmarshal([]byte(res.Stdout), &metas); err != nil {
		r.log.Error(err, "terraform output is not valid json")
		return out
	}
	for name, m := range metas {
		o := model.Output{Sensitive: m.Sensitive, Type: m.Type, Value: r.redactValue(m.Value)}
		if m.Sensitive {
			o.Value = json.RawMessage("null")
		}
		out[name] = o
	}
	return out
}

// redactValue scrubs the secret from every string inside a JSON value. The
// raw stream is already redacted, but JSON escaping can hide the secret from
// a plain text match.
func (r *Run) redactValue(raw json.RawMessage) json.RawMessage {
	if r.secret == "" || len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage("null")
	}
	scrubbed, err := json.Marshal(r.redactAny(v))
	if err != nil {
		return json.RawMessage("null")
	}
	return scrubbed
}

func (r *Run) redactAny(v any) any {
	switch t := v.(type) {
	case string:
		return r.redact(t)
	case []any:
		for i := range t {
			t[i] = r.redactAny(t[i])
		}
	case map[string]any:
		for k, e := range t {
			t[k] = r.redactAny(e)
		}
	}
	return v
}

func exitZero(code int) bool { return code == 0 }

func (r *Run) exec(ctx context.Context, step Step, ok func(int) bool, args ...string) (*runner.Result, error) {
	if r.state == StateFailed {
		return nil, fmt.Errorf("%w: run already failed", model.ErrInvalidState)
	}
	r.obs.StepStarted(step)
	r.log.Info("terraform step", "step", string(step))

	res, err := r.d.Runner.Run(ctx, runner.Command{
		Name:    r.d.Binary,
		Args:    args,
		Dir:     r.dir,
		Env:     r.env,
		Timeout: r.d.Timeout,
	})
	if res != nil {
		res.Stdout = r.redact(res.Stdout)
		res.Stderr = r.redact(res.Stderr)
	}
	switch {
	case err != nil:
		err = fmt.Errorf("terraform %s: %w", step, err)
	case !ok(res.ExitCode):
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		err = fmt.Errorf("%w: terraform %s exited %d: %s", model.ErrToolExecutionFailed, step, res.ExitCode, detail)
	}
	if err != nil {
		r.state = StateFailed
	}
	r.obs.StepFinished(step, res, err)
	return res, err
}

func (r *Run) redact(s string) string {
	if r.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, r.secret, redacted)
}

type nopObserver struct{}

func (nopObserver) StepStarted(Step)                          {}
func (nopObserver) StepFinished(Step, *runner.Result, error) {}
