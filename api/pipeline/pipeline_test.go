package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/credentials"
	"caflz/api/hub"
	"caflz/api/model"
	"caflz/api/runner"
	"caflz/api/secrets"
	"caflz/api/store"
	"caflz/api/terraform"
	"caflz/api/terraform/tftest"
)

const clientSecret = "s3cret-value"

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Broadcast(evt hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshots(id int64) []model.Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Deployment
	for _, e := range r.events {
		if d, ok := e.Payload.(model.Deployment); ok && d.ID == id {
			out = append(out, d)
		}
	}
	return out
}

type fixture struct {
	p    *Pipeline
	stub *tftest.Stub
	ws   *recorder
	root string
}

type fixtureOption func(*Pipeline)

func withTimeout(d time.Duration) fixtureOption {
	return func(p *Pipeline) { p.Driver.Timeout = d }
}

func withWorkers(w *Workers) fixtureOption {
	return func(p *Pipeline) { p.Workers = w }
}

func newFixture(t *testing.T, o tftest.Options, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(ledger.Close)

	cipher, err := secrets.NewCipher("test-key", secrets.DefaultSalt)
	require.NoError(t, err)
	token, err := cipher.Encrypt(clientSecret)
	require.NoError(t, err)

	c := &model.Customer{
		ID:           "demo01",
		Name:         "Demo",
		TenantID:     "11111111-1111-1111-1111-111111111111",
		ClientID:     "22222222-2222-2222-2222-222222222222",
		ClientSecret: token,
		Landscape: model.Landscape{
			Management: model.ComponentTarget{SubscriptionID: "33333333-3333-3333-3333-333333333333"},
			Hub:        model.ComponentTarget{SubscriptionID: "44444444-4444-4444-4444-444444444444"},
			Spokes:     map[string]model.ComponentTarget{"dev": {}},
		},
	}
	require.NoError(t, ledger.CreateCustomer(ctx, c))

	root := t.TempDir()
	for _, comp := range []string{"hub", "spoke-dev"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "demo01", comp), 0o755))
	}

	stub := tftest.New(t, o)
	ws := &recorder{}
	p := &Pipeline{
		Ledger: ledger,
		Driver: &terraform.Driver{
			Runner:   runner.New(),
			Resolver: credentials.NewResolver(cipher),
			Root:     root,
			Binary:   stub.Binary,
			Timeout:  time.Minute,
		},
		WS:  ws,
		Log: testr.New(t),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Workers == nil {
		p.Workers = NewWorkers(2, 8)
		p.Workers.Start(ctx)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Workers.Stop(stopCtx)
	})
	return &fixture{p: p, stub: stub, ws: ws, root: root}
}

func (f *fixture) waitFor(t *testing.T, id int64, status model.Status) *model.Deployment {
	t.Helper()
	var got *model.Deployment
	require.Eventually(t, func() bool {
		d, err := f.p.Get(context.Background(), id)
		require.NoError(t, err)
		got = d
		return d.Status == status
	}, 10*time.Second, 20*time.Millisecond, "deployment %d never reached %s", id, status)
	return got
}

func (f *fixture) customer(t *testing.T) *model.Customer {
	t.Helper()
	c, err := f.p.Ledger.GetCustomer(context.Background(), "demo01")
	require.NoError(t, err)
	return c
}

func (f *fixture) artifact(id int64) string {
	return filepath.Join(f.root, "demo01", "hub", terraform.ArtifactName(id))
}

func submit(t *testing.T, f *fixture, component, action string, autoApprove bool) *model.Deployment {
	t.Helper()
	d, err := f.p.Submit(context.Background(), Request{
		CustomerID:  "demo01",
		Component:   component,
		Action:      action,
		AutoApprove: autoApprove,
		TriggeredBy: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.False(t, d.StartedAt.IsZero())
	return d
}

func TestDeployWaitsForApproval(t *testing.T) {
	f := newFixture(t, tftest.Default())
	d := submit(t, f, "hub", "deploy", false)

	got := f.waitFor(t, d.ID, model.StatusPendingApproval)
	assert.Equal(t, 60, got.Progress)
	assert.NotEmpty(t, got.PlanOutput)
	assert.NotContains(t, got.PlanOutput, clientSecret)
	assert.Contains(t, got.PlanOutput, "[REDACTED]")
	require.NotNil(t, got.HasChanges)
	assert.True(t, *got.HasChanges)
	assert.Nil(t, got.CompletedAt)
	assert.FileExists(t, f.artifact(d.ID))

	c := f.customer(t)
	assert.Equal(t, model.CustomerCreated, c.Status)
	assert.Nil(t, c.DeployedAt)

	for _, call := range f.stub.Calls(t) {
		assert.False(t, strings.HasPrefix(call, "apply"), "apply ran before approval: %s", call)
	}

	_, err := f.p.Approve(context.Background(), d.ID, "alice")
	require.NoError(t, err)

	done := f.waitFor(t, d.ID, model.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.Contains(t, done.ApplyOutput, "Apply complete!")
	require.NotNil(t, done.Resources)
	assert.Equal(t, 2, done.Resources.Count)
	require.Contains(t, done.Outputs, "admin_password")
	assert.JSONEq(t, "null", string(done.Outputs["admin_password"].Value))
	require.Contains(t, done.Outputs, "sp_login")
	assert.NotContains(t, string(done.Outputs["sp_login"].Value), clientSecret)
	assert.NoFileExists(t, f.artifact(d.ID))
	assert.Contains(t, f.stub.Calls(t), "apply -auto-approve "+terraform.ArtifactName(d.ID))

	c = f.customer(t)
	assert.Equal(t, model.CustomerActive, c.Status)
	assert.NotNil(t, c.DeployedAt)

	events, err := f.p.Ledger.ListBySaga(context.Background(), done.SagaID)
	require.NoError(t, err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "deploy.accepted")
	assert.Contains(t, actions, "deploy.pending_approval")
	assert.Contains(t, actions, "deploy.approved")
	assert.Equal(t, "deploy.completed", actions[len(actions)-1])
}

func TestDeployAutoApprove(t *testing.T) {
	f := newFixture(t, tftest.Default())
	d := submit(t, f, "hub", "deploy", true)

	done := f.waitFor(t, d.ID, model.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.NotEmpty(t, done.PlanOutput)
	assert.Contains(t, done.Resources.Resources["resource_groups"], "azurerm_resource_group.hub")
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ElapsedSeconds)
	assert.Empty(t, done.Error)

	c := f.customer(t)
	assert.Equal(t, model.CustomerActive, c.Status)
	require.NotNil(t, c.DeployedAt)
}

func TestDeploySpokeLeavesCustomerStatus(t *testing.T) {
	f := newFixture(t, tftest.Default())
	ctx := context.Background()

	// spoke-dev has no subscription yet.
	_, err := f.p.Submit(ctx, Request{CustomerID: "demo01", Component: "spoke-dev", Action: "deploy"})
	require.ErrorIs(t, err, model.ErrSubscriptionNotConfigured)
	assert.Empty(t, f.stub.Calls(t))

	list, err := f.p.List(ctx, store.DeploymentFilter{CustomerID: "demo01"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDestroyMarksCustomerDestroyed(t *testing.T) {
	f := newFixture(t, tftest.Default())
	now := time.Now()
	require.NoError(t, f.p.Ledger.UpdateCustomerStatus(context.Background(), "demo01", model.CustomerActive, &now))

	d := submit(t, f, "hub", "destroy", false)
	done := f.waitFor(t, d.ID, model.StatusCompleted)
	assert.Contains(t, done.ApplyOutput, "Destroy complete!")
	assert.Nil(t, done.Resources)
	assert.Equal(t, []string{"init -upgrade", "destroy -auto-approve"}, f.stub.Calls(t))

	assert.Equal(t, model.CustomerDestroyed, f.customer(t).Status)
}

func TestPlanIsIdempotent(t *testing.T) {
	o := tftest.Default()
	o.PlanExit = 0
	f := newFixture(t, o)

	for range 2 {
		d := submit(t, f, "hub", "plan", false)
		done := f.waitFor(t, d.ID, model.StatusCompleted)
		require.NotNil(t, done.HasChanges)
		assert.False(t, *done.HasChanges)
		assert.NotEmpty(t, done.PlanOutput)
		assert.NoFileExists(t, f.artifact(d.ID))
	}
	c := f.customer(t)
	assert.Equal(t, model.CustomerCreated, c.Status)
	assert.Nil(t, c.DeployedAt)
}

func TestDeployWithoutChangesStillWaitsForApproval(t *testing.T) {
	o := tftest.Default()
	o.PlanExit = 0
	f := newFixture(t, o)

	d := submit(t, f, "hub", "deploy", false)
	got := f.waitFor(t, d.ID, model.StatusPendingApproval)
	require.NotNil(t, got.HasChanges)
	assert.False(t, *got.HasChanges)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.ApplyOutput)
	for _, call := range f.stub.Calls(t) {
		assert.False(t, strings.HasPrefix(call, "apply"), "apply ran before approval: %s", call)
	}

	c := f.customer(t)
	assert.Equal(t, model.CustomerCreated, c.Status)
	assert.Nil(t, c.DeployedAt)

	_, err := f.p.Approve(context.Background(), d.ID, "alice")
	require.NoError(t, err)
	f.waitFor(t, d.ID, model.StatusCompleted)
	assert.Equal(t, model.CustomerActive, f.customer(t).Status)
}

func TestAutoApprovedDeployWithoutChangesSkipsApply(t *testing.T) {
	o := tftest.Default()
	o.PlanExit = 0
	f := newFixture(t, o)

	d := submit(t, f, "hub", "deploy", true)
	done := f.waitFor(t, d.ID, model.StatusCompleted)
	assert.Equal(t, noChangesOutput, done.ApplyOutput)
	for _, call := range f.stub.Calls(t) {
		assert.False(t, strings.HasPrefix(call, "apply"))
	}
	assert.Equal(t, model.CustomerActive, f.customer(t).Status)
}

func TestConcurrentSubmitSameTarget(t *testing.T) {
	// Workers are not started, so the first deployment stays pending.
	w := NewWorkers(1, 8)
	f := newFixture(t, tftest.Default(), withWorkers(w))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.p.Submit(context.Background(), Request{
				CustomerID: "demo01", Component: "hub", Action: "deploy", AutoApprove: true,
			})
		}()
	}
	wg.Wait()

	var ok, inFlight int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, model.ErrDeploymentAlreadyInFlight):
			inFlight++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, inFlight)

	w.Start(context.Background())
	list, err := f.p.List(context.Background(), store.DeploymentFilter{CustomerID: "demo01"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	f.waitFor(t, list[0].ID, model.StatusCompleted)
}

func TestTimeoutFailsDeployment(t *testing.T) {
	o := tftest.Default()
	o.SlowStep = "plan"
	f := newFixture(t, o, withTimeout(300*time.Millisecond))

	d := submit(t, f, "hub", "deploy", true)
	got := f.waitFor(t, d.ID, model.StatusFailed)
	assert.Equal(t, "ExecutionTimeout", got.ErrorKind)
	assert.NotEmpty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.ElapsedSeconds)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "plan", got.CurrentStep)
	assert.Equal(t, model.CustomerCreated, f.customer(t).Status)

	// The pair is free again once the deployment failed.
	submit(t, f, "hub", "plan", false)
}

func TestInitFailureKeepsToolError(t *testing.T) {
	o := tftest.Default()
	o.InitExit = 1
	f := newFixture(t, o)

	d := submit(t, f, "hub", "deploy", true)
	got := f.waitFor(t, d.ID, model.StatusFailed)
	assert.Equal(t, "ToolExecutionFailed", got.ErrorKind)
	assert.Contains(t, got.Error, "Failed to query available provider packages")
	assert.Equal(t, []string{"init -upgrade"}, f.stub.Calls(t))
}

func TestMissingWorkspaceFails(t *testing.T) {
	f := newFixture(t, tftest.Default())

	d := submit(t, f, "management", "plan", false)
	got := f.waitFor(t, d.ID, model.StatusFailed)
	assert.Equal(t, "WorkspaceNotFound", got.ErrorKind)
	assert.Empty(t, f.stub.Calls(t))
}

func TestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, tftest.Default())
	d := submit(t, f, "hub", "deploy", true)
	f.waitFor(t, d.ID, model.StatusCompleted)

	snaps := f.ws.snapshots(d.ID)
	require.NotEmpty(t, snaps)
	last := 0
	for _, s := range snaps {
		assert.GreaterOrEqual(t, s.Progress, last, "progress went backwards at step %s", s.CurrentStep)
		assert.LessOrEqual(t, s.Progress, 100)
		last = s.Progress
	}
	assert.Equal(t, 100, last)
}

func TestCancelPendingApproval(t *testing.T) {
	f := newFixture(t, tftest.Default())
	ctx := context.Background()
	d := submit(t, f, "hub", "deploy", false)
	f.waitFor(t, d.ID, model.StatusPendingApproval)

	got, err := f.p.Cancel(ctx, d.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.NoFileExists(t, f.artifact(d.ID))

	_, err = f.p.Approve(ctx, d.ID, "bob")
	require.ErrorIs(t, err, model.ErrInvalidState)
	_, err = f.p.Cancel(ctx, d.ID, "bob")
	require.ErrorIs(t, err, model.ErrInvalidState)
}

func TestPendingApprovalHoldsTarget(t *testing.T) {
	f := newFixture(t, tftest.Default())
	ctx := context.Background()

	first := submit(t, f, "hub", "deploy", false)
	f.waitFor(t, first.ID, model.StatusPendingApproval)

	for _, req := range []Request{
		{CustomerID: "demo01", Component: "hub", Action: "deploy", AutoApprove: true},
		{CustomerID: "demo01", Component: "hub", Action: "plan", TriggeredBy: DriftTrigger},
		{CustomerID: "demo01", Component: "hub", Action: "destroy"},
	} {
		_, err := f.p.Submit(ctx, req)
		require.ErrorIs(t, err, model.ErrDeploymentAlreadyInFlight, req.Action)
	}
	list, err := f.p.List(ctx, store.DeploymentFilter{CustomerID: "demo01"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Other components are unaffected.
	f.waitFor(t, submit(t, f, "management", "plan", false).ID, model.StatusFailed)

	_, err = f.p.Cancel(ctx, first.ID, "alice")
	require.NoError(t, err)
	next := submit(t, f, "hub", "plan", false)
	f.waitFor(t, next.ID, model.StatusCompleted)
}

func TestQueueFullFailsDeployment(t *testing.T) {
	f := newFixture(t, tftest.Default(), withWorkers(NewWorkers(1, 0)))

	_, err := f.p.Submit(context.Background(), Request{CustomerID: "demo01", Component: "hub", Action: "plan"})
	require.ErrorIs(t, err, ErrQueueFull)

	list, err := f.p.List(context.Background(), store.DeploymentFilter{CustomerID: "demo01"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusFailed, list[0].Status)
	assert.Contains(t, list[0].Error, "queue full")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, tftest.Default())
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown component", Request{CustomerID: "demo01", Component: "edge", Action: "plan"}, model.ErrUnknownComponent},
		{"unknown action", Request{CustomerID: "demo01", Component: "hub", Action: "rollback"}, model.ErrInvalidArgument},
		{"unknown customer", Request{CustomerID: "nobody", Component: "hub", Action: "plan"}, model.ErrNotFound},
		{"undeclared spoke", Request{CustomerID: "demo01", Component: "spoke-prod", Action: "plan"}, model.ErrSubscriptionNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.p.Submit(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.stub.Calls(t))
}

func TestDriftMetric(t *testing.T) {
	f := newFixture(t, tftest.Default())
	d, err := f.p.Submit(context.Background(), Request{
		CustomerID: "demo01", Component: "hub", Action: "plan", TriggeredBy: DriftTrigger,
	})
	require.NoError(t, err)
	f.waitFor(t, d.ID, model.StatusCompleted)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(driftDetected.WithLabelValues("demo01", "hub")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// statusFailingLedger refuses customer status updates.
type statusFailingLedger struct {
	store.Ledger
}

func (statusFailingLedger) UpdateCustomerStatus(context.Context, string, model.CustomerStatus, *time.Time) error {
	return errors.New("customers table locked")
}

func TestCustomerStatusFailureIsAudited(t *testing.T) {
	f := newFixture(t, tftest.Default(), func(p *Pipeline) { p.Ledger = statusFailingLedger{p.Ledger} })

	d := submit(t, f, "hub", "deploy", true)
	done := f.waitFor(t, d.ID, model.StatusCompleted)
	assert.Equal(t, model.CustomerCreated, f.customer(t).Status)

	events, err := f.p.Ledger.ListBySaga(context.Background(), done.SagaID)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Action == "customer.update_failed" {
			found = true
			assert.Contains(t, e.Message, "customers table locked")
			assert.Equal(t, "customers table locked", e.Metadata["error"])
		}
	}
	assert.True(t, found, "no customer.update_failed event")
}
