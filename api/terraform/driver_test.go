package terraform

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/credentials"
	"caflz/api/model"
	"caflz/api/runner"
	"caflz/api/terraform/tftest"
)

const testSecret = "sp-Secret-Value-123"

type plainCipher struct{}

func (plainCipher) Decrypt(s string) (string, error) { return s, nil }

type recorder struct {
	started  []Step
	finished []Step
	errs     []error
}

func (r *recorder) StepStarted(s Step) { r.started = append(r.started, s) }
func (r *recorder) StepFinished(s Step, _ *runner.Result, err error) {
	r.finished = append(r.finished, s)
	r.errs = append(r.errs, err)
}

func testCustomer() *model.Customer {
	return &model.Customer{
		ID:           "acme01",
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: testSecret,
		Landscape: model.Landscape{
			Management: model.ComponentTarget{SubscriptionID: "sub-mgmt"},
			Hub:        model.ComponentTarget{SubscriptionID: "sub-hub"},
		},
	}
}

func newDriver(t *testing.T, o tftest.Options) (*Driver, *tftest.Stub) {
	t.Helper()
	stub := tftest.New(t, o)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme01", "hub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme01", "management"), 0o755))
	return &Driver{
		Runner:   runner.New(),
		Resolver: credentials.NewResolver(plainCipher{}),
		Root:     root,
		Binary:   stub.Binary,
		Timeout:  10 * time.Second,
	}, stub
}

func TestPlanWithChanges(t *testing.T) {
	d, stub := newDriver(t, tftest.Default())
	rec := &recorder{}
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, rec)
	require.NoError(t, err)
	defer run.Close()

	res, err := run.Plan(context.Background(), ArtifactName(7))
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Contains(t, res.Output, "azurerm_resource_group.hub will be created")
	assert.NotContains(t, res.Output, testSecret)
	assert.Contains(t, res.Output, redacted)
	assert.Equal(t, StatePlanned, run.State())

	assert.Equal(t, []string{
		"init -upgrade",
		"validate",
		"plan -out=caflz-7.tfplan -detailed-exitcode",
	}, stub.Calls(t))
	assert.Equal(t, []Step{StepInit, StepValidate, StepPlan}, rec.started)
	assert.FileExists(t, filepath.Join(d.WorkDir("acme01", model.ComponentHub), "caflz-7.tfplan"))
}

func TestPlanNoChanges(t *testing.T) {
	d, _ := newDriver(t, tftest.Options{PlanExit: 0})
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	res, err := run.Plan(context.Background(), ArtifactName(1))
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
}

func TestPlanError(t *testing.T) {
	d, _ := newDriver(t, tftest.Options{PlanExit: 1})
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(1))
	require.ErrorIs(t, err, model.ErrToolExecutionFailed)
	assert.Contains(t, err.Error(), "subscription sub-hub not found")
	assert.Equal(t, StateFailed, run.State())
}

func TestInitFailureStopsRun(t *testing.T) {
	d, stub := newDriver(t, tftest.Options{InitExit: 1, PlanExit: 2})
	rec := &recorder{}
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, rec)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(1))
	require.ErrorIs(t, err, model.ErrToolExecutionFailed)
	assert.Contains(t, err.Error(), "Failed to query available provider packages")
	assert.Equal(t, []string{"init -upgrade"}, stub.Calls(t))
	require.Len(t, rec.errs, 1)
	assert.Error(t, rec.errs[0])
}

func TestValidateFailure(t *testing.T) {
	d, stub := newDriver(t, tftest.Options{ValidateExit: 1, PlanExit: 2})
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(1))
	require.ErrorIs(t, err, model.ErrToolExecutionFailed)
	assert.Equal(t, []string{"init -upgrade", "validate"}, stub.Calls(t))
}

func TestApply(t *testing.T) {
	d, stub := newDriver(t, tftest.Default())
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(3))
	require.NoError(t, err)
	res, err := run.Apply(context.Background(), ArtifactName(3))
	require.NoError(t, err)

	assert.Contains(t, res.Output, "Apply complete!")
	assert.Equal(t, 2, res.Resources.Count)
	assert.Len(t, res.Resources.Resources["resource_groups"], 1)
	assert.Len(t, res.Resources.Resources["virtual_networks"], 1)

	require.Contains(t, res.Outputs, "hub_vnet_id")
	assert.JSONEq(t, `"vnet-hub"`, string(res.Outputs["hub_vnet_id"].Value))
	assert.True(t, res.Outputs["admin_password"].Sensitive)
	assert.Equal(t, "null", string(res.Outputs["admin_password"].Value))
	require.Contains(t, res.Outputs, "sp_login")
	assert.JSONEq(t, `"client-1:[REDACTED]"`, string(res.Outputs["sp_login"].Value))

	calls := stub.Calls(t)
	assert.Equal(t, "apply -auto-approve caflz-3.tfplan", calls[3])
	assert.Equal(t, "output -json", calls[4])
	assert.Equal(t, StateApplied, run.State())
}

func TestApplyResumesSavedPlan(t *testing.T) {
	d, stub := newDriver(t, tftest.Default())
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	_, err = run.Plan(context.Background(), ArtifactName(9))
	require.NoError(t, err)
	require.NoError(t, run.Close())

	run, err = d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()
	_, err = run.Apply(context.Background(), ArtifactName(9))
	require.NoError(t, err)
	assert.Contains(t, stub.Calls(t), "apply -auto-approve caflz-9.tfplan")
}

func TestApplyMissingArtifact(t *testing.T) {
	d, stub := newDriver(t, tftest.Default())
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Apply(context.Background(), ArtifactName(42))
	require.ErrorIs(t, err, model.ErrInvalidState)
	assert.Empty(t, stub.Calls(t))
}

func TestApplyFailure(t *testing.T) {
	d, _ := newDriver(t, tftest.Options{PlanExit: 2, ApplyExit: 1})
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(1))
	require.NoError(t, err)
	_, err = run.Apply(context.Background(), ArtifactName(1))
	require.ErrorIs(t, err, model.ErrToolExecutionFailed)
	assert.Contains(t, err.Error(), "Saved plan is stale")
}

func TestApplyOutputFailureIsNotFatal(t *testing.T) {
	d, _ := newDriver(t, tftest.Options{PlanExit: 2, OutputExit: 1})
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(1))
	require.NoError(t, err)
	res, err := run.Apply(context.Background(), ArtifactName(1))
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	assert.Equal(t, StateApplied, run.State())
}

func TestDestroy(t *testing.T) {
	d, stub := newDriver(t, tftest.Default())
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	res, err := run.Destroy(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Output, "Destroy complete!")
	assert.Equal(t, []string{"init -upgrade", "destroy -auto-approve"}, stub.Calls(t))
	assert.Equal(t, StateDestroyed, run.State())
}

func TestOpenErrors(t *testing.T) {
	d, stub := newDriver(t, tftest.Default())

	c := testCustomer()
	_, err := d.Open(context.Background(), c, "spoke-prod", nil)
	require.ErrorIs(t, err, model.ErrSubscriptionNotConfigured)

	c.Landscape.Spokes = map[string]model.ComponentTarget{"prod": {SubscriptionID: "sub-prod"}}
	_, err = d.Open(context.Background(), c, "spoke-prod", nil)
	require.ErrorIs(t, err, model.ErrWorkspaceNotFound)

	assert.Empty(t, stub.Calls(t))
}

func TestWorkspaceLockIsExclusive(t *testing.T) {
	d, _ := newDriver(t, tftest.Default())
	first, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)

	_, err = d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.ErrorIs(t, err, model.ErrDeploymentAlreadyInFlight)

	other, err := d.Open(context.Background(), testCustomer(), model.ComponentManagement, nil)
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, first.Close())
	again, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestStepTimeout(t *testing.T) {
	d, _ := newDriver(t, tftest.Options{PlanExit: 2, SlowStep: "plan"})
	d.Timeout = 300 * time.Millisecond
	run, err := d.Open(context.Background(), testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()

	_, err = run.Plan(context.Background(), ArtifactName(1))
	require.ErrorIs(t, err, model.ErrExecutionTimeout)
	assert.Equal(t, StateFailed, run.State())
}

func TestDiscardPlan(t *testing.T) {
	d, _ := newDriver(t, tftest.Default())
	path := filepath.Join(d.WorkDir("acme01", model.ComponentHub), ArtifactName(5))
	require.NoError(t, os.WriteFile(path, []byte("plan"), 0o644))

	require.NoError(t, d.DiscardPlan("acme01", model.ComponentHub, ArtifactName(5)))
	assert.NoFileExists(t, path)
	require.NoError(t, d.DiscardPlan("acme01", model.ComponentHub, ArtifactName(5)))
}

func TestRedactValueSeesThroughJSONEscapes(t *testing.T) {
	r := &Run{secret: `p&ss"<word>`}
	raw, err := json.Marshal(map[string]any{
		"login": "sp:" + r.secret,
		"list":  []any{r.secret, 3, true},
	})
	require.NoError(t, err)
	require.NotContains(t, string(raw), r.secret)

	got := r.redactValue(raw)
	assert.JSONEq(t, `{"login":"sp:[REDACTED]","list":["[REDACTED]",3,true]}`, string(got))

	assert.Equal(t, "null", string(r.redactValue(json.RawMessage(`{"broken"`))))
	assert.Equal(t, `"plain"`, string((&Run{}).redactValue(json.RawMessage(`"plain"`))))
}

func TestRunLogsEachKeyOnce(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	log := funcr.New(func(prefix, args string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, args)
	}, funcr.Options{})
	ctx := logr.NewContext(context.Background(), log.WithValues("customer", "acme01", "component", "hub"))

	d, _ := newDriver(t, tftest.Default())
	run, err := d.Open(ctx, testCustomer(), model.ComponentHub, nil)
	require.NoError(t, err)
	defer run.Close()
	require.NoError(t, run.Init(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines)
	for _, l := range lines {
		assert.Equal(t, 1, strings.Count(l, `"customer"=`), l)
		assert.Equal(t, 1, strings.Count(l, `"component"=`), l)
		assert.Contains(t, l, `"workspace"=`)
	}
}
