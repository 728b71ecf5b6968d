// Package ledgertest provides contract tests for store.Ledger backends.
package ledgertest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/model"
	"caflz/api/saga"
	"caflz/api/store"
)

// Factory returns an empty ledger for each subtest.
type Factory func(t *testing.T) store.Ledger

func SampleCustomer(id string) *model.Customer {
	return &model.Customer{
		ID:           id,
		Name:         "Acme Corp",
		Email:        "ops@acme.example",
		TenantID:     "11111111-1111-1111-1111-111111111111",
		ClientID:     "22222222-2222-2222-2222-222222222222",
		ClientSecret: "ciphertext",
		Region:       "eastus",
		Landscape: model.Landscape{
			Management: model.ComponentTarget{SubscriptionID: "33333333-3333-3333-3333-333333333333"},
			Hub: model.ComponentTarget{
				SubscriptionID: "44444444-4444-4444-4444-444444444444",
				Services:       model.ServiceToggles{Firewall: true},
			},
			Spokes: map[string]model.ComponentTarget{
				"prod": {SubscriptionID: "55555555-5555-5555-5555-555555555555"},
			},
		},
	}
}

func newDeployment(customerID string, comp model.Component) *model.Deployment {
	return &model.Deployment{
		CustomerID: customerID,
		Component:  comp,
		Action:     model.ActionDeploy,
		Status:     model.StatusPending,
		StartedAt:  time.Now().Truncate(time.Millisecond),
	}
}

// Run exercises the Ledger contract.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) store.Ledger {
		l := factory(t)
		require.NoError(t, l.CreateCustomer(ctx, SampleCustomer("acme01")))
		return l
	}

	t.Run("CustomerCRUD", func(t *testing.T) {
		l := factory(t)
		c := SampleCustomer("acme01")
		require.NoError(t, l.CreateCustomer(ctx, c))
		assert.Equal(t, model.CustomerCreated, c.Status)
		assert.False(t, c.CreatedAt.IsZero())

		got, err := l.GetCustomer(ctx, "acme01")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", got.Name)
		assert.Equal(t, "ciphertext", got.ClientSecret)
		assert.Equal(t, c.Landscape, got.Landscape)
		assert.Nil(t, got.DeployedAt)

		got.Name = "Acme Holdings"
		got.Landscape.Spokes["dev"] = model.ComponentTarget{}
		require.NoError(t, l.UpdateCustomer(ctx, got))

		again, err := l.GetCustomer(ctx, "acme01")
		require.NoError(t, err)
		assert.Equal(t, "Acme Holdings", again.Name)
		assert.Contains(t, again.Landscape.Spokes, "dev")

		_, err = l.GetCustomer(ctx, "nobody")
		require.ErrorIs(t, err, model.ErrNotFound)
		require.ErrorIs(t, l.UpdateCustomer(ctx, SampleCustomer("nobody")), model.ErrNotFound)
	})

	t.Run("CustomerDuplicate", func(t *testing.T) {
		l := setup(t)
		err := l.CreateCustomer(ctx, SampleCustomer("acme01"))
		require.ErrorIs(t, err, model.ErrAlreadyExists)
	})

	t.Run("CustomerStatus", func(t *testing.T) {
		l := setup(t)
		deployed := time.Now().Truncate(time.Second)

		require.NoError(t, l.UpdateCustomerStatus(ctx, "acme01", model.CustomerActive, &deployed))
		c, err := l.GetCustomer(ctx, "acme01")
		require.NoError(t, err)
		assert.Equal(t, model.CustomerActive, c.Status)
		require.NotNil(t, c.DeployedAt)
		assert.True(t, deployed.Equal(*c.DeployedAt))

		require.NoError(t, l.UpdateCustomerStatus(ctx, "acme01", model.CustomerDestroyed, nil))
		c, err = l.GetCustomer(ctx, "acme01")
		require.NoError(t, err)
		assert.Equal(t, model.CustomerDestroyed, c.Status)
		require.NotNil(t, c.DeployedAt)

		require.ErrorIs(t, l.UpdateCustomerStatus(ctx, "nobody", model.CustomerActive, nil), model.ErrNotFound)
	})

	t.Run("ListCustomers", func(t *testing.T) {
		l := setup(t)
		require.NoError(t, l.CreateCustomer(ctx, SampleCustomer("beta02")))
		require.NoError(t, l.CreateCustomer(ctx, SampleCustomer("gone03")))
		require.NoError(t, l.UpdateCustomerStatus(ctx, "beta02", model.CustomerActive, nil))
		require.NoError(t, l.UpdateCustomerStatus(ctx, "gone03", model.CustomerDeleted, nil))

		all, err := l.ListCustomers(ctx, store.CustomerFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"acme01", "beta02"}, customerIDs(all))

		active, err := l.ListCustomers(ctx, store.CustomerFilter{Status: model.CustomerActive})
		require.NoError(t, err)
		assert.Equal(t, []string{"beta02"}, customerIDs(active))

		withDeleted, err := l.ListCustomers(ctx, store.CustomerFilter{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, withDeleted, 3)
	})

	t.Run("DeleteCustomerCascades", func(t *testing.T) {
		l := setup(t)
		d := newDeployment("acme01", model.ComponentHub)
		require.NoError(t, l.CreateDeployment(ctx, d))

		require.NoError(t, l.DeleteCustomer(ctx, "acme01"))
		_, err := l.GetCustomer(ctx, "acme01")
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = l.GetDeployment(ctx, d.ID)
		require.ErrorIs(t, err, model.ErrNotFound)
		require.ErrorIs(t, l.DeleteCustomer(ctx, "acme01"), model.ErrNotFound)
	})

	t.Run("DeploymentRoundTrip", func(t *testing.T) {
		l := setup(t)
		d := newDeployment("acme01", model.ComponentHub)
		d.AutoApprove = true
		d.TriggeredBy = "alice"
		d.SagaID = "saga-1"
		require.NoError(t, l.CreateDeployment(ctx, d))
		require.NotZero(t, d.ID)

		got, err := l.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.True(t, got.AutoApprove)
		assert.Equal(t, "alice", got.TriggeredBy)
		assert.Nil(t, got.HasChanges)
		assert.Nil(t, got.Resources)
		assert.Nil(t, got.CompletedAt)
		assert.True(t, d.StartedAt.Equal(got.StartedAt))

		changes := true
		got.Status = model.StatusCompleted
		got.HasChanges = &changes
		got.PlanOutput = "Plan: 1 to add"
		got.ApplyOutput = "Apply complete!"
		got.Outputs = map[string]model.Output{"vnet_id": {Type: json.RawMessage(`"string"`), Value: json.RawMessage(`"vnet-1"`)}}
		got.Resources = &model.ResourceSummary{Count: 1, Resources: map[string][]string{"resource_groups": {"azurerm_resource_group.hub"}}}
		got.Finish(model.StatusCompleted, got.StartedAt.Add(42*time.Second))
		require.NoError(t, l.UpdateDeployment(ctx, got, model.StatusPending))

		final, err := l.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, final.Status)
		assert.Equal(t, 100, final.Progress)
		require.NotNil(t, final.HasChanges)
		assert.True(t, *final.HasChanges)
		assert.Equal(t, "Apply complete!", final.ApplyOutput)
		assert.JSONEq(t, `"vnet-1"`, string(final.Outputs["vnet_id"].Value))
		require.NotNil(t, final.Resources)
		assert.Equal(t, 1, final.Resources.Count)
		require.NotNil(t, final.ElapsedSeconds)
		assert.Equal(t, int64(42), *final.ElapsedSeconds)
		require.NotNil(t, final.CompletedAt)
	})

	t.Run("DeploymentUnknownCustomer", func(t *testing.T) {
		l := factory(t)
		err := l.CreateDeployment(ctx, newDeployment("nobody", model.ComponentHub))
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("InFlightGuard", func(t *testing.T) {
		l := setup(t)
		first := newDeployment("acme01", model.ComponentHub)
		require.NoError(t, l.CreateDeployment(ctx, first))

		err := l.CreateDeployment(ctx, newDeployment("acme01", model.ComponentHub))
		require.ErrorIs(t, err, model.ErrDeploymentAlreadyInFlight)

		require.NoError(t, l.CreateDeployment(ctx, newDeployment("acme01", model.ComponentManagement)))

		first.Status = model.StatusRunning
		require.NoError(t, l.UpdateDeployment(ctx, first, model.StatusPending))
		err = l.CreateDeployment(ctx, newDeployment("acme01", model.ComponentHub))
		require.ErrorIs(t, err, model.ErrDeploymentAlreadyInFlight)

		first.Status = model.StatusPendingApproval
		require.NoError(t, l.UpdateDeployment(ctx, first, model.StatusRunning))
		err = l.CreateDeployment(ctx, newDeployment("acme01", model.ComponentHub))
		require.ErrorIs(t, err, model.ErrDeploymentAlreadyInFlight)

		// Approval moves the same row back to running.
		first.Status = model.StatusRunning
		require.NoError(t, l.UpdateDeployment(ctx, first, model.StatusPendingApproval))

		first.Finish(model.StatusCompleted, time.Now())
		require.NoError(t, l.UpdateDeployment(ctx, first, model.StatusRunning))
		require.NoError(t, l.CreateDeployment(ctx, newDeployment("acme01", model.ComponentHub)))
	})

	t.Run("CancelledPlanFreesTarget", func(t *testing.T) {
		l := setup(t)
		d := newDeployment("acme01", model.ComponentHub)
		require.NoError(t, l.CreateDeployment(ctx, d))
		d.Status = model.StatusPendingApproval
		require.NoError(t, l.UpdateDeployment(ctx, d, model.StatusPending))

		d.Finish(model.StatusCancelled, time.Now())
		require.NoError(t, l.UpdateDeployment(ctx, d, model.StatusPendingApproval))
		require.NoError(t, l.CreateDeployment(ctx, newDeployment("acme01", model.ComponentHub)))
	})

	t.Run("UpdateIsConditional", func(t *testing.T) {
		l := setup(t)
		d := newDeployment("acme01", model.ComponentHub)
		require.NoError(t, l.CreateDeployment(ctx, d))

		d.Status = model.StatusRunning
		err := l.UpdateDeployment(ctx, d, model.StatusPendingApproval)
		require.ErrorIs(t, err, model.ErrInvalidState)

		d.Fail(assert.AnError, time.Now())
		require.NoError(t, l.UpdateDeployment(ctx, d, model.StatusPending))

		d.Status = model.StatusRunning
		err = l.UpdateDeployment(ctx, d, model.StatusFailed)
		require.ErrorIs(t, err, model.ErrInvalidState)

		got, err := l.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)

		missing := newDeployment("acme01", model.ComponentHub)
		missing.ID = 999999
		require.ErrorIs(t, l.UpdateDeployment(ctx, missing, model.StatusPending), model.ErrNotFound)
	})

	t.Run("ListDeployments", func(t *testing.T) {
		l := setup(t)
		require.NoError(t, l.CreateCustomer(ctx, SampleCustomer("beta02")))
		hub := newDeployment("acme01", model.ComponentHub)
		mgmt := newDeployment("acme01", model.ComponentManagement)
		other := newDeployment("beta02", model.ComponentHub)
		for _, d := range []*model.Deployment{hub, mgmt, other} {
			require.NoError(t, l.CreateDeployment(ctx, d))
		}
		mgmt.Status = model.StatusRunning
		require.NoError(t, l.UpdateDeployment(ctx, mgmt, model.StatusPending))

		all, err := l.ListDeployments(ctx, store.DeploymentFilter{})
		require.NoError(t, err)
		assert.Equal(t, []int64{other.ID, mgmt.ID, hub.ID}, deploymentIDs(all))

		acme, err := l.ListDeployments(ctx, store.DeploymentFilter{CustomerID: "acme01"})
		require.NoError(t, err)
		assert.Len(t, acme, 2)

		acmeHub, err := l.ListDeployments(ctx, store.DeploymentFilter{CustomerID: "acme01", Component: model.ComponentHub})
		require.NoError(t, err)
		assert.Equal(t, []int64{hub.ID}, deploymentIDs(acmeHub))

		running, err := l.ListDeployments(ctx, store.DeploymentFilter{Statuses: []model.Status{model.StatusRunning}})
		require.NoError(t, err)
		assert.Equal(t, []int64{mgmt.ID}, deploymentIDs(running))

		limited, err := l.ListDeployments(ctx, store.DeploymentFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("RecoverInFlight", func(t *testing.T) {
		l := setup(t)
		pending := newDeployment("acme01", model.ComponentHub)
		running := newDeployment("acme01", model.ComponentManagement)
		waiting := newDeployment("acme01", "spoke-prod")
		for _, d := range []*model.Deployment{pending, running, waiting} {
			require.NoError(t, l.CreateDeployment(ctx, d))
		}
		running.Status = model.StatusRunning
		require.NoError(t, l.UpdateDeployment(ctx, running, model.StatusPending))
		waiting.Status = model.StatusPendingApproval
		require.NoError(t, l.UpdateDeployment(ctx, waiting, model.StatusPending))

		n, err := store.RecoverInFlight(ctx, l, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []int64{pending.ID, running.ID} {
			d, err := l.GetDeployment(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, d.Status)
			assert.Equal(t, model.KindInterrupted, d.ErrorKind)
			assert.NotEmpty(t, d.Error)
			assert.NotNil(t, d.CompletedAt)
			assert.NotNil(t, d.ElapsedSeconds)
		}
		d, err := l.GetDeployment(ctx, waiting.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPendingApproval, d.Status)
	})

	t.Run("SagaEvents", func(t *testing.T) {
		l := setup(t)
		s := saga.New(l, "acme01", "hub", "test", "deploy")
		require.NoError(t, s.StepStart(ctx, "plan"))
		require.NoError(t, s.StepComplete(ctx, "plan", time.Second))
		require.NoError(t, s.Log(ctx, "deploy.completed", "done", nil))
		other := saga.New(l, "acme01", "management", "test", "plan")
		require.NoError(t, other.StepStart(ctx, "init"))

		events, err := l.ListBySaga(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []string{"step.start", "step.complete", "deploy.completed"},
			[]string{events[0].Action, events[1].Action, events[2].Action})
		assert.Equal(t, "1000", events[1].Metadata["durationMs"])
		assert.Equal(t, "hub", events[0].Component)

		recent, err := l.ListByCustomer(ctx, "acme01", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, other.ID, recent[0].SagaID)
	})
}

func customerIDs(cs []model.Customer) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func deploymentIDs(ds []model.Deployment) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
