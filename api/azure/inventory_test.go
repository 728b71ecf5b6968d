package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/credentials"
	"caflz/api/model"
)

type staticResolver struct {
	creds credentials.Credentials
	err   error
}

func (s staticResolver) Resolve(*model.Customer, model.Component) (credentials.Credentials, error) {
	return s.creds, s.err
}

// pages serves each slice as one page.
func pages[T any](ps ...T) *runtime.Pager[T] {
	i := 0
	return runtime.NewPager(runtime.PagingHandler[T]{
		More: func(T) bool { return i < len(ps) },
		Fetcher: func(context.Context, *T) (T, error) {
			var p T
			if i >= len(ps) {
				return p, nil
			}
			p = ps[i]
			i++
			return p, nil
		},
	})
}

type fakeGroups struct{ pages []armresources.ResourceGroupsClientListResponse }

func (f fakeGroups) NewListPager(*armresources.ResourceGroupsClientListOptions) *runtime.Pager[armresources.ResourceGroupsClientListResponse] {
	return pages(f.pages...)
}

type fakeResources struct {
	err   error
	items []*armresources.GenericResourceExpanded
}

func (f fakeResources) NewListByResourceGroupPager(string, *armresources.ClientListByResourceGroupOptions) *runtime.Pager[armresources.ClientListByResourceGroupResponse] {
	if f.err != nil {
		return runtime.NewPager(runtime.PagingHandler[armresources.ClientListByResourceGroupResponse]{
			More: func(armresources.ClientListByResourceGroupResponse) bool { return true },
			Fetcher: func(context.Context, *armresources.ClientListByResourceGroupResponse) (armresources.ClientListByResourceGroupResponse, error) {
				return armresources.ClientListByResourceGroupResponse{}, f.err
			},
		})
	}
	return pages(armresources.ClientListByResourceGroupResponse{
		ResourceListResult: armresources.ResourceListResult{Value: f.items},
	})
}

func newTestInventory(g groupLister, r resourceLister) *Inventory {
	inv := NewInventory(staticResolver{creds: credentials.Credentials{SubscriptionID: "sub"}})
	inv.clients = func(credentials.Credentials) (groupLister, resourceLister, error) { return g, r, nil }
	return inv
}

func TestResourceGroups(t *testing.T) {
	g := fakeGroups{pages: []armresources.ResourceGroupsClientListResponse{
		{ResourceGroupListResult: armresources.ResourceGroupListResult{Value: []*armresources.ResourceGroup{
			{Name: to.Ptr("rg-hub"), Location: to.Ptr("eastus"), Tags: map[string]*string{"caflz": to.Ptr("hub")},
				Properties: &armresources.ResourceGroupProperties{ProvisioningState: to.Ptr("Succeeded")}},
		}}},
		{ResourceGroupListResult: armresources.ResourceGroupListResult{Value: []*armresources.ResourceGroup{
			{Name: to.Ptr("NetworkWatcherRG"), Location: to.Ptr("eastus")},
			nil,
		}}},
	}}
	inv := newTestInventory(g, fakeResources{})

	groups, err := inv.ResourceGroups(context.Background(), &model.Customer{ID: "acme01"}, model.ComponentHub)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "NetworkWatcherRG", groups[0].Name)
	assert.Equal(t, "rg-hub", groups[1].Name)
	assert.Equal(t, "Succeeded", groups[1].ProvisioningState)
	assert.Equal(t, map[string]string{"caflz": "hub"}, groups[1].Tags)
}

func TestResources(t *testing.T) {
	inv := newTestInventory(fakeGroups{}, fakeResources{items: []*armresources.GenericResourceExpanded{
		{ID: to.Ptr("/subscriptions/sub/resourceGroups/rg-hub/providers/Microsoft.Network/virtualNetworks/vnet-hub"),
			Name: to.Ptr("vnet-hub"), Type: to.Ptr("Microsoft.Network/virtualNetworks"), Location: to.Ptr("eastus")},
	}})

	res, err := inv.Resources(context.Background(), &model.Customer{ID: "acme01"}, model.ComponentHub, "rg-hub")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "vnet-hub", res[0].Name)
	assert.Equal(t, "Microsoft.Network/virtualNetworks", res[0].Type)
}

func TestResourcesMissingGroup(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceGroupNotFound"}
	inv := newTestInventory(fakeGroups{}, fakeResources{err: notFound})

	_, err := inv.Resources(context.Background(), &model.Customer{ID: "acme01"}, model.ComponentHub, "rg-nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "ResourceGroupNotFound")
}

func TestResolverErrorsPropagate(t *testing.T) {
	inv := NewInventory(staticResolver{err: model.ErrSubscriptionNotConfigured})
	inv.clients = func(credentials.Credentials) (groupLister, resourceLister, error) {
		return nil, nil, errors.New("must not connect")
	}

	_, err := inv.ResourceGroups(context.Background(), &model.Customer{ID: "acme01"}, model.SpokeComponent("dev"))
	require.ErrorIs(t, err, model.ErrSubscriptionNotConfigured)
}
