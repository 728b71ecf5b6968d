// Package azure lists what actually exists in a customer subscription.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"caflz/api/credentials"
	"caflz/api/model"
)

type ResourceGroup struct {
	Name              string            `json:"name"`
	Location          string            `json:"location"`
	ProvisioningState string            `json:"provisioning_state,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

type Resource struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Location string `json:"location,omitempty"`
}

type CredentialResolver interface {
	Resolve(c *model.Customer, component model.Component) (credentials.Credentials, error)
}

type groupLister interface {
	NewListPager(options *armresources.ResourceGroupsClientListOptions) *runtime.Pager[armresources.ResourceGroupsClientListResponse]
}

type resourceLister interface {
	NewListByResourceGroupPager(resourceGroupName string, options *armresources.ClientListByResourceGroupOptions) *runtime.Pager[armresources.ClientListByResourceGroupResponse]
}

var (
	_ groupLister    = (*armresources.ResourceGroupsClient)(nil)
	_ resourceLister = (*armresources.Client)(nil)
)

type clientFactory func(creds credentials.Credentials) (groupLister, resourceLister, error)

// Inventory queries ARM with the service principal of the component being
// inspected.
type Inventory struct {
	resolver CredentialResolver
	clients  clientFactory
}

func NewInventory(resolver CredentialResolver) *Inventory {
	return &Inventory{resolver: resolver, clients: armClients}
}

func armClients(creds credentials.Credentials) (groupLister, resourceLister, error) {
	cred, err := azidentity.NewClientSecretCredential(creds.TenantID, creds.ClientID, creds.ClientSecret, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("azure credential: %w", err)
	}
	groups, err := armresources.NewResourceGroupsClient(creds.SubscriptionID, cred, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("resource groups client: %w", err)
	}
	resources, err := armresources.NewClient(creds.SubscriptionID, cred, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("resources client: %w", err)
	}
	return groups, resources, nil
}

func (i *Inventory) connect(c *model.Customer, component model.Component) (groupLister, resourceLister, error) {
	creds, err := i.resolver.Resolve(c, component)
	if err != nil {
		return nil, nil, err
	}
	return i.clients(creds)
}

// ResourceGroups lists the groups of the component's subscription by name.
func (i *Inventory) ResourceGroups(ctx context.Context, c *model.Customer, component model.Component) ([]ResourceGroup, error) {
	groups, _, err := i.connect(c, component)
	if err != nil {
		return nil, err
	}
	out := []ResourceGroup{}
	pager := groups.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, armError("list resource groups", err)
		}
		for _, g := range page.Value {
			if g == nil {
				continue
			}
			rg := ResourceGroup{
				Name:     deref(g.Name),
				Location: deref(g.Location),
				Tags:     tags(g.Tags),
			}
			if g.Properties != nil {
				rg.ProvisioningState = deref(g.Properties.ProvisioningState)
			}
			out = append(out, rg)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

// Resources lists everything inside one resource group.
func (i *Inventory) Resources(ctx context.Context, c *model.Customer, component model.Component, group string) ([]Resource, error) {
	_, resources, err := i.connect(c, component)
	if err != nil {
		return nil, err
	}
	out := []Resource{}
	pager := resources.NewListByResourceGroupPager(group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, armError("list resources in "+group, err)
		}
		for _, r := range page.Value {
			if r == nil {
				continue
			}
			out = append(out, Resource{
				ID:       deref(r.ID),
				Name:     deref(r.Name),
				Type:     deref(r.Type),
				Location: deref(r.Location),
			})
		}
	}
	return out, nil
}

func armError(op string, err error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w: %s", op, model.ErrNotFound, re.ErrorCode)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func tags(in map[string]*string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = deref(v)
	}
	return out
}
