package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/stratushq/stratus/pkg/model"
)

// azureResourceTypes maps pipeline resource types onto ARM provider types.
var azureResourceTypes = map[string]string{
	"azure.vm":               "Microsoft.Compute/virtualMachines",
	"azure.disk":             "Microsoft.Compute/disks",
	"azure.storage":          "Microsoft.Storage/storageAccounts",
	"azure.keyvault":         "Microsoft.KeyVault/vaults",
	"azure.sqlserver":        "Microsoft.Sql/servers",
	"azure.sqldatabase":      "Microsoft.Sql/servers/databases",
	"azure.networkinterface": "Microsoft.Network/networkInterfaces",
	"azure.publicip":         "Microsoft.Network/publicIPAddresses",
	"azure.nsg":              "Microsoft.Network/networkSecurityGroups",
	"azure.webapp":           "Microsoft.Web/sites",
	"azure.aks":              "Microsoft.ContainerService/managedClusters",
}

// AzureRunner lists resources through the ARM generic resources API. Azure
// listings are subscription-wide, so every policy is global; each document
// carries its real location for the pseudo-region regrouping.
type AzureRunner struct {
	client  *armresources.Client
	counter *CallCounter
}

// NewAzureRunner builds the ARM client from the subscription and credential.
func NewAzureRunner(subscriptionID string, cred azcore.TokenCredential) (*AzureRunner, error) {
	client, err := armresources.NewClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure resources client: %w", err)
	}
	return &AzureRunner{client: client, counter: NewCallCounter()}, nil
}

func (r *AzureRunner) Cloud() model.Cloud { return model.CloudAzure }

func (r *AzureRunner) DrainAPICalls() map[string]int { return r.counter.Drain() }

func (r *AzureRunner) Collect(ctx context.Context, resourceType, location string) ([]map[string]any, error) {
	armType, ok := azureResourceTypes[resourceType]
	if !ok {
		return nil, fmt.Errorf("no azure collector for resource type %q", resourceType)
	}

	filter := fmt.Sprintf("resourceType eq '%s'", armType)
	pager := r.client.NewListPager(&armresources.ClientListOptions{Filter: &filter})

	var out []map[string]any
	for pager.More() {
		r.counter.Count("resources", "List")
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list azure resources: %w", err)
		}
		for _, res := range page.Value {
			doc := map[string]any{
				"id":   deref(res.ID),
				"name": deref(res.Name),
				"type": deref(res.Type),
				// The scanner emits everything under the AzureCloud
				// pseudo-region; the true location rides on the document.
				"location": deref(res.Location),
			}
			if len(res.Tags) > 0 {
				tags := make(map[string]any, len(res.Tags))
				for k, v := range res.Tags {
					tags[k] = deref(v)
				}
				doc["tags"] = tags
			}
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *AzureRunner) Classify(err error) model.ErrorType {
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return model.ErrorCredentials
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return model.ErrorInternal
	}
	switch respErr.StatusCode {
	case http.StatusUnauthorized:
		return model.ErrorCredentials
	case http.StatusForbidden:
		return model.ErrorAccess
	default:
		return model.ErrorClient
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
