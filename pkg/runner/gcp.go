package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/google"
	cloudasset "google.golang.org/api/cloudasset/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/stratushq/stratus/pkg/model"
)

// gcpAssetTypes maps pipeline resource types onto Cloud Asset Inventory types.
var gcpAssetTypes = map[string]string{
	"gcp.instance":        "compute.googleapis.com/Instance",
	"gcp.disk":            "compute.googleapis.com/Disk",
	"gcp.bucket":          "storage.googleapis.com/Bucket",
	"gcp.sql-instance":    "sqladmin.googleapis.com/Instance",
	"gcp.gke-cluster":     "container.googleapis.com/Cluster",
	"gcp.function":        "cloudfunctions.googleapis.com/CloudFunction",
	"gcp.service-account": "iam.googleapis.com/ServiceAccount",
	"gcp.firewall":        "compute.googleapis.com/Firewall",
	"gcp.network":         "compute.googleapis.com/Network",
}

// GCPRunner lists resources through the Cloud Asset Inventory, which covers
// every project resource from one API regardless of region.
type GCPRunner struct {
	service   *cloudasset.Service
	projectID string
	counter   *CallCounter
}

// NewGCPRunner builds the asset service from a service-account JSON file.
func NewGCPRunner(ctx context.Context, projectID, credentialsFile string) (*GCPRunner, error) {
	service, err := cloudasset.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud asset service: %w", err)
	}
	return &GCPRunner{service: service, projectID: projectID, counter: NewCallCounter()}, nil
}

// ValidateServiceAccountJSON checks that a blob is a parseable service
// account key before it is materialized for a scan.
func ValidateServiceAccountJSON(data []byte) error {
	creds, err := google.CredentialsFromJSON(context.Background(), data, cloudasset.CloudPlatformScope)
	if err != nil {
		return fmt.Errorf("invalid service account json: %w", err)
	}
	if creds.ProjectID == "" {
		return fmt.Errorf("service account json carries no project id")
	}
	return nil
}

func (r *GCPRunner) Cloud() model.Cloud { return model.CloudGoogle }

func (r *GCPRunner) DrainAPICalls() map[string]int { return r.counter.Drain() }

func (r *GCPRunner) Collect(ctx context.Context, resourceType, location string) ([]map[string]any, error) {
	assetType, ok := gcpAssetTypes[resourceType]
	if !ok {
		return nil, fmt.Errorf("no gcp collector for resource type %q", resourceType)
	}

	parent := "projects/" + r.projectID
	var out []map[string]any
	pageToken := ""
	for {
		call := r.service.Assets.List(parent).
			AssetTypes(assetType).
			ContentType("RESOURCE").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		r.counter.Count("cloudasset", "ListAssets")
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list gcp assets: %w", err)
		}

		for _, asset := range resp.Assets {
			doc := map[string]any{
				"name":       asset.Name,
				"asset_type": asset.AssetType,
			}
			if asset.Resource != nil && len(asset.Resource.Data) > 0 {
				var data map[string]any
				if err := json.Unmarshal(asset.Resource.Data, &data); err == nil {
					doc["data"] = data
				}
			}
			out = append(out, doc)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

func (r *GCPRunner) Classify(err error) model.ErrorType {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return model.ErrorInternal
	}
	switch apiErr.Code {
	case http.StatusUnauthorized:
		return model.ErrorCredentials
	case http.StatusForbidden:
		return model.ErrorAccess
	default:
		return model.ErrorClient
	}
}
