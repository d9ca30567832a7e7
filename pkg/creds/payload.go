package creds

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/runner"
)

// Payload is the decoded shape of a credentials secret. All fields are
// optional; which ones matter depends on the tenant's cloud.
type Payload struct {
	AWSAccessKeyID     string `json:"aws_access_key_id,omitempty"`
	AWSSecretAccessKey string `json:"aws_secret_access_key,omitempty"`
	AWSSessionToken    string `json:"aws_session_token,omitempty"`
	RoleARN            string `json:"role_arn,omitempty"`

	AzureClientID     string `json:"azure_client_id,omitempty"`
	AzureClientSecret string `json:"azure_client_secret,omitempty"`
	AzureTenantID     string `json:"azure_tenant_id,omitempty"`
	// AzureCertificate is a PEM blob for certificate credentials; it is
	// materialized to a temp file.
	AzureCertificate string `json:"azure_certificate,omitempty"`

	ServiceAccountJSON json.RawMessage `json:"service_account_json,omitempty"`

	Kubeconfig  string `json:"kubeconfig,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
}

func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode credentials payload: %w", err)
	}
	return &p, nil
}

func (p *Payload) awsEnv(defaultRegion string) map[string]string {
	env := map[string]string{}
	if p.AWSAccessKeyID != "" {
		env["AWS_ACCESS_KEY_ID"] = p.AWSAccessKeyID
		env["AWS_SECRET_ACCESS_KEY"] = p.AWSSecretAccessKey
	}
	if p.AWSSessionToken != "" {
		env["AWS_SESSION_TOKEN"] = p.AWSSessionToken
	}
	if defaultRegion != "" {
		env["AWS_DEFAULT_REGION"] = defaultRegion
	}
	return env
}

// Materialize builds the environment bundle for one cloud, writing temp
// files where the provider wants a path instead of a variable.
func (p *Payload) Materialize(cloud model.Cloud, projectID, defaultRegion string) (*Bundle, error) {
	bundle := NewBundle()

	switch cloud {
	case model.CloudAWS:
		if p.AWSAccessKeyID == "" {
			return nil, fmt.Errorf("aws credentials payload carries no access key")
		}
		bundle.Env = p.awsEnv(defaultRegion)

	case model.CloudAzure:
		if p.AzureClientID == "" || p.AzureTenantID == "" {
			return nil, fmt.Errorf("azure credentials payload is incomplete")
		}
		bundle.Env["AZURE_CLIENT_ID"] = p.AzureClientID
		bundle.Env["AZURE_TENANT_ID"] = p.AzureTenantID
		bundle.Env["AZURE_SUBSCRIPTION_ID"] = projectID
		if p.AzureClientSecret != "" {
			bundle.Env["AZURE_CLIENT_SECRET"] = p.AzureClientSecret
		}
		if p.AzureCertificate != "" {
			path, err := writeTemp("stratus-azure-*.pem", []byte(p.AzureCertificate))
			if err != nil {
				return nil, err
			}
			bundle.addFile(path)
			bundle.Env["AZURE_CLIENT_CERTIFICATE_PATH"] = path
		}

	case model.CloudGoogle:
		if len(p.ServiceAccountJSON) == 0 {
			return nil, fmt.Errorf("gcp credentials payload carries no service account json")
		}
		if err := runner.ValidateServiceAccountJSON(p.ServiceAccountJSON); err != nil {
			return nil, err
		}
		path, err := writeTemp("stratus-gcp-*.json", p.ServiceAccountJSON)
		if err != nil {
			return nil, err
		}
		bundle.addFile(path)
		bundle.Env["GOOGLE_APPLICATION_CREDENTIALS"] = path
		bundle.Env["GOOGLE_CLOUD_PROJECT"] = projectID

	case model.CloudKubernetes:
		if p.Kubeconfig == "" {
			return nil, fmt.Errorf("kubernetes credentials payload carries no kubeconfig")
		}
		raw := []byte(p.Kubeconfig)
		if p.BearerToken != "" {
			merged, err := MergeBearerToken(raw, p.BearerToken)
			if err != nil {
				return nil, err
			}
			raw = merged
		}
		path, err := writeTemp("stratus-kubeconfig-*.yaml", raw)
		if err != nil {
			return nil, err
		}
		bundle.addFile(path)
		bundle.Env["KUBECONFIG"] = path

	default:
		return nil, fmt.Errorf("unsupported cloud %q", cloud)
	}

	return bundle, nil
}

func writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp credentials file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp credentials file: %w", err)
	}
	return f.Name(), nil
}
