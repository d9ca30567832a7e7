package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/stratushq/stratus/pkg/executor"
	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/runner"
)

// RunWorker is the entry point of the spawned worker process: read the spec,
// build the scan engine for its cloud from the process environment, run the
// region. A non-nil return becomes a non-zero worker exit status.
func RunWorker(ctx context.Context, specPath string, logger *slog.Logger) error {
	spec, err := executor.ReadSpec(specPath)
	if err != nil {
		return err
	}
	engine, err := buildEngine(ctx, spec, os.Getenv)
	if err != nil {
		return err
	}
	return executor.NewWorker(engine, logger).Run(ctx, spec)
}

// InprocWorker adapts RunWorker for hosts that cannot exec. The credentials
// arrive in the env map and never touch the process environment.
func InprocWorker(logger *slog.Logger) executor.WorkerFunc {
	return func(ctx context.Context, specPath string, env map[string]string) error {
		spec, err := executor.ReadSpec(specPath)
		if err != nil {
			return err
		}
		engine, err := buildEngine(ctx, spec, func(key string) string { return env[key] })
		if err != nil {
			return err
		}
		return executor.NewWorker(engine, logger).Run(ctx, spec)
	}
}

// buildEngine constructs the cloud runner named by the spec. Credentials are
// read through getenv so the in-process launcher can supply them without
// mutating the parent environment.
func buildEngine(ctx context.Context, spec executor.WorkerSpec, getenv func(string) string) (*runner.Engine, error) {
	var (
		r   runner.CloudRunner
		err error
	)
	switch spec.Cloud {
	case model.CloudAWS:
		r, err = awsRunner(ctx, spec, getenv)
	case model.CloudAzure:
		r, err = azureRunner(getenv)
	case model.CloudGoogle:
		r, err = gcpRunner(ctx, spec, getenv)
	case model.CloudKubernetes:
		r, err = runner.NewK8sRunner(getenv("KUBECONFIG"))
	default:
		return nil, fmt.Errorf("unknown cloud %q", spec.Cloud)
	}
	if err != nil {
		return nil, err
	}
	return runner.NewEngine(r)
}

func awsRunner(ctx context.Context, spec executor.WorkerSpec, getenv func(string) string) (*runner.AWSRunner, error) {
	region := spec.Location
	if region == model.GlobalLocation {
		region = spec.DefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if key := getenv("AWS_ACCESS_KEY_ID"); key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			key, getenv("AWS_SECRET_ACCESS_KEY"), getenv("AWS_SESSION_TOKEN"))))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return runner.NewAWSRunner(cfg, spec.DefaultRegion), nil
}

func azureRunner(getenv func(string) string) (*runner.AzureRunner, error) {
	subscription := getenv("AZURE_SUBSCRIPTION_ID")
	if subscription == "" {
		return nil, fmt.Errorf("AZURE_SUBSCRIPTION_ID is not set")
	}
	cred, err := azureCredential(getenv)
	if err != nil {
		return nil, err
	}
	return runner.NewAzureRunner(subscription, cred)
}

func azureCredential(getenv func(string) string) (azcore.TokenCredential, error) {
	tenantID := getenv("AZURE_TENANT_ID")
	clientID := getenv("AZURE_CLIENT_ID")

	if certPath := getenv("AZURE_CLIENT_CERTIFICATE_PATH"); certPath != "" {
		data, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read client certificate: %w", err)
		}
		certs, key, err := azidentity.ParseCertificates(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", err)
		}
		cred, err := azidentity.NewClientCertificateCredential(tenantID, clientID, certs, key, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build certificate credential: %w", err)
		}
		return cred, nil
	}

	if secret := getenv("AZURE_CLIENT_SECRET"); secret != "" {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build client secret credential: %w", err)
		}
		return cred, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build default azure credential: %w", err)
	}
	return cred, nil
}

func gcpRunner(ctx context.Context, spec executor.WorkerSpec, getenv func(string) string) (*runner.GCPRunner, error) {
	projectID := spec.ProjectID
	if projectID == "" {
		projectID = getenv("GOOGLE_CLOUD_PROJECT")
	}
	return runner.NewGCPRunner(ctx, projectID, getenv("GOOGLE_APPLICATION_CREDENTIALS"))
}
