package creds

import (
	"context"
	"encoding/base64"
	"fmt"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/stratushq/stratus/pkg/model"
)

const (
	scannerUser    = "stratus-scanner"
	scannerContext = "stratus-scanner"

	// tokenPrefix is the EKS bearer token scheme understood by the
	// aws-iam-authenticator server side.
	tokenPrefix = "k8s-aws-v1."
)

// MergeBearerToken rewrites a kubeconfig so the scan authenticates with the
// given token: a new user and a new context referencing the current
// context's cluster, made current. The original users and contexts are left
// in place.
func MergeBearerToken(kubeconfig []byte, token string) ([]byte, error) {
	cfg, err := clientcmd.Load(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kubeconfig: %w", err)
	}

	current, ok := cfg.Contexts[cfg.CurrentContext]
	if !ok {
		return nil, fmt.Errorf("kubeconfig has no usable current context")
	}

	cfg.AuthInfos[scannerUser] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts[scannerContext] = &clientcmdapi.Context{
		Cluster:  current.Cluster,
		AuthInfo: scannerUser,
	}
	cfg.CurrentContext = scannerContext

	out, err := clientcmd.Write(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kubeconfig: %w", err)
	}
	return out, nil
}

// EKSToken turns a presigned GetCallerIdentity URL into the bearer token
// EKS accepts.
func EKSToken(presignedURL string) string {
	return tokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(presignedURL))
}

// eksKubeconfig builds a one-cluster kubeconfig from DescribeCluster output
// and a minted token.
func eksKubeconfig(clusterName string, info *ClusterInfo, token string) ([]byte, error) {
	caData, err := base64.StdEncoding.DecodeString(info.CAData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cluster certificate authority: %w", err)
	}

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[clusterName] = &clientcmdapi.Cluster{
		Server:                   info.Endpoint,
		CertificateAuthorityData: caData,
	}
	cfg.AuthInfos[scannerUser] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts[scannerContext] = &clientcmdapi.Context{
		Cluster:  clusterName,
		AuthInfo: scannerUser,
	}
	cfg.CurrentContext = scannerContext

	out, err := clientcmd.Write(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kubeconfig: %w", err)
	}
	return out, nil
}

// resolvePlatform produces Kubernetes credentials for a platform scan. A
// staged or platform-linked kubeconfig wins; EKS platforms without one get
// a minted STS token against the tenant's AWS credentials.
func (r *Resolver) resolvePlatform(ctx context.Context, tenant *model.Tenant, platform *model.Platform) (*Bundle, error) {
	if payload, err := r.ephemeral(ctx); err != nil {
		return nil, err
	} else if payload != nil {
		return payload.Materialize(model.CloudKubernetes, tenant.ProjectID, r.DefaultRegion)
	}

	if platform.SecretRef != "" {
		payload, err := r.secretPayload(ctx, platform.SecretRef)
		if err != nil {
			return nil, err
		}
		if payload != nil && payload.Kubeconfig != "" {
			r.Logger.Info("using platform kubeconfig", "platform", platform.ID)
			return payload.Materialize(model.CloudKubernetes, tenant.ProjectID, r.DefaultRegion)
		}
	}

	if platform.Type == model.PlatformEKS {
		return r.mintEKS(ctx, tenant, platform)
	}

	return nil, ErrNoCredentials
}

func (r *Resolver) mintEKS(ctx context.Context, tenant *model.Tenant, platform *model.Platform) (*Bundle, error) {
	base, err := r.resolveTenant(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve aws credentials for eks platform %s: %w", platform.ID, err)
	}

	region := platform.Region
	if region == "" {
		region = r.DefaultRegion
	}
	client, err := r.AWS(ctx, region, base.Env)
	if err != nil {
		base.Cleanup()
		return nil, fmt.Errorf("failed to build aws client: %w", err)
	}

	info, err := client.DescribeCluster(ctx, platform.Name)
	if err != nil {
		base.Cleanup()
		return nil, fmt.Errorf("failed to describe eks cluster %s: %w", platform.Name, err)
	}
	url, err := client.PresignCallerIdentity(ctx, platform.Name)
	if err != nil {
		base.Cleanup()
		return nil, fmt.Errorf("failed to presign eks token: %w", err)
	}

	kubeconfig, err := eksKubeconfig(platform.Name, info, EKSToken(url))
	if err != nil {
		base.Cleanup()
		return nil, err
	}
	path, err := writeTemp("stratus-kubeconfig-*.yaml", kubeconfig)
	if err != nil {
		base.Cleanup()
		return nil, err
	}

	bundle := NewBundle()
	bundle.merge(base)
	bundle.addFile(path)
	bundle.Env["KUBECONFIG"] = path
	r.Logger.Info("minted eks token", "platform", platform.ID, "cluster", platform.Name)
	return bundle, nil
}
