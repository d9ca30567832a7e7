package creds

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// AssumedCredentials is the outcome of one AssumeRole call.
type AssumedCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// ClusterInfo is what EKS token minting needs from DescribeCluster.
type ClusterInfo struct {
	Endpoint string
	// CAData is the base64-encoded cluster certificate authority.
	CAData string
}

// AWSClient is the slice of AWS the resolver touches. Implemented by the
// SDK; faked in tests.
type AWSClient interface {
	AssumeRole(ctx context.Context, roleARN, sessionName string) (*AssumedCredentials, error)
	CallerAccount(ctx context.Context) (string, error)
	DescribeCluster(ctx context.Context, name string) (*ClusterInfo, error)
	// PresignCallerIdentity returns a presigned GetCallerIdentity URL
	// carrying the x-k8s-aws-id header, the raw material of an EKS token.
	PresignCallerIdentity(ctx context.Context, clusterName string) (string, error)
}

// AWSClientFactory builds a client for a region. A nil env means the host's
// ambient identity; otherwise env must carry static keys.
type AWSClientFactory func(ctx context.Context, region string, env map[string]string) (AWSClient, error)

// NewSDKClient is the production AWSClientFactory.
func NewSDKClient(ctx context.Context, region string, env map[string]string) (AWSClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if env["AWS_ACCESS_KEY_ID"] != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				env["AWS_ACCESS_KEY_ID"], env["AWS_SECRET_ACCESS_KEY"], env["AWS_SESSION_TOKEN"])))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &sdkClient{sts: sts.NewFromConfig(cfg), eks: eks.NewFromConfig(cfg)}, nil
}

type sdkClient struct {
	sts *sts.Client
	eks *eks.Client
}

func (c *sdkClient) AssumeRole(ctx context.Context, roleARN, sessionName string) (*AssumedCredentials, error) {
	out, err := c.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
	})
	if err != nil {
		return nil, err
	}
	return &AssumedCredentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

func (c *sdkClient) CallerAccount(ctx context.Context) (string, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Account), nil
}

func (c *sdkClient) DescribeCluster(ctx context.Context, name string) (*ClusterInfo, error) {
	out, err := c.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
	if err != nil {
		return nil, err
	}
	info := &ClusterInfo{Endpoint: aws.ToString(out.Cluster.Endpoint)}
	if out.Cluster.CertificateAuthority != nil {
		info.CAData = aws.ToString(out.Cluster.CertificateAuthority.Data)
	}
	return info, nil
}

func (c *sdkClient) PresignCallerIdentity(ctx context.Context, clusterName string) (string, error) {
	presign := sts.NewPresignClient(c.sts, func(o *sts.PresignOptions) {
		o.ClientOptions = append(o.ClientOptions,
			sts.WithAPIOptions(smithyhttp.AddHeaderValue("x-k8s-aws-id", clusterName)))
	})
	out, err := presign.PresignGetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return out.URL, nil
}
