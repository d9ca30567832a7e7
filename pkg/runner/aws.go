package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/stratushq/stratus/pkg/model"
)

// AWSRunner collects AWS resources with region-scoped SDK clients. Clients
// are created per region on demand from copies of the base config; the
// worker process is short-lived, so the churn dies with it.
type AWSRunner struct {
	baseConfig    aws.Config
	defaultRegion string
	counter       *CallCounter
}

// NewAWSRunner wraps an SDK config already carrying credentials. The call
// counter is injected into every client built from it.
func NewAWSRunner(cfg aws.Config, defaultRegion string) *AWSRunner {
	counter := NewCallCounter()
	cfg.APIOptions = append(cfg.APIOptions, counter.Middleware())
	return &AWSRunner{
		baseConfig:    cfg,
		defaultRegion: defaultRegion,
		counter:       counter,
	}
}

func (r *AWSRunner) Cloud() model.Cloud { return model.CloudAWS }

func (r *AWSRunner) DrainAPICalls() map[string]int { return r.counter.Drain() }

// configFor returns a regional configuration copy. GLOBAL resolves to the
// default region: global APIs accept any region endpoint.
func (r *AWSRunner) configFor(location string) aws.Config {
	cfg := r.baseConfig.Copy()
	if location == model.GlobalLocation || location == "" {
		cfg.Region = r.defaultRegion
	} else {
		cfg.Region = location
	}
	return cfg
}

func (r *AWSRunner) Collect(ctx context.Context, resourceType, location string) ([]map[string]any, error) {
	switch resourceType {
	case "aws.ec2":
		return r.collectInstances(ctx, location)
	case "aws.ebs":
		return r.collectVolumes(ctx, location)
	case "aws.s3", "s3":
		return r.collectBuckets(ctx)
	case "aws.rds":
		return r.collectDBInstances(ctx, location)
	case "aws.eks":
		return r.collectClusters(ctx, location)
	}
	return nil, fmt.Errorf("no aws collector for resource type %q", resourceType)
}

func (r *AWSRunner) collectInstances(ctx context.Context, location string) ([]map[string]any, error) {
	client := ec2.NewFromConfig(r.configFor(location))
	var out []map[string]any

	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				doc := map[string]any{
					"InstanceId":   aws.ToString(inst.InstanceId),
					"InstanceType": string(inst.InstanceType),
					"LaunchTime":   formatTime(inst.LaunchTime),
				}
				if inst.State != nil {
					doc["State"] = string(inst.State.Name)
				}
				tags := make(map[string]any, len(inst.Tags))
				for _, tag := range inst.Tags {
					tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
				}
				doc["Tags"] = tags
				out = append(out, doc)
			}
		}
	}
	return out, nil
}

func (r *AWSRunner) collectVolumes(ctx context.Context, location string) ([]map[string]any, error) {
	client := ec2.NewFromConfig(r.configFor(location))
	var out []map[string]any

	paginator := ec2.NewDescribeVolumesPaginator(client, &ec2.DescribeVolumesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe volumes: %w", err)
		}
		for _, vol := range page.Volumes {
			out = append(out, map[string]any{
				"VolumeId":   aws.ToString(vol.VolumeId),
				"State":      string(vol.State),
				"Size":       aws.ToInt32(vol.Size),
				"VolumeType": string(vol.VolumeType),
				"Encrypted":  aws.ToBool(vol.Encrypted),
			})
		}
	}
	return out, nil
}

// collectBuckets lists every bucket with its real region embedded in the
// document, so s3 parts are written per region from the start and the
// latest-state self-heal has nothing left to migrate.
func (r *AWSRunner) collectBuckets(ctx context.Context) ([]map[string]any, error) {
	client := s3.NewFromConfig(r.configFor(model.GlobalLocation))

	result, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	var out []map[string]any
	for _, bucket := range result.Buckets {
		name := aws.ToString(bucket.Name)
		doc := map[string]any{
			"Name":         name,
			"CreationDate": formatTime(bucket.CreationDate),
		}

		constraint := ""
		loc, err := client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
		if err == nil {
			constraint = string(loc.LocationConstraint)
		}
		doc["Location"] = map[string]any{"LocationConstraint": constraint}
		out = append(out, doc)
	}
	return out, nil
}

func (r *AWSRunner) collectDBInstances(ctx context.Context, location string) ([]map[string]any, error) {
	client := rds.NewFromConfig(r.configFor(location))
	var out []map[string]any

	paginator := rds.NewDescribeDBInstancesPaginator(client, &rds.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe db instances: %w", err)
		}
		for _, db := range page.DBInstances {
			out = append(out, map[string]any{
				"DBInstanceIdentifier": aws.ToString(db.DBInstanceIdentifier),
				"Engine":               aws.ToString(db.Engine),
				"DBInstanceClass":      aws.ToString(db.DBInstanceClass),
				"PubliclyAccessible":   aws.ToBool(db.PubliclyAccessible),
				"StorageEncrypted":     aws.ToBool(db.StorageEncrypted),
			})
		}
	}
	return out, nil
}

func (r *AWSRunner) collectClusters(ctx context.Context, location string) ([]map[string]any, error) {
	client := eks.NewFromConfig(r.configFor(location))
	var out []map[string]any

	paginator := eks.NewListClustersPaginator(client, &eks.ListClustersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list eks clusters: %w", err)
		}
		for _, name := range page.Clusters {
			desc, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
			if err != nil {
				return nil, fmt.Errorf("failed to describe eks cluster %s: %w", name, err)
			}
			out = append(out, map[string]any{
				"Name":     name,
				"Version":  aws.ToString(desc.Cluster.Version),
				"Status":   string(desc.Cluster.Status),
				"Endpoint": aws.ToString(desc.Cluster.Endpoint),
			})
		}
	}
	return out, nil
}

// awsAccessCodes: authenticated but not authorized.
var awsAccessCodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
	"AuthorizationError":    true,
	"Forbidden":             true,
}

// awsCredentialCodes: authentication itself failed.
var awsCredentialCodes = map[string]bool{
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
	"AuthFailure":                 true,
	"SignatureDoesNotMatch":       true,
	"InvalidAccessKeyId":          true,
	"MissingAuthenticationToken":  true,
}

func (r *AWSRunner) Classify(err error) model.ErrorType {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return model.ErrorInternal
	}
	code := apiErr.ErrorCode()
	switch {
	case awsCredentialCodes[code]:
		return model.ErrorCredentials
	case awsAccessCodes[code]:
		return model.ErrorAccess
	default:
		return model.ErrorClient
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
