package policy

import (
	"strings"

	"github.com/stratushq/stratus/pkg/model"
)

// multiRegional marks AWS resource types whose APIs are not region-scoped.
// Policies over these run once at GLOBAL regardless of the region plan.
var multiRegional = map[string]bool{
	"aws.iam-user":        true,
	"aws.iam-role":        true,
	"aws.iam-group":       true,
	"aws.iam-policy":      true,
	"aws.account":         true,
	"aws.cloudfront":      true,
	"aws.route53-zone":    true,
	"aws.route53-record":  true,
	"aws.waf-global":      true,
	"aws.org-account":     true,
	"aws.support-case":    true,
	"aws.health-event":    true,
	"aws.cur-report":      true,
	"aws.billing-alarm":   true,
	"aws.ecr-public-repo": true,
}

// knownResources is the registry of resource types the pipeline can plan
// for, per cloud. A policy over anything else is skipped with a warning.
var knownResources = map[model.Cloud]map[string]bool{
	model.CloudAWS: {
		"aws.ec2":             true,
		"aws.ebs":             true,
		"aws.s3":              true,
		"s3":                  true,
		"aws.rds":             true,
		"aws.lambda":          true,
		"aws.eks":             true,
		"aws.ecs":             true,
		"aws.ecr":             true,
		"aws.dynamodb-table":  true,
		"aws.elb":             true,
		"aws.security-group":  true,
		"aws.vpc":             true,
		"aws.subnet":          true,
		"aws.cloudtrail":      true,
		"aws.kms-key":         true,
		"aws.sns":             true,
		"aws.sqs":             true,
		"aws.redshift":        true,
		"aws.elasticache":     true,
		"aws.iam-user":        true,
		"aws.iam-role":        true,
		"aws.iam-group":       true,
		"aws.iam-policy":      true,
		"aws.account":         true,
		"aws.cloudfront":      true,
		"aws.route53-zone":    true,
		"aws.route53-record":  true,
		"aws.waf-global":      true,
		"aws.org-account":     true,
		"aws.support-case":    true,
		"aws.health-event":    true,
		"aws.cur-report":      true,
		"aws.billing-alarm":   true,
		"aws.ecr-public-repo": true,
	},
	model.CloudAzure: {
		"azure.vm":               true,
		"azure.disk":             true,
		"azure.storage":          true,
		"azure.keyvault":         true,
		"azure.sqlserver":        true,
		"azure.sqldatabase":      true,
		"azure.networkinterface": true,
		"azure.publicip":         true,
		"azure.nsg":              true,
		"azure.webapp":           true,
		"azure.aks":              true,
		"azure.resourcegroup":    true,
	},
	model.CloudGoogle: {
		"gcp.instance":        true,
		"gcp.disk":            true,
		"gcp.bucket":          true,
		"gcp.sql-instance":    true,
		"gcp.gke-cluster":     true,
		"gcp.function":        true,
		"gcp.service-account": true,
		"gcp.firewall":        true,
		"gcp.network":         true,
	},
	model.CloudKubernetes: {
		"k8s.pod":                true,
		"k8s.deployment":         true,
		"k8s.daemonset":          true,
		"k8s.statefulset":        true,
		"k8s.service":            true,
		"k8s.ingress":            true,
		"k8s.configmap":          true,
		"k8s.secret":             true,
		"k8s.namespace":          true,
		"k8s.node":               true,
		"k8s.serviceaccount":     true,
		"k8s.role":               true,
		"k8s.rolebinding":        true,
		"k8s.clusterrole":        true,
		"k8s.clusterrolebinding": true,
		"k8s.networkpolicy":      true,
	},
}

// KnownResource reports whether the pipeline can plan the resource type for
// the given cloud.
func KnownResource(cloud model.Cloud, resource string) bool {
	return knownResources[cloud][resource]
}

// serviceOf extracts the provider service from a resource type:
// "aws.ec2" -> "ec2", bare "s3" -> "s3".
func serviceOf(resource string) string {
	if i := strings.IndexByte(resource, '.'); i >= 0 {
		return resource[i+1:]
	}
	return resource
}
