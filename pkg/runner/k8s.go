package runner

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/stratushq/stratus/pkg/model"
)

// k8sResources maps pipeline resource types onto group/version/resource.
var k8sResources = map[string]schema.GroupVersionResource{
	"k8s.pod":                {Version: "v1", Resource: "pods"},
	"k8s.service":            {Version: "v1", Resource: "services"},
	"k8s.configmap":          {Version: "v1", Resource: "configmaps"},
	"k8s.secret":             {Version: "v1", Resource: "secrets"},
	"k8s.namespace":          {Version: "v1", Resource: "namespaces"},
	"k8s.node":               {Version: "v1", Resource: "nodes"},
	"k8s.serviceaccount":     {Version: "v1", Resource: "serviceaccounts"},
	"k8s.deployment":         {Group: "apps", Version: "v1", Resource: "deployments"},
	"k8s.daemonset":          {Group: "apps", Version: "v1", Resource: "daemonsets"},
	"k8s.statefulset":        {Group: "apps", Version: "v1", Resource: "statefulsets"},
	"k8s.ingress":            {Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"},
	"k8s.networkpolicy":      {Group: "networking.k8s.io", Version: "v1", Resource: "networkpolicies"},
	"k8s.role":               {Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "roles"},
	"k8s.rolebinding":        {Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "rolebindings"},
	"k8s.clusterrole":        {Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "clusterroles"},
	"k8s.clusterrolebinding": {Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "clusterrolebindings"},
}

// K8sRunner lists cluster objects through the dynamic client. Platform scans
// are always global: the cluster is the scope, not a cloud region.
type K8sRunner struct {
	client  dynamic.Interface
	counter *CallCounter
}

// NewK8sRunner builds the dynamic client from a kubeconfig path, usually one
// the credentials resolver just materialized.
func NewK8sRunner(kubeconfigPath string) (*K8sRunner, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	return &K8sRunner{client: client, counter: NewCallCounter()}, nil
}

func (r *K8sRunner) Cloud() model.Cloud { return model.CloudKubernetes }

func (r *K8sRunner) DrainAPICalls() map[string]int { return r.counter.Drain() }

func (r *K8sRunner) Collect(ctx context.Context, resourceType, location string) ([]map[string]any, error) {
	gvr, ok := k8sResources[resourceType]
	if !ok {
		return nil, fmt.Errorf("no kubernetes collector for resource type %q", resourceType)
	}

	r.counter.Count(gvr.Resource, "List")
	list, err := r.client.Resource(gvr).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", gvr.Resource, err)
	}

	out := make([]map[string]any, 0, len(list.Items))
	for _, item := range list.Items {
		doc := item.Object
		// Managed fields are pure noise in a findings document.
		if meta, ok := doc["metadata"].(map[string]any); ok {
			delete(meta, "managedFields")
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *K8sRunner) Classify(err error) model.ErrorType {
	switch {
	case apierrors.IsUnauthorized(err):
		return model.ErrorCredentials
	case apierrors.IsForbidden(err):
		return model.ErrorAccess
	case apierrors.IsNotFound(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsBadRequest(err),
		apierrors.IsTimeout(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsServiceUnavailable(err):
		return model.ErrorClient
	}
	if _, ok := err.(apierrors.APIStatus); ok {
		return model.ErrorClient
	}
	return model.ErrorInternal
}
