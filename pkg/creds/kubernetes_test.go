package creds

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"testing"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/stratushq/stratus/pkg/model"
)

func sampleKubeconfig(t *testing.T) []byte {
	t.Helper()
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["prod"] = &clientcmdapi.Cluster{Server: "https://kube.example.com"}
	cfg.AuthInfos["admin"] = &clientcmdapi.AuthInfo{Token: "admin-token"}
	cfg.Contexts["prod-admin"] = &clientcmdapi.Context{Cluster: "prod", AuthInfo: "admin"}
	cfg.CurrentContext = "prod-admin"

	out, err := clientcmd.Write(*cfg)
	if err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}
	return out
}

func TestMergeBearerToken(t *testing.T) {
	merged, err := MergeBearerToken(sampleKubeconfig(t), "scan-token")
	if err != nil {
		t.Fatalf("MergeBearerToken failed: %v", err)
	}

	cfg, err := clientcmd.Load(merged)
	if err != nil {
		t.Fatalf("load merged kubeconfig: %v", err)
	}

	if cfg.CurrentContext != scannerContext {
		t.Errorf("current context = %s, want %s", cfg.CurrentContext, scannerContext)
	}
	cur := cfg.Contexts[cfg.CurrentContext]
	if cur.Cluster != "prod" || cur.AuthInfo != scannerUser {
		t.Errorf("merged context = %+v", cur)
	}
	if cfg.AuthInfos[scannerUser].Token != "scan-token" {
		t.Errorf("scanner user token = %q", cfg.AuthInfos[scannerUser].Token)
	}
	// Existing user survives.
	if cfg.AuthInfos["admin"].Token != "admin-token" {
		t.Error("merge clobbered the existing user")
	}
}

func TestMergeRequiresCurrentContext(t *testing.T) {
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["prod"] = &clientcmdapi.Cluster{Server: "https://kube.example.com"}
	raw, err := clientcmd.Write(*cfg)
	if err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}

	if _, err := MergeBearerToken(raw, "tok"); err == nil {
		t.Error("merge accepted a kubeconfig without a current context")
	}
}

func TestEKSToken(t *testing.T) {
	token := EKSToken("https://sts.eu-west-1.amazonaws.com/?Action=GetCallerIdentity")
	if !strings.HasPrefix(token, "k8s-aws-v1.") {
		t.Fatalf("token = %q, want k8s-aws-v1. prefix", token)
	}

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, "k8s-aws-v1."))
	if err != nil {
		t.Fatalf("token payload is not raw-url base64: %v", err)
	}
	if !strings.Contains(string(decoded), "GetCallerIdentity") {
		t.Errorf("decoded token = %q", decoded)
	}
}

func TestEKSPlatformMintsKubeconfig(t *testing.T) {
	fake := &fakeAWS{
		account: "123456789012", // ambient match supplies the AWS base
		cluster: &ClusterInfo{
			Endpoint: "https://ABC.gr7.eu-west-1.eks.amazonaws.com",
			CAData:   base64.StdEncoding.EncodeToString([]byte("fake-ca")),
		},
		presignedURL: "https://sts.eu-west-1.amazonaws.com/?Action=GetCallerIdentity&X-Amz-Signature=x",
	}
	r, _, _ := testResolver(t, fake)

	platform := &model.Platform{
		ID: "plat-1", TenantName: "acme-prod", Type: model.PlatformEKS,
		Name: "prod-cluster", Region: "eu-west-1",
	}
	bundle, err := r.Resolve(context.Background(), awsTenant(), platform)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if fake.presignCluster != "prod-cluster" {
		t.Errorf("presign cluster = %q, want prod-cluster", fake.presignCluster)
	}

	path := bundle.Env["KUBECONFIG"]
	if path == "" {
		t.Fatal("no kubeconfig materialized")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read kubeconfig: %v", err)
	}
	cfg, err := clientcmd.Load(raw)
	if err != nil {
		t.Fatalf("load kubeconfig: %v", err)
	}
	if cfg.Clusters["prod-cluster"].Server != fake.cluster.Endpoint {
		t.Errorf("cluster server = %q", cfg.Clusters["prod-cluster"].Server)
	}
	if !strings.HasPrefix(cfg.AuthInfos[scannerUser].Token, "k8s-aws-v1.") {
		t.Errorf("token = %q", cfg.AuthInfos[scannerUser].Token)
	}

	if err := bundle.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("kubeconfig survived cleanup")
	}
}

func TestPlatformSecretKubeconfigWins(t *testing.T) {
	fake := &fakeAWS{}
	r, store, _ := testResolver(t, fake)

	stage(t, store, "platform/plat-1", Payload{
		Kubeconfig:  string(sampleKubeconfig(t)),
		BearerToken: "platform-token",
	})
	platform := &model.Platform{
		ID: "plat-1", Type: model.PlatformAKS, Name: "aks-prod", SecretRef: "platform/plat-1",
	}

	bundle, err := r.Resolve(context.Background(), awsTenant(), platform)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	defer bundle.Cleanup()

	raw, err := os.ReadFile(bundle.Env["KUBECONFIG"])
	if err != nil {
		t.Fatalf("read kubeconfig: %v", err)
	}
	cfg, err := clientcmd.Load(raw)
	if err != nil {
		t.Fatalf("load kubeconfig: %v", err)
	}
	if cfg.AuthInfos[scannerUser].Token != "platform-token" {
		t.Errorf("token = %q, want platform-token", cfg.AuthInfos[scannerUser].Token)
	}
}
