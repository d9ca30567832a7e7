package creds

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratushq/stratus/pkg/model"
)

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(`{
		"aws_access_key_id": "AKIA123",
		"aws_secret_access_key": "shhh",
		"aws_session_token": "tok",
		"role_arn": "arn:aws:iam::123456789012:role/scanner"
	}`))
	require.NoError(t, err)
	require.Equal(t, "AKIA123", p.AWSAccessKeyID)
	require.Equal(t, "arn:aws:iam::123456789012:role/scanner", p.RoleARN)

	_, err = ParsePayload([]byte("{not json"))
	require.Error(t, err)
}

func TestMaterializeAWS(t *testing.T) {
	p := &Payload{
		AWSAccessKeyID:     "AKIA123",
		AWSSecretAccessKey: "shhh",
		AWSSessionToken:    "tok",
	}
	bundle, err := p.Materialize(model.CloudAWS, "", "eu-west-1")
	require.NoError(t, err)
	defer bundle.Cleanup()

	require.Equal(t, map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIA123",
		"AWS_SECRET_ACCESS_KEY": "shhh",
		"AWS_SESSION_TOKEN":     "tok",
		"AWS_DEFAULT_REGION":    "eu-west-1",
	}, bundle.Env)

	_, err = (&Payload{}).Materialize(model.CloudAWS, "", "eu-west-1")
	require.Error(t, err, "an empty payload carries no aws key")
}

func TestMaterializeKubernetes(t *testing.T) {
	p := &Payload{Kubeconfig: string(sampleKubeconfig(t))}
	bundle, err := p.Materialize(model.CloudKubernetes, "", "")
	require.NoError(t, err)

	path := bundle.Env["KUBECONFIG"]
	require.NotEmpty(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "https://kube.example.com")

	require.NoError(t, bundle.Cleanup())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "cleanup must remove the kubeconfig")
}

func TestMaterializeRejectsIncompletePayloads(t *testing.T) {
	cases := []struct {
		name    string
		cloud   model.Cloud
		payload Payload
	}{
		{"azure without tenant", model.CloudAzure, Payload{AzureClientID: "app-1"}},
		{"gcp without key", model.CloudGoogle, Payload{}},
		{"kubernetes without kubeconfig", model.CloudKubernetes, Payload{BearerToken: "tok"}},
		{"unknown cloud", model.Cloud("oraclecloud"), Payload{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := c.payload.Materialize(c.cloud, "sub-1", "")
			require.Error(t, err)
		})
	}
}
