package executor

import (
	"context"
	"testing"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/policy"
)

type panickyEngine struct{}

func (panickyEngine) Evaluate(ctx context.Context, pol policy.Policy, location string) ([]map[string]any, map[string]int, error) {
	panic("nil map write in policy evaluation")
}
func (panickyEngine) Classify(err error) model.ErrorType { return model.ErrorInternal }

func TestWorkerSurvivesRulePanic(t *testing.T) {
	workDir := t.TempDir()
	spec := WorkerSpec{
		Cloud:    model.CloudAWS,
		Location: "eu-west-1",
		WorkDir:  workDir,
		Policies: []policy.Policy{{Name: "A", Resource: "aws.ec2"}},
	}

	w := NewWorker(panickyEngine{}, nil)
	if err := w.Run(context.Background(), spec); err != nil {
		t.Fatalf("a rule panic must not break the handshake: %v", err)
	}

	result, parts, items, err := ReadOutput(workDir)
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if result.NSuccessful != 0 {
		t.Errorf("NSuccessful = %d, want 0", result.NSuccessful)
	}
	if f := result.Failed[FailureKey("eu-west-1", "A")]; f.ErrorType != model.ErrorInternal {
		t.Errorf("panic must classify as INTERNAL, got %s", f.ErrorType)
	}
	if len(parts) != 1 || !parts[0].HasError() {
		t.Errorf("expected one error part, got %+v", parts)
	}
	if len(items) != 1 || items[0].ErrorType != model.ErrorInternal {
		t.Errorf("expected one INTERNAL item, got %+v", items)
	}
}

func TestWorkerHandshakeWithAllRulesFailing(t *testing.T) {
	workDir := t.TempDir()
	spec := WorkerSpec{
		Cloud:    model.CloudAWS,
		Location: "eu-west-1",
		WorkDir:  workDir,
		Policies: []policy.Policy{
			{Name: "A", Resource: "aws.ec2"},
			{Name: "B", Resource: "aws.ec2"},
		},
	}

	engine := &fakeEngine{
		failures: map[string]string{
			"eu-west-1/A": "denied",
			"eu-west-1/B": "denied",
		},
		taxonomy: map[string]model.ErrorType{"denied": model.ErrorAccess},
	}
	if err := NewWorker(engine, nil).Run(context.Background(), spec); err != nil {
		t.Fatalf("all rules failing is still a valid handshake: %v", err)
	}

	result, _, _, err := ReadOutput(workDir)
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if len(result.Failed) != 2 {
		t.Errorf("expected 2 failures, got %+v", result.Failed)
	}
}
