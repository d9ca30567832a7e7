// Package executor runs each region of a scan plan as a short-lived worker
// process and aggregates the per-policy success/failure taxonomy. The
// embedded cloud SDKs leak client memory across regions; process-per-region
// lets the kernel reclaim it on exit.
package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/policy"
	"github.com/stratushq/stratus/pkg/shards"
	"github.com/stratushq/stratus/pkg/stats"
)

// File names of the parent/worker handshake inside work_dir/<region>/.
const (
	SpecFile   = "spec.json"
	ResultFile = "result.json"
	PartsFile  = "parts.json"
	StatsFile  = "stats.json"
)

// WorkerSpec is what the parent hands one worker invocation: the policies,
// the location, the cloud, and where to work. Credentials ride on the spawn
// environment, never in this file.
type WorkerSpec struct {
	Cloud         model.Cloud     `json:"cloud"`
	Location      string          `json:"location"`
	DefaultRegion string          `json:"default_region,omitempty"`
	ProjectID     string          `json:"project_id,omitempty"`
	WorkDir       string          `json:"work_dir"`
	Policies      []policy.Policy `json:"policies"`
}

// Failure describes one failed rule in the worker's result summary.
type Failure struct {
	ErrorType model.ErrorType `json:"error_type"`
	Message   string          `json:"message"`
	Trace     []string        `json:"trace,omitempty"`
}

// WorkerResult is the worker's summary. Exit status 0 plus this file is a
// valid handshake even if every rule failed.
type WorkerResult struct {
	NSuccessful int `json:"n_successful"`

	// Failed is keyed "<region>/<policy>".
	Failed map[string]Failure `json:"failed"`
}

// FailureKey builds the result map key for one rule.
func FailureKey(location, policyName string) string {
	return fmt.Sprintf("%s/%s", location, policyName)
}

// WriteSpec materializes the worker spec into its region directory, creating
// the empty workspace the worker may write per-rule output into.
func WriteSpec(spec WorkerSpec) (string, error) {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worker dir: %w", err)
	}
	path := filepath.Join(spec.WorkDir, SpecFile)
	if err := writeJSON(path, spec); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSpec loads a worker spec file.
func ReadSpec(path string) (WorkerSpec, error) {
	var spec WorkerSpec
	err := readJSON(path, &spec)
	return spec, err
}

// ReadOutput loads everything a finished worker left behind.
func ReadOutput(workDir string) (WorkerResult, []shards.Part, []stats.Item, error) {
	var (
		result WorkerResult
		parts  []shards.Part
		items  []stats.Item
	)
	if err := readJSON(filepath.Join(workDir, ResultFile), &result); err != nil {
		return result, nil, nil, err
	}
	if err := readJSON(filepath.Join(workDir, PartsFile), &parts); err != nil {
		return result, nil, nil, err
	}
	if err := readJSON(filepath.Join(workDir, StatsFile), &items); err != nil {
		return result, nil, nil, err
	}
	return result, parts, items, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
