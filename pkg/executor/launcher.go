package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// LaunchSpec is one worker invocation. Env is the complete child
// environment: the parent process environment is never mutated and never
// inherited implicitly.
type LaunchSpec struct {
	WorkDir  string
	SpecPath string
	Env      map[string]string
}

// ProcessLauncher spawns one worker and reports its exit code. Two
// implementations exist because the controller itself may run inside a
// managed worker pool that forbids spawning.
type ProcessLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// ExecLauncher re-executes the controller binary with the hidden worker
// subcommand. This is the default: the worker dies after its region and the
// kernel reclaims whatever the SDK clients leaked.
type ExecLauncher struct {
	// Binary overrides the executable to spawn; empty means self.
	Binary string
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	binary := l.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return -1, fmt.Errorf("failed to locate own binary: %w", err)
		}
		binary = self
	}

	cmd := exec.CommandContext(ctx, binary, "worker", "--spec", spec.SpecPath)
	cmd.Dir = spec.WorkDir
	cmd.Env = envSlice(spec.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to spawn worker: %w", err)
	}
	return 0, nil
}

// WorkerFunc runs a worker in the launching process.
type WorkerFunc func(ctx context.Context, specPath string, env map[string]string) error

// InprocLauncher runs the worker in-process for hosts that cannot exec.
// Memory containment is lost; correctness is not: the env map is passed
// explicitly instead of through the process environment.
type InprocLauncher struct {
	Run WorkerFunc
}

func (l *InprocLauncher) Launch(ctx context.Context, spec LaunchSpec) (int, error) {
	if err := l.Run(ctx, spec.SpecPath, spec.Env); err != nil {
		return 1, nil
	}
	return 0, nil
}

func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
