package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/clawinfra/skillmesh/internal/security"
)

// Executor runs one capability's provider. Implementations must be safe
// for concurrent use; the registry may call Execute from many goroutines
// while the capability is in shadow stage.
type Executor interface {
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
	HealthCheck(ctx context.Context) (bool, error)
	Shutdown(ctx context.Context) error
}

// BuiltInExecutor adapts a plain Go function to Executor, for capabilities
// compiled directly into this binary.
type BuiltInExecutor struct {
	Fn func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (e *BuiltInExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return e.Fn(ctx, input)
}

func (e *BuiltInExecutor) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (e *BuiltInExecutor) Shutdown(ctx context.Context) error            { return nil }

// ProcessExecutor runs a capability as a subprocess: the JSON input is
// written to stdin, and stdout is parsed as JSON (falling back to
// {"output": <raw text>} when stdout isn't valid JSON). Allowed is the
// command allowlist enforced on every call; the registry pins it to the
// registered provider binary when it rehydrates one of these.
type ProcessExecutor struct {
	Command string
	Args    []string
	Dir     string
	Allowed []string
	Timeout time.Duration
}

func (e *ProcessExecutor) run(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := security.ValidateCommand(e.Command, e.Allowed); err != nil {
		return nil, fmt.Errorf("command rejected: %w", err)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", e.Command, err, strings.TrimSpace(stderr.String()))
	}

	return parseProcessOutput(stdout.Bytes()), nil
}

func (e *ProcessExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return e.run(ctx, input)
}

func (e *ProcessExecutor) HealthCheck(ctx context.Context) (bool, error) {
	_, err := exec.LookPath(e.Command)
	return err == nil, nil
}

func (e *ProcessExecutor) Shutdown(ctx context.Context) error { return nil }

// ScriptExecutor runs a capability as an interpreted script file. The
// interpreter is inferred from the script's extension unless set
// explicitly, and must be one of the known interpreters. When
// WorkspaceDir is set the script path must resolve inside it.
type ScriptExecutor struct {
	ScriptPath   string
	Interpreter  string
	WorkspaceDir string
	Timeout      time.Duration
}

// scriptInterpreters is the interpreter allowlist for script-backed
// capabilities.
var scriptInterpreters = []string{"python3", "node", "ruby", "bash"}

func interpreterForExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python3"
	case ".js":
		return "node"
	case ".rb":
		return "ruby"
	case ".sh", ".bash":
		return "bash"
	default:
		return "bash"
	}
}

func (e *ScriptExecutor) interpreter() string {
	if e.Interpreter != "" {
		return e.Interpreter
	}
	return interpreterForExtension(e.ScriptPath)
}

func (e *ScriptExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := security.ValidateCommand(e.interpreter(), scriptInterpreters); err != nil {
		return nil, fmt.Errorf("interpreter rejected: %w", err)
	}
	if err := security.ValidatePath(e.ScriptPath, e.WorkspaceDir, nil, nil, e.WorkspaceDir != ""); err != nil {
		return nil, fmt.Errorf("script path rejected: %w", err)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.interpreter(), e.ScriptPath)
	cmd.Env = append(os.Environ(), "CAPABILITY_INPUT="+string(payload))
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", e.ScriptPath, err, strings.TrimSpace(stderr.String()))
	}

	return parseProcessOutput(stdout.Bytes()), nil
}

func (e *ScriptExecutor) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := os.Stat(e.ScriptPath); err != nil {
		return false, nil
	}
	if _, err := exec.LookPath(e.interpreter()); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *ScriptExecutor) Shutdown(ctx context.Context) error { return nil }

func parseProcessOutput(raw []byte) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return map[string]any{"output": strings.TrimSpace(string(raw))}
}
