package evolution

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/clawinfra/skillmesh/internal/dispatcher"
	"github.com/clawinfra/skillmesh/internal/registry"
)

// SkillExecutor runs an evolved skill's script through the dispatcher,
// routing the script's tool calls back into the registry. It is the
// executor variant the service binds when a rollout deploys a patch.
type SkillExecutor struct {
	SkillName  string
	ScriptPath string
	Dispatcher *dispatcher.Dispatcher
	Registry   *registry.Registry
}

// NewSkillExecutorFactory returns the ExecutorFactory the default wiring
// hands to NewService.
func NewSkillExecutorFactory(disp *dispatcher.Dispatcher, reg *registry.Registry) ExecutorFactory {
	return func(skillName, scriptPath string) registry.Executor {
		return &SkillExecutor{
			SkillName:  skillName,
			ScriptPath: scriptPath,
			Dispatcher: disp,
			Registry:   reg,
		}
	}
}

func (e *SkillExecutor) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	script, err := os.ReadFile(e.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read skill script: %w", err)
	}

	userInput, _ := input["input"].(string)
	contextVars := map[string]any{"params": input}

	result, err := e.Dispatcher.Execute(ctx, string(script), userInput, contextVars,
		func(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
			return e.Registry.Execute(ctx, name, params)
		})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, errors.New(result.Error)
	}

	if m, ok := result.Output.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"output": result.Output}, nil
}

func (e *SkillExecutor) HealthCheck(ctx context.Context) (bool, error) {
	_, err := os.Stat(e.ScriptPath)
	return err == nil, nil
}

func (e *SkillExecutor) Shutdown(ctx context.Context) error { return nil }
