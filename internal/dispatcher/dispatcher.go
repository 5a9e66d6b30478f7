// Package dispatcher hosts the sandboxed, deterministic scripting
// environment that runs a skill's script body with tool-calling
// capabilities, resource limits, and per-call tracking.
//
// Skills are go.starlark.net scripts: a hermetic dialect with no ambient
// I/O and bounded recursion, so the only way a script reaches outside
// state is through the tool-executor callback.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/clawinfra/skillmesh/internal/model"
)

const (
	maxStringSize     = 1_000_000
	maxCollectionSize = 10_000
	maxCallDepth      = 64
	// maxExecutionSteps bounds total interpreter work, the backstop for
	// loops that never call a tool.
	maxExecutionSteps = 10_000_000
)

func init() {
	// Scripts may not define recursive functions; explicit depth is
	// additionally checked in the tool-call builtins via
	// thread.CallStackDepth().
	resolve.AllowRecursion = false
	// Skill scripts are flat sequences of steps, so top-level if/for
	// statements (and the global rebinding they imply) are allowed.
	resolve.AllowGlobalReassign = true
}

// ToolExecutor invokes one tool by name with JSON-shaped parameters and
// returns a JSON-shaped result.
type ToolExecutor func(ctx context.Context, name string, params map[string]any) (map[string]any, error)

// ToolCallRecord is one tool invocation made by a script during a single
// Execute call, in call order.
type ToolCallRecord struct {
	ToolName string
	Params   map[string]any
	Result   map[string]any
	Success  bool
}

// DispatchResult is the outcome of running one skill script.
type DispatchResult struct {
	Output    any
	ToolCalls []ToolCallRecord
	Success   bool
	Error     string
}

// Dispatcher executes skill scripts. It holds no state between calls; a
// single Dispatcher is safe for concurrent use across goroutines since
// each Execute call builds its own Starlark thread.
type Dispatcher struct {
	logger *slog.Logger
}

// New creates a Dispatcher logging through the given logger.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Execute compiles and runs a skill script with the given user input and
// context variables, routing every call_tool/call_tool_json invocation
// (and the convenience wrappers) through toolExecutor.
func (d *Dispatcher) Execute(ctx context.Context, script, userInput string, contextVars map[string]any, toolExecutor ToolExecutor) (DispatchResult, error) {
	if err := checkStringSize(script); err != nil {
		return DispatchResult{}, err
	}

	var mu sync.Mutex
	var calls []ToolCallRecord
	var output any
	var outputSet bool

	record := func(name string, params, result map[string]any, success bool) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, ToolCallRecord{ToolName: name, Params: params, Result: result, Success: success})
	}

	callTool := func(thread *starlark.Thread, name string, params map[string]any) (map[string]any, bool) {
		if thread.CallStackDepth() > maxCallDepth {
			record(name, params, map[string]any{"error": "call depth exceeded"}, false)
			return map[string]any{"error": "call depth exceeded"}, false
		}
		d.logger.Debug("skill script calling tool", "tool", name)
		result, err := toolExecutor(ctx, name, params)
		if err != nil {
			errResult := map[string]any{"error": err.Error()}
			record(name, params, errResult, false)
			return errResult, false
		}
		record(name, params, result, true)
		return result, true
	}

	thread := &starlark.Thread{
		Name: "skill",
		Print: func(_ *starlark.Thread, msg string) {
			d.logger.Info(msg, "source", "skill.star")
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	predeclared := starlark.StringDict{
		"user_input": starlark.String(userInput),
	}
	for k, v := range contextVars {
		sv, err := jsonToStarlark(v)
		if err != nil {
			return DispatchResult{}, err
		}
		predeclared[k] = sv
	}

	setOutput := func(v any) { outputSet = true; output = v }

	registerCallTool(predeclared, callTool)
	registerConvenienceBuiltins(predeclared, callTool)
	registerOutputBuiltins(predeclared, setOutput)
	registerUtilityBuiltins(ctx, predeclared, d.logger)

	globals, err := starlark.ExecFile(thread, "skill.star", script, predeclared)
	if err != nil {
		errStr := err.Error()
		d.logger.Warn("skill script execution failed", "error", errStr)
		return DispatchResult{
			Output:    map[string]any{"error": errStr},
			ToolCalls: calls,
			Success:   false,
			Error:     errStr,
		}, nil
	}

	finalOutput := output
	if !outputSet {
		finalOutput = fallbackOutput(globals)
	}

	return DispatchResult{
		Output:    finalOutput,
		ToolCalls: calls,
		Success:   true,
	}, nil
}

// fallbackOutput looks for a conventional "output" or "result" global when
// the script never called set_output. Starlark is statement-oriented at
// top level, so there is no final-expression value to fall back to.
func fallbackOutput(globals starlark.StringDict) any {
	for _, name := range []string{"output", "result"} {
		if v, ok := globals[name]; ok {
			if conv, err := starlarkToJSON(v); err == nil {
				return conv
			}
		}
	}
	return nil
}

func checkStringSize(s string) error {
	if len(s) > maxStringSize {
		return &model.ResourceLimitError{Limit: "string_size", Bound: maxStringSize, Observed: len(s)}
	}
	return nil
}
