package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.starlark.net/starlark"
)

// callToolFunc is the shape callTool closures in Execute satisfy: invoke a
// tool by name with JSON-shaped params, returning its JSON-shaped result and
// whether the call succeeded.
type callToolFunc func(thread *starlark.Thread, name string, params map[string]any) (map[string]any, bool)

func toStarlarkDict(m map[string]any) (starlark.Value, error) {
	return jsonToStarlark(m)
}

func paramsFromDict(d *starlark.Dict) (map[string]any, error) {
	v, err := starlarkToJSON(d)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}

// registerCallTool installs call_tool(name, params) and
// call_tool_json(name, json_string), the two general-purpose entry points a
// skill script uses to invoke registered capabilities.
func registerCallTool(predeclared starlark.StringDict, callTool callToolFunc) {
	predeclared["call_tool"] = starlark.NewBuiltin("call_tool", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var paramsVal starlark.Value = starlark.NewDict(0)
		if err := starlark.UnpackArgs("call_tool", args, kwargs, "name", &name, "params?", &paramsVal); err != nil {
			return nil, err
		}
		params := map[string]any{}
		if d, ok := paramsVal.(*starlark.Dict); ok {
			p, err := paramsFromDict(d)
			if err != nil {
				return nil, err
			}
			params = p
		}
		result, _ := callTool(thread, name, params)
		return toStarlarkDict(result)
	})

	predeclared["call_tool_json"] = starlark.NewBuiltin("call_tool_json", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, paramsJSON string
		if err := starlark.UnpackArgs("call_tool_json", args, kwargs, "name", &name, "params_json", &paramsJSON); err != nil {
			return nil, err
		}
		params := map[string]any{}
		_ = json.Unmarshal([]byte(paramsJSON), &params)
		result, _ := callTool(thread, name, params)
		return toStarlarkDict(result)
	})
}

// convenienceTool describes one thin, fixed-shape wrapper around call_tool:
// a script calls read_file("x.txt") instead of
// call_tool("read_file", {"path": "x.txt"}).
type convenienceTool struct {
	name    string
	toolID  string
	argKeys []string
}

var convenienceTools = []convenienceTool{
	{"exec", "exec", []string{"command"}},
	{"web_search", "web_search", []string{"query"}},
	{"web_fetch", "web_fetch", []string{"url"}},
	{"read_file", "read_file", []string{"path"}},
	{"write_file", "write_file", []string{"path", "content"}},
	{"http_request", "http_request", []string{"url", "method"}},
	{"message", "message", []string{"text"}},
}

// registerConvenienceBuiltins installs thin fixed-arity wrappers for the
// tools a skill reaches for most often. Each is recorded in the dispatch
// result identically to an equivalent call_tool invocation.
func registerConvenienceBuiltins(predeclared starlark.StringDict, callTool callToolFunc) {
	for _, ct := range convenienceTools {
		ct := ct
		predeclared[ct.name] = starlark.NewBuiltin(ct.name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if args.Len() > len(ct.argKeys) {
				return nil, fmt.Errorf("%s: too many arguments", ct.name)
			}
			params := make(map[string]any, len(ct.argKeys))
			for i := 0; i < args.Len(); i++ {
				s, ok := starlark.AsString(args[i])
				if !ok {
					s = args[i].String()
				}
				params[ct.argKeys[i]] = s
			}
			result, _ := callTool(thread, ct.toolID, params)
			return toStarlarkDict(result)
		})
	}
}

// registerOutputBuiltins installs set_output and set_output_json, the two
// ways a script commits its final result. Last writer wins.
func registerOutputBuiltins(predeclared starlark.StringDict, setOutput func(any)) {
	predeclared["set_output"] = starlark.NewBuiltin("set_output", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackArgs("set_output", args, kwargs, "value", &v); err != nil {
			return nil, err
		}
		conv, err := starlarkToJSON(v)
		if err != nil {
			return nil, err
		}
		setOutput(conv)
		return starlark.None, nil
	})

	predeclared["set_output_json"] = starlark.NewBuiltin("set_output_json", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs("set_output_json", args, kwargs, "json_str", &s); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			setOutput(s)
			return starlark.None, nil
		}
		setOutput(v)
		return starlark.None, nil
	})
}

// registerUtilityBuiltins installs the remaining built-ins every skill
// script can use: error inspection, logging, JSON conversion, a single
// bounded suspension point, and a clock.
func registerUtilityBuiltins(ctx context.Context, predeclared starlark.StringDict, logger *slog.Logger) {
	predeclared["is_error"] = starlark.NewBuiltin("is_error", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackArgs("is_error", args, kwargs, "value", &v); err != nil {
			return nil, err
		}
		d, ok := v.(*starlark.Dict)
		if !ok {
			return starlark.Bool(false), nil
		}
		_, found, _ := d.Get(starlark.String("error"))
		return starlark.Bool(found), nil
	})

	predeclared["get_field"] = starlark.NewBuiltin("get_field", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		var key string
		var fallback starlark.Value = starlark.None
		if err := starlark.UnpackArgs("get_field", args, kwargs, "value", &v, "key", &key, "default?", &fallback); err != nil {
			return nil, err
		}
		d, ok := v.(*starlark.Dict)
		if !ok {
			return fallback, nil
		}
		item, found, err := d.Get(starlark.String(key))
		if err != nil || !found {
			return fallback, nil
		}
		return item, nil
	})

	predeclared["log"] = starlark.NewBuiltin("log", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackArgs("log", args, kwargs, "message", &msg); err != nil {
			return nil, err
		}
		logger.Info(msg, "source", "skill.star")
		return starlark.None, nil
	})

	predeclared["log_warn"] = starlark.NewBuiltin("log_warn", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackArgs("log_warn", args, kwargs, "message", &msg); err != nil {
			return nil, err
		}
		logger.Warn(msg, "source", "skill.star")
		return starlark.None, nil
	})

	predeclared["to_json"] = starlark.NewBuiltin("to_json", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackArgs("to_json", args, kwargs, "value", &v); err != nil {
			return nil, err
		}
		conv, err := starlarkToJSON(v)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(conv)
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	})

	predeclared["from_json"] = starlark.NewBuiltin("from_json", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs("from_json", args, kwargs, "json_str", &s); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("from_json: %w", err)
		}
		return jsonToStarlark(v)
	})

	predeclared["sleep_ms"] = starlark.NewBuiltin("sleep_ms", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		if err := starlark.UnpackArgs("sleep_ms", args, kwargs, "n", &n); err != nil {
			return nil, err
		}
		if n < 0 || n > 10_000 {
			return starlark.None, nil
		}
		timer := time.NewTimer(time.Duration(n) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return starlark.None, nil
	})

	predeclared["timestamp"] = starlark.NewBuiltin("timestamp", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return starlark.MakeInt64(time.Now().Unix()), nil
	})
}
