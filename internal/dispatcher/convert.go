package dispatcher

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/clawinfra/skillmesh/internal/model"
)

// jsonToStarlark converts a decoded JSON value (as produced by
// encoding/json.Unmarshal into any) into a Starlark value, enforcing the
// dispatcher's string and collection size limits as it recurses.
func jsonToStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		if err := checkStringSize(val); err != nil {
			return nil, err
		}
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case []any:
		if len(val) > maxCollectionSize {
			return nil, &model.ResourceLimitError{Limit: "array_size", Bound: maxCollectionSize, Observed: len(val)}
		}
		items := make([]starlark.Value, 0, len(val))
		for _, item := range val {
			sv, err := jsonToStarlark(item)
			if err != nil {
				return nil, err
			}
			items = append(items, sv)
		}
		return starlark.NewList(items), nil
	case map[string]any:
		if len(val) > maxCollectionSize {
			return nil, &model.ResourceLimitError{Limit: "map_size", Bound: maxCollectionSize, Observed: len(val)}
		}
		d := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := jsonToStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported JSON value type %T", v)
	}
}

// starlarkToJSON converts a Starlark value into a plain Go value suitable
// for encoding/json, with the same size limits as the inbound direction.
func starlarkToJSON(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		f := val.Float()
		return float64(f), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		s := string(val)
		if err := checkStringSize(s); err != nil {
			return nil, err
		}
		return s, nil
	case *starlark.List:
		if val.Len() > maxCollectionSize {
			return nil, &model.ResourceLimitError{Limit: "array_size", Bound: maxCollectionSize, Observed: val.Len()}
		}
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := starlarkToJSON(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := starlarkToJSON(val[i])
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case *starlark.Dict:
		if val.Len() > maxCollectionSize {
			return nil, &model.ResourceLimitError{Limit: "map_size", Bound: maxCollectionSize, Observed: val.Len()}
		}
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			conv, err := starlarkToJSON(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	default:
		return val.String(), nil
	}
}
