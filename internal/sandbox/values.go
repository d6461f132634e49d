package sandbox

import (
	"fmt"
	"reflect"

	"github.com/reusee/starlarkutil"
	"go.starlark.net/starlark"
)

// toStarlarkValue converts a Go value into its Starlark equivalent for
// passing arguments into a tool's namespace. Values outside the supported
// set return an error rather than panicking, since the input here
// ultimately originates from untrusted caller-supplied JSON.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch v := v.(type) {

	case nil:
		return starlark.None, nil

	case bool:
		return starlark.Bool(v), nil

	case []byte:
		return starlark.Bytes(v), nil
	case string:
		return starlark.String(v), nil

	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil

	case float32:
		return starlark.Float(v), nil
	case float64:
		return starlark.Float(v), nil

	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := toStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil

	case map[string]any:
		d := starlark.NewDict(len(v))
		for k, val := range v {
			sv, err := toStarlarkValue(val)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}

	value := reflect.ValueOf(v)
	switch value.Kind() {

	case reflect.Bool:
		return starlark.Bool(value.Bool()), nil

	case reflect.String:
		return starlark.String(value.String()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return starlark.MakeInt(int(value.Int())), nil
	case reflect.Int64:
		return starlark.MakeInt64(value.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return starlark.MakeUint(uint(value.Uint())), nil
	case reflect.Uint64:
		return starlark.MakeUint64(value.Uint()), nil

	case reflect.Float32, reflect.Float64:
		return starlark.Float(value.Float()), nil

	case reflect.Slice, reflect.Array:
		l := value.Len()
		elems := make([]starlark.Value, l)
		for i := 0; i < l; i++ {
			sv, err := toStarlarkValue(value.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil

	case reflect.Map:
		d := starlark.NewDict(value.Len())
		iter := value.MapRange()
		for iter.Next() {
			kv, err := toStarlarkValue(iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			vv, err := toStarlarkValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(kv, vv); err != nil {
				return nil, err
			}
		}
		return d, nil

	case reflect.Pointer, reflect.Interface:
		elem := value.Elem()
		if !elem.IsValid() {
			return starlark.None, nil
		}
		return toStarlarkValue(elem.Interface())

	case reflect.Func:
		return starlarkutil.MakeFunc("", value.Interface()), nil
	}

	return nil, fmt.Errorf("sandbox: unsupported argument type %T", v)
}

// fromStarlarkValue converts a Starlark value back into a plain Go value
// (bool, int64, float64, string, []any, map[string]any, nil) suitable for
// JSON-encoding a tool's return value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		f := v.Float()
		return float64(f), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return string(v), nil
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := fromStarlarkValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := fromStarlarkValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				k = item[0].String()
			}
			val, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case *starlark.Set:
		out := make([]any, 0, v.Len())
		iter := v.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			ev, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("sandbox: unsupported return value type %s", v.Type())
	}
}
