package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

// module is a minimal starlark.Value exposing a fixed attribute set, used to
// predeclare the handful of library surfaces the capability allowlist
// grants: json and math. It deliberately does not implement load() or any
// mechanism for reaching outside this fixed set.
type module struct {
	name  string
	attrs starlark.StringDict
}

var _ starlark.Value = (*module)(nil)
var _ starlark.HasAttrs = (*module)(nil)

func (m *module) String() string        { return fmt.Sprintf("<module %q>", m.name) }
func (m *module) Type() string          { return "module" }
func (m *module) Freeze()               {}
func (m *module) Truth() starlark.Bool  { return starlark.True }
func (m *module) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module") }

func (m *module) Attr(name string) (starlark.Value, error) {
	if v, ok := m.attrs[name]; ok {
		return v, nil
	}
	return nil, nil
}

func (m *module) AttrNames() []string {
	names := make([]string, 0, len(m.attrs))
	for n := range m.attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func jsonModule() *module {
	return &module{
		name: "json",
		attrs: starlark.StringDict{
			"encode": starlark.NewBuiltin("json.encode", jsonEncode),
			"decode": starlark.NewBuiltin("json.decode", jsonDecode),
		},
	}
}

func jsonEncode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs("json.encode", args, kwargs, "value", &v); err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(goVal)
	if err != nil {
		return nil, err
	}
	return starlark.String(raw), nil
}

func jsonDecode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs("json.decode", args, kwargs, "text", &s); err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return toStarlarkValue(v)
}

func mathModule() *module {
	return &module{
		name: "math",
		attrs: starlark.StringDict{
			"pi":    starlark.Float(math.Pi),
			"e":     starlark.Float(math.E),
			"sqrt":  starlark.NewBuiltin("math.sqrt", mathUnary(math.Sqrt)),
			"floor": starlark.NewBuiltin("math.floor", mathUnary(math.Floor)),
			"ceil":  starlark.NewBuiltin("math.ceil", mathUnary(math.Ceil)),
			"pow":   starlark.NewBuiltin("math.pow", mathBinary(math.Pow)),
			"log":   starlark.NewBuiltin("math.log", mathUnary(math.Log)),
			"abs":   starlark.NewBuiltin("math.abs", mathUnary(math.Abs)),
		},
	}
}

func mathUnary(fn func(float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x float64
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x); err != nil {
			return nil, err
		}
		return starlark.Float(fn(x)), nil
	}
}

func mathBinary(fn func(float64, float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y float64
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x, "y", &y); err != nil {
			return nil, err
		}
		return starlark.Float(fn(x, y)), nil
	}
}
