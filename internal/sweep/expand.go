// internal/sweep/expand.go
package sweep

import (
	"encoding/json"
	"sort"
	"strings"
)

// ParameterSpec declares one swept parameter. Either Values or the
// From/To range must be set, never both. Step defaults to 1 when nil.
type ParameterSpec struct {
	Name   string
	Values []Value
	From   *float64
	To     *float64
	Step   *float64
}

// Assignment binds one parameter name to one value.
type Assignment struct {
	Name  string
	Value Value
}

// ParameterSet is one combination: a value for every swept parameter, in
// the order the parameters were first declared.
type ParameterSet []Assignment

// Key serializes the set independently of assignment order. Two sets with
// the same name/value mapping share a key.
func (s ParameterSet) Key() string {
	parts := make([]string, 0, len(s))
	for _, a := range s {
		parts = append(parts, a.Name+"="+a.Value.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x00")
}

// Get returns the value assigned to name.
func (s ParameterSet) Get(name string) (Value, bool) {
	for _, a := range s {
		if a.Name == name {
			return a.Value, true
		}
	}
	return Value{}, false
}

// Args renders the set as "--name value" pairs.
func (s ParameterSet) Args() []string {
	args := make([]string, 0, len(s)*2)
	for _, a := range s {
		args = append(args, "--"+a.Name, a.Value.String())
	}
	return args
}

// String renders the set as a space separated flag list.
func (s ParameterSet) String() string {
	return strings.Join(s.Args(), " ")
}

// Map returns the set as a name to scalar map for serializers.
func (s ParameterSet) Map() map[string]any {
	m := make(map[string]any, len(s))
	for _, a := range s {
		m[a.Name] = a.Value.Interface()
	}
	return m
}

// MarshalJSON encodes the set as an object, numbers staying numbers.
func (s ParameterSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

// Materialize returns the ordered value list for one spec.
func (p ParameterSpec) Materialize() ([]Value, error) {
	if p.Name == "" {
		return nil, configErrorf("", "parameter name is required")
	}
	hasRange := p.From != nil || p.To != nil
	switch {
	case p.Values != nil && hasRange:
		return nil, configErrorf(p.Name, "set either values or from/to, not both")
	case p.Values != nil:
		return append([]Value(nil), p.Values...), nil
	case p.From == nil || p.To == nil:
		return nil, configErrorf(p.Name, "needs values or a from/to range")
	}

	step := 1.0
	if p.Step != nil {
		step = *p.Step
	}
	if step <= 0 {
		return nil, configErrorf(p.Name, "step must be positive, got %v", step)
	}

	// An inverted range yields nothing, which empties the whole product.
	values := []Value{}
	for i := *p.From; i <= *p.To; i += step {
		values = append(values, Number(round3(i)))
	}
	return values, nil
}

// Expand materializes every spec and returns the deduplicated cartesian
// product. The first declared parameter varies fastest.
func Expand(specs []ParameterSpec) ([]ParameterSet, error) {
	var names []string
	byName := map[string][]Value{}
	for _, spec := range specs {
		values, err := spec.Materialize()
		if err != nil {
			return nil, err
		}
		if _, seen := byName[spec.Name]; !seen {
			names = append(names, spec.Name)
		}
		byName[spec.Name] = append(byName[spec.Name], values...)
	}

	product := []ParameterSet{{}}
	for _, name := range names {
		var next []ParameterSet
		for _, v := range byName[name] {
			for _, partial := range product {
				set := make(ParameterSet, len(partial), len(partial)+1)
				copy(set, partial)
				next = append(next, append(set, Assignment{Name: name, Value: v}))
			}
		}
		product = next
	}

	seen := make(map[string]struct{}, len(product))
	out := make([]ParameterSet, 0, len(product))
	for _, set := range product {
		key := set.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, set)
	}
	return out, nil
}
