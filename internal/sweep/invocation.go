// internal/sweep/invocation.go
package sweep

import "strings"

// Invocation is the full argument list for one run: the fixed default
// argument groups followed by one "--name value" group per assignment.
type Invocation struct {
	Interpreter string
	Script      string
	groups      [][]string
}

// BuildInvocation merges defaults and a combination. Argument semantics are
// left to the server.
func BuildInvocation(interpreter, script string, defaults [][]string, set ParameterSet) Invocation {
	groups := make([][]string, 0, len(defaults)+len(set))
	for _, g := range defaults {
		groups = append(groups, append([]string(nil), g...))
	}
	for _, a := range set {
		groups = append(groups, []string{"--" + a.Name, a.Value.String()})
	}
	return Invocation{Interpreter: interpreter, Script: script, groups: groups}
}

// Groups returns a copy of the argument groups.
func (inv Invocation) Groups() [][]string {
	out := make([][]string, len(inv.groups))
	for i, g := range inv.groups {
		out[i] = append([]string(nil), g...)
	}
	return out
}

// Args flattens the groups into the server's argv (without interpreter
// and script).
func (inv Invocation) Args() []string {
	var args []string
	for _, g := range inv.groups {
		args = append(args, g...)
	}
	return args
}

// Argv is the complete process argv after the interpreter: "-u" disables
// output buffering so markers arrive as soon as they are printed.
func (inv Invocation) Argv() []string {
	return append([]string{"-u", inv.Script}, inv.Args()...)
}

// CommandLine renders the invocation for display.
func (inv Invocation) CommandLine() string {
	return strings.Join(append([]string{inv.Interpreter}, inv.Argv()...), " ")
}
