package source

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/lsm/seqimport/internal/clef"
)

// Filter decides which converted events are imported. The expression sees
// the event as `event` (a map in the output shape) and the 1-based input
// line number as `line`, and must evaluate to a bool.
type Filter struct {
	expr    string
	program cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil Filter, which
// matches every event.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("line", cel.IntType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prg}, nil
}

// Match evaluates the filter against an event.
func (f *Filter) Match(event *clef.Object, line int) (bool, error) {
	if f == nil {
		return true, nil
	}
	m, err := event.Map()
	if err != nil {
		return false, err
	}
	out, _, err := f.program.Eval(map[string]any{
		"event": m,
		"line":  int64(line),
	})
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.expr, out.Value())
	}
	return b, nil
}
