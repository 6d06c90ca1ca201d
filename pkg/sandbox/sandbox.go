// Package sandbox evaluates compiled boolean/numeric expressions and
// {{path}} templates in an isolated context. Expressions see only the scope
// variables, with no host I/O, filesystem, network, or reflection. Failures
// fail closed: booleans evaluate to false, numbers to NaN, templates render
// placeholders.
package sandbox

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Default hard wall-clock timeouts.
const (
	DefaultEvalTimeout     = 100 * time.Millisecond
	DefaultTemplateTimeout = 50 * time.Millisecond
)

// Evaluator compiles and runs sandboxed expressions. The zero value is not
// usable; construct with NewEvaluator.
type Evaluator struct {
	evalTimeout     time.Duration
	templateTimeout time.Duration
}

// NewEvaluator creates an evaluator with the default timeouts.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		evalTimeout:     DefaultEvalTimeout,
		templateTimeout: DefaultTemplateTimeout,
	}
}

// EvaluateBool runs a boolean expression against the scope. Any failure
// (compile error, runtime error, non-boolean result, timeout) returns false.
func (e *Evaluator) EvaluateBool(code string, scope map[string]any) bool {
	out, err := e.run(code, scope, e.evalTimeout)
	if err != nil {
		slog.Warn("Sandbox boolean evaluation failed", "expr", code, "error", err)
		return false
	}
	b, ok := out.(bool)
	if !ok {
		slog.Warn("Sandbox expression did not yield a boolean", "expr", code)
		return false
	}
	return b
}

// EvaluateNumber runs a numeric expression against the scope. Any failure
// returns NaN.
func (e *Evaluator) EvaluateNumber(code string, scope map[string]any) float64 {
	out, err := e.run(code, scope, e.evalTimeout)
	if err != nil {
		slog.Warn("Sandbox numeric evaluation failed", "expr", code, "error", err)
		return math.NaN()
	}
	f, ok := AsFloat(out)
	if !ok {
		slog.Warn("Sandbox expression did not yield a number", "expr", code)
		return math.NaN()
	}
	return f
}

func (e *Evaluator) run(code string, scope map[string]any, timeout time.Duration) (any, error) {
	if scope == nil {
		scope = map[string]any{}
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return runWithDeadline(program, scope, timeout)
}

// runWithDeadline executes the program in its own goroutine and abandons it
// past the deadline. expr programs cannot block on I/O, so an abandoned
// evaluation can only burn CPU until it finishes.
func runWithDeadline(program *vm.Program, scope map[string]any, timeout time.Duration) (any, error) {
	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := expr.Run(program, scope)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("evaluation exceeded %v", timeout)
	}
}

var templateRef = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// RenderTemplate replaces every {{ path }} with the stringified result of
// resolving path against the scope. Unresolved paths render as <path>.
// Rendering past the template deadline leaves remaining references as
// placeholders.
func (e *Evaluator) RenderTemplate(template string, scope map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	deadline := time.Now().Add(e.templateTimeout)
	return templateRef.ReplaceAllStringFunc(template, func(ref string) string {
		path := strings.TrimSpace(templateRef.FindStringSubmatch(ref)[1])
		if time.Now().After(deadline) {
			return "<" + path + ">"
		}
		v, ok := Resolve(scope, path)
		if !ok || v == nil {
			return "<" + path + ">"
		}
		return Stringify(v)
	})
}

// Stringify renders a resolved value for template output.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Render integral floats without the trailing ".0" JSON decoding adds.
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// AsFloat coerces numeric types to float64.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
