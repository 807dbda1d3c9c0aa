// Package script embeds the user-facing scripting runtime. Scripts are
// JavaScript evaluated on a goja runtime; the three entry points the harness
// calls are generate_data(i, n) on the host, execute_code() on each worker,
// and interpret_results() on the host after all results arrived.
//
// An Engine is not safe for concurrent use. Each host job creates a fresh
// Engine; each worker owns one long-lived Engine that is reset by evaluating
// the next Code message.
package script

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dop251/goja"

	"github.com/oriys/midas/internal/table"
)

const (
	// FuncGenerateData is called on the host once per participant slot.
	FuncGenerateData = "generate_data"
	// FuncExecuteCode is called on each worker with global_data bound.
	FuncExecuteCode = "execute_code"
	// FuncInterpretResults is called on the host with results bound.
	FuncInterpretResults = "interpret_results"

	// GlobalData is the worker-side input binding.
	GlobalData = "global_data"
	// GlobalResults is the host-side aggregation binding, indexed 1..n.
	GlobalResults = "results"
)

// LoadError marks a parse or top-level evaluation failure of user source.
type LoadError struct{ Err error }

func (e *LoadError) Error() string { return "script load: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// CallError marks an exception raised inside one of the script entry points.
type CallError struct {
	Func string
	Err  error
}

func (e *CallError) Error() string { return "script call " + e.Func + ": " + e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Engine wraps one goja runtime.
type Engine struct {
	vm *goja.Runtime
}

// New creates an empty runtime with no user source loaded.
func New() *Engine {
	return &Engine{vm: goja.New()}
}

// Load evaluates user source at top level, defining the script's functions
// and any globals it sets up. Failures leave previously-loaded definitions in
// place: the host aborts its job, while a worker reports the error and keeps
// whatever definitions it had.
func (e *Engine) Load(source string) error {
	if _, err := e.vm.RunString(source); err != nil {
		return &LoadError{Err: err}
	}
	return nil
}

// Bind installs a native function or value under a global name. Used by the
// worker to expose _print, _progress and _check.
func (e *Engine) Bind(name string, v any) error {
	return e.vm.Set(name, v)
}

// Has reports whether a global function with the given name is defined.
func (e *Engine) Has(name string) bool {
	_, ok := goja.AssertFunction(e.vm.Get(name))
	return ok
}

// Interrupt aborts the currently running script with v as the interrupt
// value. Safe to call from the goroutine running the script (a native
// binding) or from another goroutine.
func (e *Engine) Interrupt(v any) { e.vm.Interrupt(v) }

// ClearInterrupt re-arms the runtime after an interrupt was delivered.
func (e *Engine) ClearInterrupt() { e.vm.ClearInterrupt() }

// InterruptValue extracts the value passed to Interrupt if err is the
// resulting unwind, and reports whether it was one.
func InterruptValue(err error) (any, bool) {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return ie.Value(), true
	}
	return nil, false
}

// SetGlobalData binds t under the global_data name, replacing any previous
// binding.
func (e *Engine) SetGlobalData(t table.Table) error {
	return e.vm.Set(GlobalData, e.tableToObject(t))
}

// SetResults binds the per-participant result tables under the results
// global. Slot i of started_with lands at results[i+1]; results[0] is null so
// the script indexes 1..n.
func (e *Engine) SetResults(tables []table.Table) error {
	elems := make([]any, 0, len(tables)+1)
	elems = append(elems, goja.Null())
	for _, t := range tables {
		elems = append(elems, e.tableToObject(t))
	}
	return e.vm.Set(GlobalResults, e.vm.NewArray(elems...))
}

// GenerateData calls generate_data(i, n) and converts its return to a Table.
func (e *Engine) GenerateData(i, n int) (table.Table, error) {
	v, err := e.call(FuncGenerateData, e.vm.ToValue(i), e.vm.ToValue(n))
	if err != nil {
		return nil, err
	}
	t, err := e.toTable(v)
	if err != nil {
		return nil, &CallError{Func: FuncGenerateData, Err: err}
	}
	return t, nil
}

// ExecuteCode calls execute_code() and converts its return to a Table.
func (e *Engine) ExecuteCode() (table.Table, error) {
	v, err := e.call(FuncExecuteCode)
	if err != nil {
		return nil, err
	}
	t, err := e.toTable(v)
	if err != nil {
		return nil, &CallError{Func: FuncExecuteCode, Err: err}
	}
	return t, nil
}

// InterpretResults calls interpret_results() and returns its string value.
func (e *Engine) InterpretResults() (string, error) {
	v, err := e.call(FuncInterpretResults)
	if err != nil {
		return "", err
	}
	return v.ToString().String(), nil
}

func (e *Engine) call(name string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil, &CallError{Func: name, Err: fmt.Errorf("function %q is not defined", name)}
	}
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		if _, interrupted := InterruptValue(err); interrupted {
			return nil, err
		}
		return nil, &CallError{Func: name, Err: err}
	}
	return v, nil
}

func (e *Engine) tableToObject(t table.Table) *goja.Object {
	obj := e.vm.NewObject()
	for _, entry := range t {
		obj.Set(entry.Key.String(), e.vm.ToValue(entry.Val.Interface()))
	}
	return obj
}

// toTable converts a script return value into a Table. The value must be an
// object whose own enumerable properties are all scalars.
func (e *Engine) toTable(v goja.Value) (table.Table, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("return value must be a table")
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("return value must be a table, got %s", v.ExportType())
	}
	keys := obj.Keys()
	entries := make([]table.Entry, 0, len(keys))
	for _, k := range keys {
		val, err := table.FromInterface(obj.Get(k).Export())
		if err != nil {
			return nil, fmt.Errorf("table entry %q: %w", k, err)
		}
		entries = append(entries, table.Entry{Key: keyValue(k), Val: val})
	}
	t, err := table.FromPairs(entries)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// keyValue maps a property name back to a scalar key. Numeric spellings keep
// their numeric identity so index-style keys survive the round trip.
func keyValue(k string) table.Value {
	if i, err := strconv.ParseInt(k, 10, 64); err == nil {
		return table.Int(i)
	}
	if f, err := strconv.ParseFloat(k, 64); err == nil {
		return table.Float(f)
	}
	return table.String(k)
}
