package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"
)

// TypeScriptRunner executes TypeScript or plain JavaScript in an
// embedded goja VM. goja's core runtime exposes no filesystem, network,
// or process APIs, so the injected helper globals are the only path out
// of the VM, and they cross the authenticated loopback proxy like any
// other client.
type TypeScriptRunner struct {
	logger *zap.Logger
}

// NewTypeScriptRunner creates a runner. A nil logger is replaced with a
// no-op logger.
func NewTypeScriptRunner(logger *zap.Logger) *TypeScriptRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeScriptRunner{logger: logger}
}

// Run transpiles and executes code. Console output lands in out. The
// returned error is a *RunError classifying compile failures, thrown
// exceptions, unhandled promise rejections, and deadline interrupts.
func (r *TypeScriptRunner) Run(ctx context.Context, code string, creds ProxyCredentials, out *OutputBuffer) error {
	compiled, err := transpileTypeScript(code)
	if err != nil {
		return err
	}

	program, err := goja.Compile("execution.js", compiled, false)
	if err != nil {
		return newRunError(ErrorCodeCompile, err.Error())
	}

	vm := goja.New()
	hardenVM(vm)
	if err := installConsole(vm, out); err != nil {
		return runErrorf(ErrorCodeRuntime, "failed to set up console: %v", err)
	}
	if err := installHelpers(ctx, vm, newProxyClient(creds)); err != nil {
		return runErrorf(ErrorCodeRuntime, "failed to install helpers: %v", err)
	}
	rejections := trackRejections(vm)

	done := make(chan error, 1)
	go func() {
		done <- runProgram(vm, program)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		return rejections.unhandled()
	case <-ctx.Done():
		// Interrupt stops the VM between instructions; wait for the
		// run goroutine so nothing touches the VM after we return.
		vm.Interrupt(context.Cause(ctx))
		<-done
		return newRunError(ErrorCodeTimeout, "execution deadline exceeded")
	}
}

// runProgram executes the compiled program and classifies the failure.
func runProgram(vm *goja.Runtime, program *goja.Program) error {
	_, err := vm.RunProgram(program)
	if err == nil {
		return nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return newRunError(ErrorCodeTimeout, "execution deadline exceeded")
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		message := "uncaught exception"
		if v := exception.Value(); v != nil {
			message = v.String()
		}
		return &RunError{Code: ErrorCodeRuntime, Message: message, Stack: exception.String()}
	}

	return newRunError(ErrorCodeRuntime, err.Error())
}

// transpileTypeScript lowers TypeScript (and modern JavaScript) to
// ES2017, which goja executes natively, async functions included.
func transpileTypeScript(code string) (string, error) {
	result := api.Transform(code, api.TransformOptions{
		Loader:  api.LoaderTS,
		Target:  api.ES2017,
		Charset: api.CharsetUTF8,
	})
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		if first.Location != nil {
			return "", runErrorf(ErrorCodeCompile, "%s (line %d)", first.Text, first.Location.Line)
		}
		return "", newRunError(ErrorCodeCompile, first.Text)
	}
	return string(result.Code), nil
}

// hardenVM pins the host-environment globals to undefined. goja itself
// ships no module loader or timers, but user code expecting node will
// probe for them; probing must see undefined, not a future surprise.
func hardenVM(vm *goja.Runtime) {
	for _, name := range []string{"require", "setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		vm.Set(name, goja.Undefined()) //nolint:errcheck // setting globals on a fresh VM cannot fail
	}
}

// installConsole wires console.log and friends into the output buffer.
// All levels collapse into the same capture; the agent sees one stream.
func installConsole(vm *goja.Runtime, out *OutputBuffer) error {
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, formatConsoleValue(arg))
		}
		out.WriteLine(strings.Join(parts, " "))
		return goja.Undefined()
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, write); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// formatConsoleValue renders one console argument: strings bare,
// objects and arrays as JSON, everything else via String().
func formatConsoleValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	switch exported := v.Export().(type) {
	case string:
		return exported
	case map[string]interface{}, []interface{}:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// installHelpers binds the four sandbox helper globals. Helper failures
// are thrown as JS exceptions carrying the proxy's error text, so user
// code can catch them and read the same message the proxy produced.
func installHelpers(ctx context.Context, vm *goja.Runtime, client *proxyClient) error {
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	callMCPTool := func(call goja.FunctionCall) goja.Value {
		if goja.IsUndefined(call.Argument(0)) {
			throw(errors.New("callMCPTool requires a tool name"))
		}
		name := call.Argument(0).String()
		params, err := exportParams(call.Argument(1))
		if err != nil {
			throw(fmt.Errorf("callMCPTool params %w", err))
		}
		result, err := client.CallTool(ctx, name, params)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(result)
	}

	discoverMCPTools := func(call goja.FunctionCall) goja.Value {
		search, err := exportSearchOption(call.Argument(0))
		if err != nil {
			throw(err)
		}
		tools, err := client.DiscoverTools(ctx, search)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(tools)
	}

	getToolSchema := func(call goja.FunctionCall) goja.Value {
		schema, err := client.GetToolSchema(ctx, call.Argument(0).String())
		if err != nil {
			throw(err)
		}
		if schema == nil {
			return goja.Null()
		}
		return vm.ToValue(schema)
	}

	searchTools := func(call goja.FunctionCall) goja.Value {
		query := call.Argument(0).String()
		limit := int(call.Argument(1).ToInteger())
		tools, err := client.SearchTools(ctx, query, limit)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(tools)
	}

	helpers := map[string]func(goja.FunctionCall) goja.Value{
		"callMCPTool":      callMCPTool,
		"discoverMCPTools": discoverMCPTools,
		"getToolSchema":    getToolSchema,
		"searchTools":      searchTools,
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// exportParams converts a JS argument into tool-call params. Missing
// and null arguments become an empty map.
func exportParams(v goja.Value) (map[string]interface{}, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]interface{}{}, nil
	}
	params, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, errors.New("must be an object")
	}
	return params, nil
}

// exportSearchOption pulls options.search out of the discoverMCPTools
// argument: a string becomes one term, an array its elements.
func exportSearchOption(v goja.Value) ([]string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	options, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, errors.New("discoverMCPTools options must be an object")
	}
	raw, present := options["search"]
	if !present || raw == nil {
		return nil, nil
	}
	switch search := raw.(type) {
	case string:
		return []string{search}, nil
	case []interface{}:
		terms := make([]string, 0, len(search))
		for _, term := range search {
			terms = append(terms, fmt.Sprint(term))
		}
		return terms, nil
	default:
		return nil, errors.New("options.search must be a string or an array of strings")
	}
}

// rejectionTracker records promises that were rejected and never given
// a handler. The tracker callback only runs on the VM goroutine; Run
// reads it after the run goroutine's channel send, which orders the
// accesses.
type rejectionTracker struct {
	pending map[*goja.Promise]goja.Value
}

func trackRejections(vm *goja.Runtime) *rejectionTracker {
	rt := &rejectionTracker{pending: make(map[*goja.Promise]goja.Value)}
	vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			rt.pending[p] = p.Result()
		case goja.PromiseRejectionHandle:
			delete(rt.pending, p)
		}
	})
	return rt
}

// unhandled returns a RunError for one still-unhandled rejection, or
// nil when every rejection found a handler.
func (rt *rejectionTracker) unhandled() error {
	for _, reason := range rt.pending {
		message := "unhandled promise rejection"
		if reason != nil {
			message = "unhandled promise rejection: " + reason.String()
		}
		return newRunError(ErrorCodeRuntime, message)
	}
	return nil
}
