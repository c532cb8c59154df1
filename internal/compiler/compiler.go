// Package compiler turns task body source text into invocable units.
//
// Two unit variants exist. Script units are JavaScript function expressions
// of the form function(job, cb) { ... } compiled with goja; every invocation
// runs in its own runtime that holds nothing but the ECMAScript built-ins, so
// a task cannot reach process state, files or the network. Native units are
// written "native:<name>" and resolve to a Go function in a Registry.
package compiler

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	lru "github.com/hashicorp/golang-lru/v2"
)

// NativePrefix marks a task body that references a registered native task.
const NativePrefix = "native:"

// Arity is the number of parameters every task function declares: the job
// context and the completion callback.
const Arity = 2

// Options bound compilation and invocation.
type Options struct {
	MaxSourceBytes int
	InvokeTimeout  time.Duration
	MaxCallStack   int
	CacheSize      int
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxSourceBytes: 64 * 1024,
		InvokeTimeout:  5 * time.Second,
		MaxCallStack:   256,
		CacheSize:      512,
	}
}

// Compiler compiles task sources. It is safe for concurrent use.
type Compiler struct {
	opts     Options
	registry *Registry
	cache    *lru.Cache[string, *goja.Program]
	limits   *limits
}

// New creates a compiler resolving native units against registry. A nil
// registry is replaced by an empty one.
func New(registry *Registry, opts Options) (*Compiler, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	defaults := DefaultOptions()
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = defaults.MaxSourceBytes
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.MaxCallStack <= 0 {
		opts.MaxCallStack = defaults.MaxCallStack
	}

	cache, err := lru.New[string, *goja.Program](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &Compiler{
		opts:     opts,
		registry: registry,
		cache:    cache,
		limits: &limits{
			timeout:      opts.InvokeTimeout,
			maxCallStack: opts.MaxCallStack,
		},
	}, nil
}

// Registry returns the native task registry.
func (c *Compiler) Registry() *Registry {
	return c.registry
}

// Compile prepares source for later invocation. The code is parsed and
// compiled but never run.
func (c *Compiler) Compile(source string) (*Unit, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, &CompileError{Reason: "source is empty"}
	}
	if len(source) > c.opts.MaxSourceBytes {
		return nil, &CompileError{Reason: fmt.Sprintf("source exceeds %d bytes", c.opts.MaxSourceBytes)}
	}

	if name, ok := strings.CutPrefix(trimmed, NativePrefix); ok {
		fn, found := c.registry.Get(name)
		if !found {
			return nil, &CompileError{Reason: fmt.Sprintf("native task %q is not registered", name)}
		}
		return &Unit{Kind: KindNative, Source: source, Name: name, native: fn}, nil
	}

	program, err := c.program(source)
	if err != nil {
		return nil, err
	}
	return &Unit{Kind: KindScript, Source: source, program: program, limits: c.limits}, nil
}

// Hydrate returns a compiled unit for u. Units already compiled are
// returned as is.
func (c *Compiler) Hydrate(u *Unit) (*Unit, error) {
	if u == nil || u.Compiled() {
		return u, nil
	}
	return c.Compile(u.Source)
}

func (c *Compiler) program(source string) (*goja.Program, error) {
	if program, ok := c.cache.Get(source); ok {
		return program, nil
	}

	parsed, err := goja.Parse("task", "("+source+"\n)")
	if err != nil {
		return nil, &CompileError{Reason: "source does not parse", Err: err}
	}
	if err := checkShape(parsed); err != nil {
		return nil, err
	}
	program, err := goja.CompileAST(parsed, true)
	if err != nil {
		return nil, &CompileError{Reason: "source does not compile", Err: err}
	}

	c.cache.Add(source, program)
	return program, nil
}

// checkShape accepts exactly one function or arrow function expression
// declaring Arity parameters.
func checkShape(program *ast.Program) error {
	if len(program.Body) != 1 {
		return &CompileError{Reason: "source must be a single function expression"}
	}
	stmt, ok := program.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return &CompileError{Reason: "source must be a single function expression"}
	}

	var params *ast.ParameterList
	switch fn := stmt.Expression.(type) {
	case *ast.FunctionLiteral:
		params = fn.ParameterList
	case *ast.ArrowFunctionLiteral:
		params = fn.ParameterList
	default:
		return &CompileError{Reason: "source must be a function expression"}
	}

	if params == nil || params.Rest != nil || len(params.List) != Arity {
		return &CompileError{Reason: fmt.Sprintf("task function must declare exactly %d parameters (job, cb)", Arity)}
	}
	return nil
}
