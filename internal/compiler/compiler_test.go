package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCompiler(t *testing.T, opts Options) *Compiler {
	t.Helper()
	registry := NewRegistry()
	RegisterBuiltins(registry)
	c, err := New(registry, opts)
	require.NoError(t, err)
	return c
}

func TestCompile(t *testing.T) {
	c := newTestCompiler(t, DefaultOptions())

	t.Run("function expression", func(t *testing.T) {
		u, err := c.Compile("function(job, cb) { cb(); }")
		require.NoError(t, err)
		assert.Equal(t, KindScript, u.Kind)
		assert.True(t, u.Compiled())
	})

	t.Run("arrow function", func(t *testing.T) {
		u, err := c.Compile("(job, cb) => cb()")
		require.NoError(t, err)
		assert.Equal(t, KindScript, u.Kind)
	})

	t.Run("trailing line comment", func(t *testing.T) {
		_, err := c.Compile("function(job, cb) { cb(); } // done")
		assert.NoError(t, err)
	})

	t.Run("native task", func(t *testing.T) {
		u, err := c.Compile("native:noop")
		require.NoError(t, err)
		assert.Equal(t, KindNative, u.Kind)
		assert.Equal(t, "noop", u.Name)
	})

	rejected := map[string]string{
		"empty":             "   ",
		"syntax error":      "function(job, cb) { cb( }",
		"not a function":    "42",
		"wrong arity":       "function(job) { }",
		"too many params":   "function(a, b, c) { }",
		"rest parameter":    "function(job, ...rest) { }",
		"statement escape":  "function(a, b) {}) ; this.x = 1; (function(c, d) {}",
		"unknown native":    "native:missing",
		"call expression":   "(function(job, cb) { cb(); })()",
		"sequence":          "1, function(job, cb) {}",
		"object literal":    "{ body: 1 }",
		"assignment":        "x = function(job, cb) {}",
		"declaration block": "function named(job, cb) {}; 1",
	}
	for name, source := range rejected {
		t.Run("rejects "+name, func(t *testing.T) {
			u, err := c.Compile(source)
			assert.Nil(t, u)
			var compileErr *CompileError
			assert.True(t, errors.As(err, &compileErr), "expected CompileError, got %v", err)
		})
	}
}

func TestCompile_SourceLimit(t *testing.T) {
	c := newTestCompiler(t, Options{MaxSourceBytes: 32})

	_, err := c.Compile("function(job, cb) { cb(); }")
	require.NoError(t, err)

	_, err = c.Compile("function(job, cb) { " + strings.Repeat(" ", 64) + "cb(); }")
	var compileErr *CompileError
	assert.ErrorAs(t, err, &compileErr)
}

func TestCompile_DoesNotRunCode(t *testing.T) {
	c := newTestCompiler(t, DefaultOptions())

	_, err := c.Compile("function(job, cb) { while (true) {} }")
	assert.NoError(t, err)
}

func TestInvoke(t *testing.T) {
	c := newTestCompiler(t, DefaultOptions())
	ctx := context.Background()

	t.Run("success mutates a copy", func(t *testing.T) {
		u, err := c.Compile("function(job, cb) { job.seen = true; cb(); }")
		require.NoError(t, err)

		in := map[string]any{"count": 1}
		out, err := u.Invoke(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, true, out["seen"])
		assert.NotContains(t, in, "seen")
	})

	t.Run("callback error is a task failure", func(t *testing.T) {
		u, err := c.Compile("function(job, cb) { cb('boom'); }")
		require.NoError(t, err)

		_, err = u.Invoke(ctx, nil)
		var taskErr *TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Equal(t, "boom", taskErr.Message)
	})

	t.Run("thrown exception is a task failure", func(t *testing.T) {
		u, err := c.Compile("function(job, cb) { throw new Error('bad'); }")
		require.NoError(t, err)

		_, err = u.Invoke(ctx, nil)
		var taskErr *TaskError
		require.ErrorAs(t, err, &taskErr)
		assert.Contains(t, taskErr.Message, "bad")
	})

	t.Run("missing callback", func(t *testing.T) {
		u, err := c.Compile("function(job, cb) { }")
		require.NoError(t, err)

		_, err = u.Invoke(ctx, nil)
		assert.ErrorIs(t, err, ErrNoCallback)
	})

	t.Run("native task", func(t *testing.T) {
		u, err := c.Compile("native:fail")
		require.NoError(t, err)

		_, err = u.Invoke(ctx, map[string]any{})
		var taskErr *TaskError
		assert.ErrorAs(t, err, &taskErr)
	})

	t.Run("raw unit is not invocable", func(t *testing.T) {
		_, err := Raw("function(job, cb) { cb(); }").Invoke(ctx, nil)
		assert.ErrorIs(t, err, ErrNotCompiled)
	})
}

func TestInvoke_Isolation(t *testing.T) {
	c := newTestCompiler(t, DefaultOptions())
	ctx := context.Background()

	probes := map[string]string{
		"require": "function(job, cb) { cb(typeof require === 'undefined' ? null : 'require'); }",
		"process": "function(job, cb) { cb(typeof process === 'undefined' ? null : 'process'); }",
		"console": "function(job, cb) { cb(typeof console === 'undefined' ? null : 'console'); }",
		"timers":  "function(job, cb) { cb(typeof setTimeout === 'undefined' ? null : 'setTimeout'); }",
	}
	for name, source := range probes {
		t.Run(name, func(t *testing.T) {
			u, err := c.Compile(source)
			require.NoError(t, err)
			_, err = u.Invoke(ctx, nil)
			assert.NoError(t, err)
		})
	}

	t.Run("globals do not leak between runs", func(t *testing.T) {
		writer, err := c.Compile("function(job, cb) { globalThis.leak = 1; cb(); }")
		require.NoError(t, err)
		reader, err := c.Compile("function(job, cb) { cb(typeof leak === 'undefined' ? null : 'leaked'); }")
		require.NoError(t, err)

		_, err = writer.Invoke(ctx, nil)
		require.NoError(t, err)
		_, err = reader.Invoke(ctx, nil)
		assert.NoError(t, err)
	})
}

func TestInvoke_Timeout(t *testing.T) {
	c := newTestCompiler(t, Options{InvokeTimeout: 50 * time.Millisecond})

	u, err := c.Compile("function(job, cb) { while (true) {} }")
	require.NoError(t, err)

	_, err = u.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestUnit_JSON(t *testing.T) {
	c := newTestCompiler(t, DefaultOptions())
	u, err := c.Compile("function(job, cb) { cb(); }")
	require.NoError(t, err)

	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.JSONEq(t, `"function(job, cb) { cb(); }"`, string(data))

	var decoded Unit
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindRaw, decoded.Kind)
	assert.False(t, decoded.Compiled())

	hydrated, err := c.Hydrate(&decoded)
	require.NoError(t, err)
	assert.True(t, hydrated.Compiled())

	assert.Error(t, json.Unmarshal([]byte(`{"code": 1}`), &decoded))
}

func TestUnit_DeepCopy(t *testing.T) {
	c := newTestCompiler(t, DefaultOptions())
	u, err := c.Compile("function(job, cb) { cb(); }")
	require.NoError(t, err)

	type holder struct {
		Body *Unit
	}
	cp := deepcopy.Copy(holder{Body: u}).(holder)
	require.NotNil(t, cp.Body)
	assert.NotSame(t, u, cp.Body)
	assert.True(t, cp.Body.Compiled())

	_, err = cp.Body.Invoke(context.Background(), nil)
	assert.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	assert.Equal(t, []string{"fail", "noop"}, r.Names())

	_, ok := r.Get("noop")
	assert.True(t, ok)
	_, ok = r.Get("nope")
	assert.False(t, ok)
}
