package compiler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/mohae/deepcopy"
)

// Kind tags the variant a Unit holds.
type Kind string

const (
	// KindRaw marks a unit decoded from JSON that has not been compiled.
	KindRaw Kind = ""
	// KindScript is a sandboxed script function.
	KindScript Kind = "script"
	// KindNative is a reference to a registered Go task.
	KindNative Kind = "native"
)

// Unit is the invocable form of a task body or fallback. On the wire and in
// storage it is represented by its source text only.
type Unit struct {
	Kind   Kind
	Source string
	// Name is the registry name of a native unit.
	Name string

	program *goja.Program
	native  NativeFunc
	limits  *limits
}

// Raw returns an uncompiled unit for source.
func Raw(source string) *Unit {
	return &Unit{Source: source}
}

// Compiled reports whether the unit can be invoked.
func (u *Unit) Compiled() bool {
	switch u.Kind {
	case KindScript:
		return u.program != nil
	case KindNative:
		return u.native != nil
	default:
		return false
	}
}

// MarshalJSON encodes the unit as its source text.
func (u *Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Source)
}

// UnmarshalJSON decodes source text into a raw unit.
func (u *Unit) UnmarshalJSON(data []byte) error {
	var source string
	if err := json.Unmarshal(data, &source); err != nil {
		return fmt.Errorf("task source must be a string: %w", err)
	}
	*u = Unit{Source: source}
	return nil
}

// DeepCopy lets mohae/deepcopy copy units. Compiled programs are immutable
// and shared between copies.
func (u *Unit) DeepCopy() interface{} {
	if u == nil {
		return (*Unit)(nil)
	}
	cp := *u
	return &cp
}

// Invoke runs the unit against a copy of job and returns the copy after the
// task completed. A failure signalled by the task is a *TaskError.
func (u *Unit) Invoke(ctx context.Context, job map[string]any) (map[string]any, error) {
	if !u.Compiled() {
		return nil, ErrNotCompiled
	}

	state, _ := deepcopy.Copy(job).(map[string]any)
	if state == nil {
		state = make(map[string]any)
	}

	if u.Kind == KindNative {
		return u.native(ctx, state)
	}
	return u.limits.run(ctx, u.program, state)
}
