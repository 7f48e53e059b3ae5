// Package phase holds the content generation steps a session runs through.
//
// An Executor turns one phase of a session into a JSON result. Executors
// report progress through a callback; the orchestrator decides what to
// persist. Results of earlier phases are handed to later ones in order, so a
// phase may build on the output of the phase before it.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownPhase is returned when no executor is registered for a phase.
var ErrUnknownPhase = errors.New("unknown phase")

type Input struct {
	SessionID string
	Topic     string
	Phase     string
	Payload   json.RawMessage
	// Prior holds results of earlier completed phases in pipeline order.
	Prior []Output
}

type Output struct {
	Phase  string          `json:"phase"`
	Result json.RawMessage `json:"result"`
}

// Find returns the most recent prior result for phase.
func (in Input) Find(phase string) (json.RawMessage, bool) {
	for i := len(in.Prior) - 1; i >= 0; i-- {
		if in.Prior[i].Phase == phase {
			return in.Prior[i].Result, true
		}
	}
	return nil, false
}

// ProgressFunc receives percentages in [0,100]. Calls may arrive out of order
// or repeat; consumers keep the maximum.
type ProgressFunc func(pct int)

type Executor interface {
	Execute(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error)
}

// Supporter is implemented by executors that only handle some phases.
type Supporter interface {
	Supports(phase string) bool
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, in, progress)
}

// Registry dispatches by phase name. Fallback, when set, handles phases
// without a dedicated executor.
type Registry struct {
	executors map[string]Executor
	Fallback  Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(name string, exec Executor) {
	r.executors[Normalize(name)] = exec
}

func (r *Registry) Supports(name string) bool {
	if _, ok := r.executors[Normalize(name)]; ok {
		return true
	}
	return r.Fallback != nil
}

// Names lists the registered phases.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Execute(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	exec, ok := r.executors[Normalize(in.Phase)]
	if !ok {
		exec = r.Fallback
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, in.Phase)
	}
	if progress == nil {
		progress = func(int) {}
	}
	return exec.Execute(ctx, in, progress)
}

func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
