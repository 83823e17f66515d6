package trainer

import (
	"context"

	"graphforge/internal/exec"
	"graphforge/internal/graph"
	"graphforge/internal/optim"
	"graphforge/internal/tensor"
)

// Updater applies the gradients of one step to the scope, locally or on
// remote parameter servers.
type Updater interface {
	// Init runs once before the first step.
	Init(ctx context.Context, scope *exec.Scope) error
	Update(ctx context.Context, scope *exec.Scope, grads map[string]*tensor.Tensor) error
}

// LocalUpdater steps an optimizer over the trainable parameters of a
// program.
type LocalUpdater struct {
	prog *graph.Program
	opt  optim.Optimizer
}

// NewLocalUpdater returns an updater applying opt to prog's parameters.
func NewLocalUpdater(prog *graph.Program, opt optim.Optimizer) *LocalUpdater {
	return &LocalUpdater{prog: prog, opt: opt}
}

func (u *LocalUpdater) Init(context.Context, *exec.Scope) error { return nil }

func (u *LocalUpdater) Update(_ context.Context, scope *exec.Scope, grads map[string]*tensor.Tensor) error {
	return u.opt.Step(Params(u.prog, scope, grads))
}

// Params pairs every trainable parameter that has a gradient with its value
// in scope, in program order.
func Params(prog *graph.Program, scope *exec.Scope, grads map[string]*tensor.Tensor) []optim.Param {
	out := make([]optim.Param, 0, len(grads))
	for _, spec := range prog.Params {
		g, ok := grads[spec.Name]
		if !ok || !spec.Trainable {
			continue
		}
		v, ok := scope.Get(spec.Name)
		if !ok {
			continue
		}
		out = append(out, optim.Param{Name: spec.Name, Value: v, Grad: g, LRScale: spec.LearningRate})
	}
	return out
}
