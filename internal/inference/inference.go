// Package inference runs saved checkpoints.
package inference

import (
	"context"
	"errors"
	"fmt"

	"graphforge/internal/checkpoint"
	"graphforge/internal/device"
	"graphforge/internal/exec"
	"graphforge/internal/tensor"
)

// ErrSchemaMismatch is returned when supplied inputs differ from the
// checkpoint's recorded feeds in name, order or type.
var ErrSchemaMismatch = errors.New("inference: inputs do not match checkpoint feeds")

// Input is one named input tensor.
type Input struct {
	Name   string
	Tensor *tensor.Tensor
}

// Runner executes one loaded checkpoint.
type Runner struct {
	manifest *checkpoint.Manifest
	scope    *exec.Scope
	exec     *exec.Executor
}

// Load opens the checkpoint in dir.
func Load(dir string) (*Runner, error) {
	manifest, scope, err := checkpoint.Load(dir)
	if err != nil {
		return nil, err
	}
	return &Runner{manifest: manifest, scope: scope, exec: exec.NewExecutor(device.CPU())}, nil
}

// FeedNames is the input order Run expects.
func (r *Runner) FeedNames() []string { return append([]string(nil), r.manifest.Feeds...) }

// FetchNames are the outputs Run returns, in order.
func (r *Runner) FetchNames() []string { return append([]string(nil), r.manifest.Fetches...) }

// Manifest returns the loaded checkpoint description.
func (r *Runner) Manifest() *checkpoint.Manifest { return r.manifest }

// Run checks inputs against the recorded feeds and executes one forward pass
// with dropout disabled. Outputs keep their LoD.
func (r *Runner) Run(ctx context.Context, inputs []Input) ([]*tensor.Tensor, error) {
	if err := r.check(inputs); err != nil {
		return nil, err
	}
	feed := make(map[string]*tensor.Tensor, len(inputs))
	for _, in := range inputs {
		feed[in.Name] = in.Tensor
	}
	frame, err := r.exec.Forward(ctx, r.manifest.Program, r.scope, feed, exec.RunOptions{})
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	return frame.Fetch(r.manifest.Fetches...)
}

func (r *Runner) check(inputs []Input) error {
	feeds := r.manifest.Feeds
	if len(inputs) != len(feeds) {
		return fmt.Errorf("%w: got %d inputs, want %v", ErrSchemaMismatch, len(inputs), feeds)
	}
	for i, in := range inputs {
		if in.Name != feeds[i] {
			return fmt.Errorf("%w: input %d is %q, want %q", ErrSchemaMismatch, i, in.Name, feeds[i])
		}
		if in.Tensor == nil {
			return fmt.Errorf("%w: input %q is nil", ErrSchemaMismatch, in.Name)
		}
		if i < len(r.manifest.Fields) {
			if want := r.manifest.Fields[i].DType; want.IsFloat() != in.Tensor.DType.IsFloat() {
				return fmt.Errorf("%w: input %q is %s, want %s", ErrSchemaMismatch, in.Name, in.Tensor.DType, want)
			}
		}
	}
	return nil
}
