// Package trainer drives the step loop: batch, forward, backward, update.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"graphforge/internal/checkpoint"
	"graphforge/internal/dataset"
	"graphforge/internal/device"
	"graphforge/internal/exec"
	"graphforge/internal/metrics"
	"graphforge/internal/model"
	"graphforge/internal/schema"
	"graphforge/internal/tensor"
)

// ErrNumericDivergence is returned when the training loss becomes NaN.
var ErrNumericDivergence = errors.New("trainer: loss is NaN")

// State is where a run is in its lifecycle.
type State int

const (
	Idle State = iota
	Running
	Checkpointed
	Failed
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Checkpointed:
		return "checkpointed"
	case Failed:
		return "failed"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Criterion decides when a run is good enough to stop. Every Every steps
// Evaluate is called; once its value crosses Threshold the model is saved
// and the run ends.
type Criterion struct {
	Every     int
	Threshold float64
	// HigherIsBetter selects value > Threshold instead of value < Threshold.
	HigherIsBetter bool
	Evaluate       func(ctx context.Context, t *Trainer) (float64, error)
}

func (c *Criterion) met(v float64) bool {
	if c.HigherIsBetter {
		return v > c.Threshold
	}
	return v < c.Threshold
}

// Step describes one finished training step.
type Step struct {
	Pass  int
	Step  int
	Loss  float64
	Batch schema.Batch
	Feed  map[string]*tensor.Tensor
	Frame *exec.Frame
}

// Hooks observe the run. Any nil hook is skipped.
type Hooks struct {
	// PassStart runs before the first batch of every pass.
	PassStart func(pass int)
	// AfterStep runs after the update of every step.
	AfterStep func(ctx context.Context, s Step) error
}

// Config captures the knobs required by the training loop.
type Config struct {
	Model     *model.Model
	Source    dataset.Source
	BatchSize int
	MaxPasses int
	LogEvery  int
	Seed      int64
	Updater   Updater
	// Criterion is optional; without one the run completes after MaxPasses.
	Criterion *Criterion
	SaveDir   string
	Hooks     Hooks
}

// Result summarizes a finished run.
type Result struct {
	State      State
	Steps      int
	Passes     int
	LastLoss   float64
	Metric     float64
	Checkpoint string
}

// Trainer runs one model on one scope.
type Trainer struct {
	cfg    Config
	scope  *exec.Scope
	exec   *exec.Executor
	feeder *schema.Feeder
	state  State
}

// New validates cfg and returns an idle trainer. scope must already hold
// initialized parameters.
func New(cfg Config, scope *exec.Scope) (*Trainer, error) {
	if cfg.Model == nil || cfg.Source == nil || cfg.Updater == nil {
		return nil, errors.New("trainer: model, source and updater are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.MaxPasses <= 0 {
		return nil, errors.New("trainer: passes must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if c := cfg.Criterion; c != nil {
		if c.Every <= 0 || c.Evaluate == nil {
			return nil, errors.New("trainer: criterion needs a positive interval and an evaluator")
		}
		if cfg.SaveDir == "" {
			return nil, errors.New("trainer: criterion needs a save dir")
		}
	}
	feeder, err := schema.NewFeeder(cfg.Model.Schema)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:    cfg,
		scope:  scope,
		exec:   exec.NewExecutor(device.CPU()),
		feeder: feeder,
	}, nil
}

// State is the current lifecycle state.
func (t *Trainer) State() State { return t.state }

// Scope returns the parameters being trained.
func (t *Trainer) Scope() *exec.Scope { return t.scope }

// Model returns the model being trained.
func (t *Trainer) Model() *model.Model { return t.cfg.Model }

// Infer runs the training program on batch without dropout or gradient
// bookkeeping.
func (t *Trainer) Infer(ctx context.Context, batch schema.Batch) (*exec.Frame, error) {
	feed, err := t.feeder.Feed(batch)
	if err != nil {
		return nil, err
	}
	return t.exec.Forward(ctx, t.cfg.Model.Program, t.scope, feed, exec.RunOptions{})
}

// Run trains until the criterion is met, the passes run out, or ctx ends.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	if t.state != Idle {
		return Result{State: t.state}, fmt.Errorf("trainer: run already %s", t.state)
	}
	t.state = Running
	res, err := t.run(ctx)
	if err != nil {
		t.state = Failed
	}
	res.State = t.state
	return res, err
}

func (t *Trainer) run(ctx context.Context) (Result, error) {
	var res Result
	if err := t.cfg.Updater.Init(ctx, t.scope); err != nil {
		return res, fmt.Errorf("trainer: init updater: %w", err)
	}
	var window metrics.Window
	mdl := t.cfg.Model
	klog.Infof("model=%s place=%s params=%d", mdl.Name, t.exec.Place(), len(mdl.Program.Params))

	for pass := 0; pass < t.cfg.MaxPasses; pass++ {
		res.Passes = pass + 1
		reader, err := t.cfg.Source(ctx, pass)
		if err != nil {
			return res, fmt.Errorf("trainer: open pass %d: %w", pass, err)
		}
		batches := dataset.NewBatcher(reader, t.cfg.BatchSize)
		if t.cfg.Hooks.PassStart != nil {
			t.cfg.Hooks.PassStart(pass)
		}
		for {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			startData := time.Now()
			batch, err := batches.Next(ctx)
			if errors.Is(err, dataset.ErrEndOfData) {
				break
			}
			if err != nil {
				return res, fmt.Errorf("trainer: pass %d: %w", pass, err)
			}
			feed, err := t.feeder.Feed(batch)
			if err != nil {
				return res, fmt.Errorf("trainer: pass %d: %w", pass, err)
			}
			dataTime := time.Since(startData)

			res.Steps++
			startCompute := time.Now()
			frame, loss, err := t.step(ctx, feed, res.Steps)
			if err != nil {
				return res, err
			}
			computeTime := time.Since(startCompute)
			res.LastLoss = loss
			window.Record(len(batch), dataTime, computeTime, loss)

			if t.cfg.Hooks.AfterStep != nil {
				s := Step{Pass: pass, Step: res.Steps, Loss: loss, Batch: batch, Feed: feed, Frame: frame}
				if err := t.cfg.Hooks.AfterStep(ctx, s); err != nil {
					return res, fmt.Errorf("trainer: step %d: %w", res.Steps, err)
				}
			}
			if res.Steps%t.cfg.LogEvery == 0 {
				snap := window.Snapshot()
				klog.Infof("pass=%d step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
					pass,
					res.Steps,
					snap.SamplesPerSec,
					snap.AvgDataMS,
					snap.AvgComputeMS,
					snap.LastLoss,
				)
			}

			c := t.cfg.Criterion
			if c == nil || res.Steps%c.Every != 0 {
				continue
			}
			v, err := c.Evaluate(ctx, t)
			if err != nil {
				return res, fmt.Errorf("trainer: evaluate at step %d: %w", res.Steps, err)
			}
			res.Metric = v
			klog.Infof("pass=%d step=%d metric=%.4f threshold=%.4f", pass, res.Steps, v, c.Threshold)
			if c.met(v) {
				if _, err := checkpoint.Save(t.cfg.SaveDir, mdl, t.scope); err != nil {
					return res, err
				}
				res.Checkpoint = t.cfg.SaveDir
				t.state = Checkpointed
				return res, nil
			}
		}
	}
	if t.cfg.Criterion != nil {
		return res, fmt.Errorf("trainer: %s did not reach %.4f in %d passes (last %.4f): %w",
			mdl.Name, t.cfg.Criterion.Threshold, t.cfg.MaxPasses, res.Metric, dataset.ErrEndOfData)
	}
	t.state = Completed
	return res, nil
}

// step runs forward, checks the loss, then backward and update.
func (t *Trainer) step(ctx context.Context, feed map[string]*tensor.Tensor, step int) (*exec.Frame, float64, error) {
	mdl := t.cfg.Model
	frame, err := t.exec.Forward(ctx, mdl.Program, t.scope, feed, exec.RunOptions{Train: true, Seed: t.cfg.Seed + int64(step)})
	if err != nil {
		return nil, 0, fmt.Errorf("trainer: step %d: %w", step, err)
	}
	out, err := frame.Fetch(mdl.Loss)
	if err != nil {
		return nil, 0, err
	}
	if out[0].HasNaN() {
		return nil, 0, fmt.Errorf("%w at step %d", ErrNumericDivergence, step)
	}
	loss := out[0].Scalar()
	grads, err := frame.Backward(mdl.Loss)
	if err != nil {
		return nil, 0, fmt.Errorf("trainer: step %d: %w", step, err)
	}
	if err := t.cfg.Updater.Update(ctx, t.scope, grads); err != nil {
		return nil, 0, fmt.Errorf("trainer: update at step %d: %w", step, err)
	}
	klog.V(2).Infof("step=%d loss=%.6f grads=%d", step, loss, len(grads))
	return frame, loss, nil
}
