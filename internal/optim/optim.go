// Package optim updates parameters from their gradients.
package optim

import (
	"errors"
	"fmt"
	"math"

	"graphforge/internal/tensor"
)

// ErrUnknownOptimizer is returned by New for an unrecognized kind.
var ErrUnknownOptimizer = errors.New("optim: unknown optimizer")

// Param is one trainable parameter with the gradient of the current step.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
	// LRScale multiplies the global learning rate for this parameter.
	LRScale float64
}

// Optimizer applies one update to a set of parameters. Every call to Step
// advances the global step counter that schedules read.
type Optimizer interface {
	Step(params []Param) error
	GlobalStep() int64
	Name() string
}

// Schedule maps the global step to a learning rate.
type Schedule interface {
	Rate(step int64) float64
}

// Constant is a fixed learning rate.
type Constant float64

func (c Constant) Rate(int64) float64 { return float64(c) }

// ExponentialDecay is Base * DecayRate^(step/DecaySteps). With Staircase the
// exponent is truncated to an integer.
type ExponentialDecay struct {
	Base       float64
	DecaySteps int64
	DecayRate  float64
	Staircase  bool
}

func (e ExponentialDecay) Rate(step int64) float64 {
	if e.DecaySteps <= 0 {
		return e.Base
	}
	exp := float64(step) / float64(e.DecaySteps)
	if e.Staircase {
		exp = math.Floor(exp)
	}
	return e.Base * math.Pow(e.DecayRate, exp)
}

func check(p Param) error {
	if p.Value == nil || p.Grad == nil {
		return fmt.Errorf("optim: parameter %q has no value or gradient", p.Name)
	}
	if len(p.Value.Float) != len(p.Grad.Float) {
		return fmt.Errorf("optim: parameter %q has %d values but %d gradients", p.Name, len(p.Value.Float), len(p.Grad.Float))
	}
	return nil
}

func scale(p Param) float64 {
	if p.LRScale == 0 {
		return 1
	}
	return p.LRScale
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	lr   Schedule
	step int64
}

// NewSGD returns an SGD optimizer following lr.
func NewSGD(lr Schedule) *SGD { return &SGD{lr: lr} }

func (s *SGD) Name() string      { return "sgd" }
func (s *SGD) GlobalStep() int64 { return s.step }

func (s *SGD) Step(params []Param) error {
	for _, p := range params {
		if err := check(p); err != nil {
			return err
		}
	}
	rate := s.lr.Rate(s.step)
	for _, p := range params {
		lr := rate * scale(p)
		for i, g := range p.Grad.Float {
			p.Value.Float[i] -= lr * g
		}
	}
	s.step++
	return nil
}

// Adam keeps first and second moment estimates per parameter.
type Adam struct {
	lr      Schedule
	beta1   float64
	beta2   float64
	epsilon float64
	step    int64
	m       map[string][]float64
	v       map[string][]float64
}

// NewAdam returns Adam with the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(lr Schedule) *Adam {
	return &Adam{
		lr:      lr,
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
		m:       map[string][]float64{},
		v:       map[string][]float64{},
	}
}

func (a *Adam) Name() string      { return "adam" }
func (a *Adam) GlobalStep() int64 { return a.step }

func (a *Adam) Step(params []Param) error {
	for _, p := range params {
		if err := check(p); err != nil {
			return err
		}
	}
	t := float64(a.step + 1)
	rate := a.lr.Rate(a.step) * math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))
	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok || len(m) != len(p.Value.Float) {
			m = make([]float64, len(p.Value.Float))
			a.m[p.Name] = m
			a.v[p.Name] = make([]float64, len(p.Value.Float))
		}
		v := a.v[p.Name]
		lr := rate * scale(p)
		for i, g := range p.Grad.Float {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			p.Value.Float[i] -= lr * m[i] / (math.Sqrt(v[i]) + a.epsilon)
		}
	}
	a.step++
	return nil
}

// New builds an optimizer by kind ("sgd" or "adam").
func New(kind string, lr Schedule) (Optimizer, error) {
	switch kind {
	case "sgd":
		return NewSGD(lr), nil
	case "adam":
		return NewAdam(lr), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownOptimizer, kind)
	}
}
