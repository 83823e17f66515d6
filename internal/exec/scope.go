package exec

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"graphforge/internal/graph"
	"graphforge/internal/tensor"
)

// Scope holds parameter values for one run. Forward passes read it; only
// optimizer updates (local or pulled from a parameter server) write it.
type Scope struct {
	vars map[string]*tensor.Tensor
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{vars: map[string]*tensor.Tensor{}}
}

// Get returns the named value.
func (s *Scope) Get(name string) (*tensor.Tensor, bool) {
	t, ok := s.vars[name]
	return t, ok
}

// Set stores t under name, replacing any previous value.
func (s *Scope) Set(name string, t *tensor.Tensor) {
	s.vars[name] = t
}

// Names lists stored names in sorted order.
func (s *Scope) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len is the number of stored values.
func (s *Scope) Len() int { return len(s.vars) }

// Init creates every parameter of prog that the scope does not hold yet,
// drawing random initial values from a generator seeded with seed. Values
// already present (for example loaded pretrained tables) are kept, but
// their shape must match the spec.
func (s *Scope) Init(prog *graph.Program, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for _, spec := range prog.Params {
		if t, ok := s.vars[spec.Name]; ok {
			if tensor.Numel(t.Shape) != spec.Size() {
				return fmt.Errorf("exec: parameter %q holds %v, program wants %v", spec.Name, t.Shape, spec.Shape)
			}
			continue
		}
		t, err := initialize(spec, rng)
		if err != nil {
			return err
		}
		s.vars[spec.Name] = t
	}
	return nil
}

func initialize(spec graph.ParamSpec, rng *rand.Rand) (*tensor.Tensor, error) {
	t := tensor.Zeros(spec.Shape...)
	switch spec.Init.Kind {
	case "constant":
		for i := range t.Float {
			t.Float[i] = spec.Init.Value
		}
	case "normal":
		for i := range t.Float {
			t.Float[i] = rng.NormFloat64() * spec.Init.Std
		}
	case "xavier", "":
		fanIn, fanOut := fans(spec.Shape)
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		for i := range t.Float {
			t.Float[i] = (rng.Float64()*2 - 1) * limit
		}
	default:
		return nil, fmt.Errorf("exec: parameter %q has unknown initializer %q", spec.Name, spec.Init.Kind)
	}
	return t, nil
}

func fans(shape []int) (int, int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	default:
		return shape[0], tensor.Numel(shape[1:])
	}
}
