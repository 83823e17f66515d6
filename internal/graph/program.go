package graph

import (
	"encoding/json"
	"fmt"
	"io"

	"graphforge/internal/tensor"
)

// VarKind tells the executor where a variable's value comes from.
type VarKind string

const (
	KindData  VarKind = "data"
	KindParam VarKind = "param"
	KindTemp  VarKind = "temp"
)

// Var is a named value in a program. Shape excludes the leading row
// dimension, which is only known once data is fed.
type Var struct {
	Name     string       `json:"name"`
	Kind     VarKind      `json:"kind"`
	DType    tensor.DType `json:"dtype"`
	Shape    []int        `json:"shape"`
	Sequence bool         `json:"sequence,omitempty"`
}

// Width is the number of elements per row.
func (v *Var) Width() int { return tensor.Numel(v.Shape) }

// Attrs carries every attribute any kernel understands. Unused fields stay
// at their zero value and are omitted from the serialized form.
type Attrs struct {
	Act     string  `json:"act,omitempty"`
	Scale   float64 `json:"scale,omitempty"`
	Pool    string  `json:"pool,omitempty"`
	Window  int     `json:"window,omitempty"`
	Reverse bool    `json:"reverse,omitempty"`
	GateAct string  `json:"gate_act,omitempty"`
	CellAct string  `json:"cell_act,omitempty"`
	CandAct string  `json:"cand_act,omitempty"`
	Filter  int     `json:"filter,omitempty"`
	Stride  int     `json:"stride,omitempty"`
	Padding int     `json:"padding,omitempty"`
	Prob    float64 `json:"prob,omitempty"`
	Epsilon  float64 `json:"epsilon,omitempty"`
	Momentum float64 `json:"momentum,omitempty"`
}

// Op is one node of the program.
type Op struct {
	Type   string   `json:"type"`
	Inputs []string `json:"inputs"`
	Params []string `json:"params,omitempty"`
	Output string   `json:"output"`
	Attrs  Attrs    `json:"attrs"`
}

// Initializer describes how a parameter is filled before training.
type Initializer struct {
	Kind  string  `json:"kind"`
	Value float64 `json:"value,omitempty"`
	Std   float64 `json:"std,omitempty"`
}

// Initializers understood by exec.Scope.
var (
	XavierInit = Initializer{Kind: "xavier"}
	ZeroInit   = Initializer{Kind: "constant"}
	OneInit    = Initializer{Kind: "constant", Value: 1}
)

// NormalInit draws from N(0, std²).
func NormalInit(std float64) Initializer {
	return Initializer{Kind: "normal", Std: std}
}

// ParamSpec declares a parameter and how the optimizer treats it.
type ParamSpec struct {
	Name         string      `json:"name"`
	Shape        []int       `json:"shape"`
	Trainable    bool        `json:"trainable"`
	LearningRate float64     `json:"learning_rate"`
	Init         Initializer `json:"init"`
}

// Size is the number of elements of the parameter.
func (p ParamSpec) Size() int { return tensor.Numel(p.Shape) }

// Program is an ordered list of ops over named variables.
type Program struct {
	Vars   []*Var      `json:"vars"`
	Ops    []Op        `json:"ops"`
	Params []ParamSpec `json:"params"`

	vars   map[string]*Var
	params map[string]int
}

func newProgram() *Program {
	return &Program{vars: map[string]*Var{}, params: map[string]int{}}
}

func (p *Program) reindex() {
	p.vars = make(map[string]*Var, len(p.Vars))
	for _, v := range p.Vars {
		p.vars[v.Name] = v
	}
	p.params = make(map[string]int, len(p.Params))
	for i, ps := range p.Params {
		p.params[ps.Name] = i
	}
}

// Var looks a variable up by name.
func (p *Program) Var(name string) (*Var, bool) {
	v, ok := p.vars[name]
	return v, ok
}

// Param looks a parameter spec up by name.
func (p *Program) Param(name string) (ParamSpec, bool) {
	i, ok := p.params[name]
	if !ok {
		return ParamSpec{}, false
	}
	return p.Params[i], true
}

// ParamNames lists parameters in registration order.
func (p *Program) ParamNames() []string {
	names := make([]string, len(p.Params))
	for i, ps := range p.Params {
		names[i] = ps.Name
	}
	return names
}

// DataVars lists the variables that must be fed, in declaration order.
func (p *Program) DataVars() []*Var {
	var out []*Var
	for _, v := range p.Vars {
		if v.Kind == KindData {
			out = append(out, v)
		}
	}
	return out
}

// Clone deep-copies the program.
func (p *Program) Clone() *Program {
	out := newProgram()
	for _, v := range p.Vars {
		c := *v
		c.Shape = append([]int(nil), v.Shape...)
		out.Vars = append(out.Vars, &c)
	}
	for _, op := range p.Ops {
		c := op
		c.Inputs = append([]string(nil), op.Inputs...)
		c.Params = append([]string(nil), op.Params...)
		out.Ops = append(out.Ops, c)
	}
	for _, ps := range p.Params {
		c := ps
		c.Shape = append([]int(nil), ps.Shape...)
		out.Params = append(out.Params, c)
	}
	out.reindex()
	return out
}

// Prune keeps only the ops needed to compute targets from feeds. Every data
// variable reached must be one of feeds, and every feed must be a data
// variable of p.
func (p *Program) Prune(feeds, targets []string) (*Program, error) {
	fed := make(map[string]bool, len(feeds))
	for _, name := range feeds {
		v, ok := p.vars[name]
		if !ok || v.Kind != KindData {
			return nil, fmt.Errorf("graph: feed %q is not a data variable", name)
		}
		fed[name] = true
	}
	needed := make(map[string]bool)
	for _, name := range targets {
		if _, ok := p.vars[name]; !ok {
			return nil, fmt.Errorf("graph: unknown fetch target %q", name)
		}
		needed[name] = true
	}

	keep := make([]bool, len(p.Ops))
	for i := len(p.Ops) - 1; i >= 0; i-- {
		op := p.Ops[i]
		if !needed[op.Output] {
			continue
		}
		keep[i] = true
		for _, in := range op.Inputs {
			needed[in] = true
		}
		for _, name := range op.Params {
			needed[name] = true
		}
	}

	out := newProgram()
	for _, v := range p.Vars {
		if !needed[v.Name] && !fed[v.Name] {
			continue
		}
		if v.Kind == KindData && !fed[v.Name] {
			return nil, fmt.Errorf("graph: target needs data %q which is not fed", v.Name)
		}
		c := *v
		c.Shape = append([]int(nil), v.Shape...)
		out.Vars = append(out.Vars, &c)
	}
	for i, op := range p.Ops {
		if keep[i] {
			out.Ops = append(out.Ops, op)
		}
	}
	for _, ps := range p.Params {
		if needed[ps.Name] {
			out.Params = append(out.Params, ps)
		}
	}
	out.reindex()
	return out, nil
}

// Encode writes the program as indented JSON.
func (p *Program) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// UnmarshalJSON restores the lookup indexes after decoding.
func (p *Program) UnmarshalJSON(data []byte) error {
	type plain Program
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Program(raw)
	p.reindex()
	return p.check()
}

// Decode reads a program written by Encode.
func Decode(r io.Reader) (*Program, error) {
	p := &Program{}
	if err := json.NewDecoder(r).Decode(p); err != nil {
		return nil, fmt.Errorf("graph: decode program: %w", err)
	}
	return p, nil
}

func (p *Program) check() error {
	for i, op := range p.Ops {
		if _, ok := p.vars[op.Output]; !ok {
			return fmt.Errorf("graph: op %d (%s) writes unknown var %q", i, op.Type, op.Output)
		}
		for _, in := range op.Inputs {
			if _, ok := p.vars[in]; !ok {
				return fmt.Errorf("graph: op %d (%s) reads unknown var %q", i, op.Type, in)
			}
		}
		for _, name := range op.Params {
			if _, ok := p.params[name]; !ok {
				return fmt.Errorf("graph: op %d (%s) uses unknown param %q", i, op.Type, name)
			}
		}
	}
	return nil
}
