package graph

import (
	"fmt"

	"graphforge/internal/schema"
	"graphforge/internal/tensor"
)

// ParamAttr names and configures a parameter created by a layer. An empty
// Name lets the builder pick one; reusing a Name shares the parameter.
type ParamAttr struct {
	Name         string
	Frozen       bool
	LearningRate float64
	Init         *Initializer
}

// Named is shorthand for a ParamAttr that only sets the name.
func Named(name string) ParamAttr { return ParamAttr{Name: name} }

// Builder records layers into a Program. It is the explicit context that
// owns variable and parameter registration for one model; nothing is kept in
// package state. The first error sticks and is reported by Program.
type Builder struct {
	prog     *Program
	counters map[string]int
	err      error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{prog: newProgram(), counters: map[string]int{}}
}

// Err returns the first error recorded while building.
func (b *Builder) Err() error { return b.err }

// Program returns the built program, or the first build error.
func (b *Builder) Program() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.prog.check(); err != nil {
		return nil, err
	}
	return b.prog, nil
}

func (b *Builder) fail(format string, args ...any) *Var {
	if b.err == nil {
		b.err = fmt.Errorf("graph: "+format, args...)
	}
	return &Var{Name: "<invalid>", Kind: KindTemp, DType: tensor.Float64, Shape: []int{1}}
}

func (b *Builder) unique(prefix string) string {
	n := b.counters[prefix]
	b.counters[prefix] = n + 1
	return fmt.Sprintf("%s_%d", prefix, n)
}

func (b *Builder) addVar(v *Var) *Var {
	if _, dup := b.prog.vars[v.Name]; dup {
		return b.fail("duplicate variable %q", v.Name)
	}
	b.prog.Vars = append(b.prog.Vars, v)
	b.prog.vars[v.Name] = v
	return v
}

func (b *Builder) temp(opName string, dt tensor.DType, shape []int, sequence bool) *Var {
	return b.addVar(&Var{
		Name:     opName + ".tmp_0",
		Kind:     KindTemp,
		DType:    dt,
		Shape:    shape,
		Sequence: sequence,
	})
}

// param registers (or reuses) a parameter and returns its name.
func (b *Builder) param(attr ParamAttr, fallback string, shape []int, init Initializer) string {
	name := attr.Name
	if name == "" {
		name = fallback
	}
	if i, ok := b.prog.params[name]; ok {
		if existing := b.prog.Params[i]; !equalInts(existing.Shape, shape) {
			b.fail("parameter %q reused with shape %v, registered as %v", name, shape, existing.Shape)
		}
		return name
	}
	if attr.Init != nil {
		init = *attr.Init
	}
	lr := attr.LearningRate
	if lr == 0 {
		lr = 1
	}
	b.prog.params[name] = len(b.prog.Params)
	b.prog.Params = append(b.prog.Params, ParamSpec{
		Name:         name,
		Shape:        append([]int(nil), shape...),
		Trainable:    !attr.Frozen,
		LearningRate: lr,
		Init:         init,
	})
	return name
}

func (b *Builder) op(typ string, inputs, params []string, out *Var, attrs Attrs) *Var {
	if b.err != nil {
		return out
	}
	b.prog.Ops = append(b.prog.Ops, Op{
		Type:   typ,
		Inputs: inputs,
		Params: params,
		Output: out.Name,
		Attrs:  attrs,
	})
	return out
}

func names(vs []*Var) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name
	}
	return out
}

// Data declares a fed input for field f.
func (b *Builder) Data(f schema.Field) *Var {
	if f.Name == "" {
		return b.fail("data field without a name")
	}
	return b.addVar(&Var{
		Name:     f.Name,
		Kind:     KindData,
		DType:    f.DType,
		Shape:    append([]int(nil), f.Shape...),
		Sequence: f.Sequence,
	})
}

// Inputs declares every field of s, in order.
func (b *Builder) Inputs(s schema.Schema) map[string]*Var {
	out := make(map[string]*Var, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = b.Data(f)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
