// Package distribute splits a program's parameters across parameter servers
// and runs the synchronous trainer/server exchange.
package distribute

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"graphforge/internal/graph"
)

// ErrUnknownEndpoint is returned for an endpoint outside the plan.
var ErrUnknownEndpoint = errors.New("distribute: unknown endpoint")

// Method selects how parameters are assigned to endpoints.
type Method string

const (
	// RoundRobin deals parameters to endpoints in program order.
	RoundRobin Method = "round_robin"
	// SizeBalanced places the largest parameters first, each onto the
	// endpoint holding the fewest elements so far.
	SizeBalanced Method = "size_balanced"
)

// Transfer moves one parameter, or its gradient, to or from an endpoint.
type Transfer struct {
	Param    string
	Endpoint string
}

// TrainerProgram is what every trainer does around its local step: send
// each gradient to the parameter's owner and receive the updated value.
type TrainerProgram struct {
	Sends []Transfer
	Recvs []Transfer
}

// PServerProgram is the shard one endpoint owns.
type PServerProgram struct {
	Endpoint string
	Params   []graph.ParamSpec
	// Trainers is the number of pushes awaited per step.
	Trainers int
}

// Plan is the deterministic assignment of parameters to endpoints.
type Plan struct {
	Endpoints []string
	Trainers  int
	Method    Method
	params    []graph.ParamSpec
	owner     map[string]string
}

// Transpile assigns every parameter in params to exactly one endpoint.
func Transpile(params []graph.ParamSpec, endpoints []string, trainers int, method Method) (*Plan, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("distribute: no endpoints")
	}
	if trainers <= 0 {
		return nil, fmt.Errorf("distribute: trainers must be > 0 (got %d)", trainers)
	}
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if seen[ep] {
			return nil, fmt.Errorf("distribute: duplicate endpoint %s", ep)
		}
		seen[ep] = true
	}
	if method == "" {
		method = RoundRobin
	}

	owner := make(map[string]string, len(params))
	switch method {
	case RoundRobin:
		for i, p := range params {
			owner[p.Name] = endpoints[i%len(endpoints)]
		}
	case SizeBalanced:
		order := make([]int, len(params))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return params[order[a]].Size() > params[order[b]].Size()
		})
		load := make([]int, len(endpoints))
		for _, i := range order {
			best := 0
			for e := range endpoints {
				if load[e] < load[best] {
					best = e
				}
			}
			load[best] += params[i].Size()
			owner[params[i].Name] = endpoints[best]
		}
	default:
		return nil, fmt.Errorf("distribute: unknown split method %q", method)
	}
	if len(owner) != len(params) {
		return nil, errors.New("distribute: duplicate parameter names")
	}
	return &Plan{
		Endpoints: append([]string(nil), endpoints...),
		Trainers:  trainers,
		Method:    method,
		params:    append([]graph.ParamSpec(nil), params...),
		owner:     owner,
	}, nil
}

// Owner returns the endpoint holding param.
func (p *Plan) Owner(param string) (string, bool) {
	ep, ok := p.owner[param]
	return ep, ok
}

// TrainerProgram lists, in program order, the gradients a trainer sends and
// the parameters it receives. Frozen parameters are never sent and are
// received only by the initial pull, so values a trainer keeps for itself
// (running statistics) survive each step.
func (p *Plan) TrainerProgram() TrainerProgram {
	var tp TrainerProgram
	for _, spec := range p.params {
		t := Transfer{Param: spec.Name, Endpoint: p.owner[spec.Name]}
		if spec.Trainable {
			tp.Sends = append(tp.Sends, t)
		}
		tp.Recvs = append(tp.Recvs, t)
	}
	return tp
}

// PServerProgram returns the shard of endpoint.
func (p *Plan) PServerProgram(endpoint string) (PServerProgram, error) {
	if !slices.Contains(p.Endpoints, endpoint) {
		return PServerProgram{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	prog := PServerProgram{Endpoint: endpoint, Trainers: p.Trainers}
	for _, spec := range p.params {
		if p.owner[spec.Name] == endpoint {
			prog.Params = append(prog.Params, spec)
		}
	}
	return prog, nil
}
