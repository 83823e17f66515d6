// Package model declares the demo networks on a graph.Builder.
package model

import (
	"fmt"

	"graphforge/internal/graph"
	"graphforge/internal/schema"
)

// Model is a built network together with the names the training loop and
// the inference runner need.
type Model struct {
	Name    string
	Schema  schema.Schema
	Program *graph.Program
	// Feeds is the ordered list of inference inputs saved with checkpoints.
	Feeds []string
	// Prediction is the inference output.
	Prediction string
	Loss       string
	// Label is the field holding the training target.
	Label string
	// Decode is the Viterbi tag path for sequence taggers, empty otherwise.
	Decode string
}

// InferenceProgram prunes the training program down to what Prediction
// needs from Feeds.
func (m *Model) InferenceProgram() (*graph.Program, error) {
	return m.Program.Prune(m.Feeds, []string{m.Prediction})
}

func finish(b *graph.Builder, m *Model) (*Model, error) {
	prog, err := b.Program()
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", m.Name, err)
	}
	m.Program = prog
	return m, nil
}

// declare checks that s carries every field in required and declares them
// on b in schema order.
func declare(b *graph.Builder, s schema.Schema, required ...string) (map[string]*graph.Var, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Require(required...); err != nil {
		return nil, err
	}
	return b.Inputs(s), nil
}
