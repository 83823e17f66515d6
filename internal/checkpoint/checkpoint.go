// Package checkpoint persists inference programs and their parameters.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nlpodyssey/safetensors"
	"k8s.io/klog/v2"

	"graphforge/internal/exec"
	"graphforge/internal/graph"
	"graphforge/internal/model"
	"graphforge/internal/schema"
	"graphforge/internal/tensor"
)

// ErrNotFound is returned by Load when dir holds no checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// Files inside a checkpoint directory.
const (
	ManifestFile = "__model__.json"
	ParamsFile   = "params.safetensors"
)

const feedsKey = "feeds"

// Manifest describes a saved inference program.
type Manifest struct {
	RunID   string         `json:"run_id"`
	Created time.Time      `json:"created"`
	Model   string         `json:"model"`
	Feeds   []string       `json:"feeds"`
	Fetches []string       `json:"fetches"`
	Fields  []schema.Field `json:"fields"`
	Program *graph.Program `json:"program"`
}

// Save prunes m to its inference program and writes it with the parameter
// values from scope into dir, replacing any previous checkpoint there. The
// files are written to a temporary sibling first and renamed into place.
func Save(dir string, m *model.Model, scope *exec.Scope) (*Manifest, error) {
	prog, err := m.InferenceProgram()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: prune %s: %w", m.Name, err)
	}
	feeds, err := m.Schema.Select(m.Feeds...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	manifest := &Manifest{
		RunID:   uuid.NewString(),
		Created: time.Now().UTC(),
		Model:   m.Name,
		Feeds:   append([]string(nil), m.Feeds...),
		Fetches: []string{m.Prediction},
		Fields:  feeds.Fields,
		Program: prog,
	}

	tensors := make(map[string]paramView, len(prog.Params))
	for _, name := range prog.ParamNames() {
		t, ok := scope.Get(name)
		if !ok {
			return nil, fmt.Errorf("checkpoint: parameter %q missing from scope", name)
		}
		tensors[name] = newParamView(t)
	}

	parent := filepath.Dir(filepath.Clean(dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := writeJSON(filepath.Join(tmp, ManifestFile), manifest); err != nil {
		return nil, err
	}
	if err := writeParams(filepath.Join(tmp, ParamsFile), tensors, manifest.Feeds); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("checkpoint: replace %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	klog.Infof("checkpoint saved dir=%s model=%s run_id=%s params=%d", dir, m.Name, manifest.RunID, len(tensors))
	return manifest, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// paramView exposes a float parameter as a little-endian F64 safetensors
// view.
type paramView struct {
	shape []uint64
	data  []byte
}

func newParamView(t *tensor.Tensor) paramView {
	v := paramView{shape: make([]uint64, len(t.Shape)), data: make([]byte, 8*len(t.Float))}
	for i, d := range t.Shape {
		v.shape[i] = uint64(d)
	}
	for i, f := range t.Float {
		binary.LittleEndian.PutUint64(v.data[8*i:], math.Float64bits(f))
	}
	return v
}

func (v paramView) DType() safetensors.DType { return safetensors.F64 }
func (v paramView) Shape() []uint64          { return v.shape }
func (v paramView) Data() []byte             { return v.data }
func (v paramView) DataLen() uint64          { return uint64(len(v.data)) }

func writeParams(path string, tensors map[string]paramView, feeds []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	meta := map[string]string{feedsKey: strings.Join(feeds, ",")}
	if err := safetensors.SerializeToWriter(tensors, meta, f); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: write params: %w", err)
	}
	return f.Close()
}

// Load reads the checkpoint in dir into its manifest and a scope holding
// every parameter of the saved program.
func Load(dir string) (*Manifest, *exec.Scope, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, fmt.Errorf("checkpoint: decode manifest: %w", err)
	}
	if manifest.Program == nil {
		return nil, nil, fmt.Errorf("checkpoint: manifest in %s has no program", dir)
	}

	buf, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s has no %s", ErrNotFound, dir, ParamsFile)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}
	_, meta, err := safetensors.ReadMetadata(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: read params: %w", err)
	}
	if got := meta.Metadata()[feedsKey]; got != strings.Join(manifest.Feeds, ",") {
		return nil, nil, fmt.Errorf("checkpoint: params record feeds %q, manifest %v", got, manifest.Feeds)
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: read params: %w", err)
	}

	scope := exec.NewScope()
	for _, nt := range st.Tensors() {
		v, err := fromView(nt.TensorView)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: parameter %q: %w", nt.Name, err)
		}
		scope.Set(nt.Name, v)
	}
	for _, spec := range manifest.Program.Params {
		v, ok := scope.Get(spec.Name)
		if !ok {
			return nil, nil, fmt.Errorf("checkpoint: parameter %q missing from %s", spec.Name, ParamsFile)
		}
		if v.Len() != spec.Size() {
			return nil, nil, fmt.Errorf("checkpoint: parameter %q has shape %v, program wants %v", spec.Name, v.Shape, spec.Shape)
		}
	}
	return &manifest, scope, nil
}

func fromView(tv safetensors.TensorView) (*tensor.Tensor, error) {
	if tv.DType() != safetensors.F64 {
		return nil, fmt.Errorf("dtype %s, want F64", tv.DType())
	}
	shape := make([]int, len(tv.Shape()))
	for i, d := range tv.Shape() {
		shape[i] = int(d)
	}
	raw := tv.Data()
	data := make([]float64, len(raw)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return tensor.FromFloats(shape, data)
}
