package distribute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"
	"k8s.io/klog/v2"

	"graphforge/internal/exec"
	"graphforge/internal/graph"
	"graphforge/internal/optim"
	"graphforge/internal/tensor"
)

// Server holds one parameter shard and updates it once every trainer has
// pushed its gradients for the step.
type Server struct {
	prog  PServerProgram
	opt   optim.Optimizer
	specs map[string]graph.ParamSpec

	mu     sync.Mutex
	params map[string]*tensor.Tensor
	round  *round
	step   int64
	conns  map[*websocket.Conn]struct{}
	quit   chan struct{}
	closed bool
}

// round collects the pushes of one step. done is closed once the update is
// applied; result then holds the new shard values.
type round struct {
	sums   map[string]*tensor.Tensor
	pushed map[int]bool
	done   chan struct{}
	result map[string]*tensor.Tensor
	err    error
}

// NewServer returns a server for prog whose initial values are copied from
// scope.
func NewServer(prog PServerProgram, opt optim.Optimizer, scope *exec.Scope) (*Server, error) {
	s := &Server{
		prog:   prog,
		opt:    opt,
		specs:  make(map[string]graph.ParamSpec, len(prog.Params)),
		params: make(map[string]*tensor.Tensor, len(prog.Params)),
		conns:  map[*websocket.Conn]struct{}{},
		quit:   make(chan struct{}),
	}
	for _, spec := range prog.Params {
		v, ok := scope.Get(spec.Name)
		if !ok {
			return nil, fmt.Errorf("distribute: parameter %q missing from scope", spec.Name)
		}
		s.specs[spec.Name] = spec
		s.params[spec.Name] = v.Clone()
	}
	return s, nil
}

// Step is the number of updates applied so far.
func (s *Server) Step() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Handler serves the websocket endpoint at Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, websocket.Handler(s.serve))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		s.Close()
		srv.Close()
	}()
	klog.Infof("pserver endpoint=%s params=%d trainers=%d", s.prog.Endpoint, len(s.prog.Params), s.prog.Trainers)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("distribute: serve %s: %w", addr, err)
	}
	return ctx.Err()
}

// Close drops every connection and releases trainers waiting on a step.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
	for ws := range s.conns {
		ws.Close()
	}
}

func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[ws] = struct{}{}
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, ws)
	s.mu.Unlock()
	ws.Close()
}

func (s *Server) serve(ws *websocket.Conn) {
	if !s.track(ws) {
		ws.Close()
		return
	}
	defer s.untrack(ws)

	for {
		var env Envelope
		if err := websocket.JSON.Receive(ws, &env); err != nil {
			if !errors.Is(err, io.EOF) {
				klog.V(1).Infof("pserver endpoint=%s read error: %v", s.prog.Endpoint, err)
			}
			return
		}
		reply := s.handle(env)
		if err := websocket.JSON.Send(ws, reply); err != nil {
			klog.V(1).Infof("pserver endpoint=%s trainer=%d write error: %v", s.prog.Endpoint, env.Trainer, err)
			return
		}
	}
}

func (s *Server) handle(env Envelope) Envelope {
	switch env.Type {
	case MsgPull:
		klog.V(1).Infof("pserver endpoint=%s pull trainer=%d session=%s", s.prog.Endpoint, env.Trainer, env.Session)
		return s.paramsEnvelope(env.Step, s.snapshot())
	case MsgPush:
		grads, err := decodeTensors(env.Payload)
		if err != nil {
			return errorEnvelope(env.Step, err)
		}
		r, err := s.push(env.Trainer, grads)
		if err != nil {
			return errorEnvelope(env.Step, err)
		}
		select {
		case <-r.done:
		case <-s.quit:
			return errorEnvelope(env.Step, errors.New("server closed"))
		}
		if r.err != nil {
			return errorEnvelope(env.Step, r.err)
		}
		return s.paramsEnvelope(env.Step, r.result)
	default:
		return errorEnvelope(env.Step, fmt.Errorf("unknown message type %q", env.Type))
	}
}

func (s *Server) paramsEnvelope(step int64, ts map[string]*tensor.Tensor) Envelope {
	raw, err := encodeTensors(ts)
	if err != nil {
		return errorEnvelope(step, err)
	}
	return Envelope{Type: MsgParams, Step: step, Payload: raw}
}

func (s *Server) snapshot() map[string]*tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*tensor.Tensor, len(s.params))
	for name, v := range s.params {
		out[name] = v.Clone()
	}
	return out
}

// push adds one trainer's gradients to the current round, applying the
// update when the last trainer arrives.
func (s *Server) push(trainer int, grads map[string]*tensor.Tensor) (*round, error) {
	if trainer < 0 || trainer >= s.prog.Trainers {
		return nil, fmt.Errorf("trainer %d outside [0, %d)", trainer, s.prog.Trainers)
	}
	for name, g := range grads {
		v, ok := s.params[name]
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q is not served by %s", ErrUnknownEndpoint, name, s.prog.Endpoint)
		}
		if g.Len() != v.Len() {
			return nil, fmt.Errorf("gradient %q has %d values, parameter %d", name, g.Len(), v.Len())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round == nil {
		s.round = &round{
			sums:   map[string]*tensor.Tensor{},
			pushed: map[int]bool{},
			done:   make(chan struct{}),
		}
	}
	r := s.round
	if r.pushed[trainer] {
		return nil, fmt.Errorf("trainer %d pushed twice in step %d", trainer, s.step)
	}
	r.pushed[trainer] = true
	for name, g := range grads {
		sum, ok := r.sums[name]
		if !ok {
			sum = tensor.ZerosLike(s.params[name])
			r.sums[name] = sum
		}
		for i, v := range g.Float {
			sum.Float[i] += v
		}
	}
	if len(r.pushed) < s.prog.Trainers {
		return r, nil
	}

	r.err = s.apply(r.sums)
	r.result = make(map[string]*tensor.Tensor, len(s.params))
	for _, spec := range s.prog.Params {
		if spec.Trainable {
			r.result[spec.Name] = s.params[spec.Name].Clone()
		}
	}
	s.round = nil
	s.step++
	klog.V(2).Infof("pserver endpoint=%s step=%d applied grads=%d", s.prog.Endpoint, s.step, len(r.sums))
	close(r.done)
	return r, nil
}

// apply averages the summed gradients and steps the optimizer. The caller
// holds s.mu.
func (s *Server) apply(sums map[string]*tensor.Tensor) error {
	params := make([]optim.Param, 0, len(sums))
	for _, spec := range s.prog.Params {
		sum, ok := sums[spec.Name]
		if !ok || !spec.Trainable {
			continue
		}
		for i := range sum.Float {
			sum.Float[i] /= float64(s.prog.Trainers)
		}
		params = append(params, optim.Param{Name: spec.Name, Value: s.params[spec.Name], Grad: sum, LRScale: spec.LearningRate})
	}
	return s.opt.Step(params)
}
