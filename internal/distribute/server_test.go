package distribute

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphforge/internal/exec"
	"graphforge/internal/graph"
	"graphforge/internal/optim"
	"graphforge/internal/schema"
	"graphforge/internal/tensor"
)

func tinyProgram(t *testing.T) *graph.Program {
	t.Helper()
	b := graph.NewBuilder()
	id := b.Data(schema.IntField("id"))
	emb := b.Embedding(id, 3, 2, graph.ParamAttr{Name: "emb", Frozen: true})
	b.Mean(b.FC(emb, 1, graph.ActNone, graph.ParamAttr{}))
	prog, err := b.Program()
	require.NoError(t, err)
	return prog
}

// cluster starts one parameter server per endpoint and returns the plan.
func cluster(t *testing.T, prog *graph.Program, servers, trainers int) (*Plan, []*Server, *exec.Scope) {
	t.Helper()
	initial := exec.NewScope()
	require.NoError(t, initial.Init(prog, 1))

	var (
		endpoints []string
		pending   []*httptest.Server
	)
	for i := 0; i < servers; i++ {
		ts := httptest.NewUnstartedServer(nil)
		endpoints = append(endpoints, ts.Listener.Addr().String())
		pending = append(pending, ts)
	}
	plan, err := Transpile(prog.Params, endpoints, trainers, RoundRobin)
	require.NoError(t, err)

	var out []*Server
	for i, ts := range pending {
		pp, err := plan.PServerProgram(endpoints[i])
		require.NoError(t, err)
		srv, err := NewServer(pp, optim.NewSGD(optim.Constant(1)), initial)
		require.NoError(t, err)
		ts.Config.Handler = srv.Handler()
		ts.Start()
		t.Cleanup(ts.Close)
		t.Cleanup(srv.Close)
		out = append(out, srv)
	}
	return plan, out, initial
}

func grad(t *testing.T, shape []int, v ...float64) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromFloats(shape, v)
	require.NoError(t, err)
	return out
}

func TestSynchronousStepAveragesGradients(t *testing.T) {
	prog := tinyProgram(t)
	plan, servers, initial := cluster(t, prog, 2, 2)

	scopes := make([]*exec.Scope, 2)
	clients := make([]*Client, 2)
	for i := range clients {
		scopes[i] = exec.NewScope()
		require.NoError(t, scopes[i].Init(prog, int64(100+i)))
		c, err := Dial(context.Background(), plan, i)
		require.NoError(t, err)
		t.Cleanup(c.Close)
		require.NoError(t, c.Init(context.Background(), scopes[i]))
		clients[i] = c
	}
	for _, name := range prog.ParamNames() {
		want, _ := initial.Get(name)
		for i := range scopes {
			got, _ := scopes[i].Get(name)
			assert.Equal(t, want.Float, got.Float, "trainer %d pulled %s", i, name)
		}
	}

	grads := []map[string]*tensor.Tensor{
		{"fc_0.w_0": grad(t, []int{2, 1}, 1, 1), "fc_0.b_0": grad(t, []int{1}, 2), "emb": grad(t, []int{3, 2}, 1, 1, 1, 1, 1, 1)},
		{"fc_0.w_0": grad(t, []int{2, 1}, 3, 3), "fc_0.b_0": grad(t, []int{1}, 4)},
	}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = clients[i].Update(context.Background(), scopes[i], grads[i])
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	w0, _ := initial.Get("fc_0.w_0")
	b0, _ := initial.Get("fc_0.b_0")
	emb0, _ := initial.Get("emb")
	for i, scope := range scopes {
		w, _ := scope.Get("fc_0.w_0")
		b, _ := scope.Get("fc_0.b_0")
		emb, _ := scope.Get("emb")
		assert.InDeltaSlice(t, []float64{w0.Float[0] - 2, w0.Float[1] - 2}, w.Float, 1e-12, "trainer %d", i)
		assert.InDelta(t, b0.Float[0]-3, b.Float[0], 1e-12, "trainer %d", i)
		assert.Equal(t, emb0.Float, emb.Float, "frozen table is never updated")
	}
	for _, s := range servers {
		assert.Equal(t, int64(1), s.Step())
	}
}

func TestServerRejectsBadPushes(t *testing.T) {
	prog := tinyProgram(t)
	plan, servers, _ := cluster(t, prog, 2, 2)
	owner, _ := plan.Owner("fc_0.w_0")
	var own, other *Server
	for _, s := range servers {
		if s.prog.Endpoint == owner {
			own = s
		} else {
			other = s
		}
	}

	_, err := other.push(0, map[string]*tensor.Tensor{"fc_0.w_0": grad(t, []int{2, 1}, 1, 1)})
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	_, err = own.push(5, nil)
	assert.Error(t, err)

	_, err = own.push(0, map[string]*tensor.Tensor{"fc_0.w_0": grad(t, []int{1}, 1)})
	assert.Error(t, err, "size mismatch")

	r, err := own.push(0, nil)
	require.NoError(t, err)
	_, err = own.push(0, nil)
	assert.Error(t, err, "second push from the same trainer")
	select {
	case <-r.done:
		t.Fatal("round finished with one of two trainers")
	default:
	}
}

func TestUpdateUnblocksOnCancel(t *testing.T) {
	prog := tinyProgram(t)
	plan, _, _ := cluster(t, prog, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, plan, 0)
	require.NoError(t, err)
	scope := exec.NewScope()
	require.NoError(t, c.Init(ctx, scope))

	done := make(chan error, 1)
	go func() { done <- c.Update(ctx, scope, nil) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestUpdateKeepsTrainerFrozenValues(t *testing.T) {
	prog := tinyProgram(t)
	plan, _, initial := cluster(t, prog, 1, 1)
	c, err := Dial(context.Background(), plan, 0)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	scope := exec.NewScope()
	require.NoError(t, c.Init(context.Background(), scope))

	emb, ok := scope.Get("emb")
	require.True(t, ok)
	for i := range emb.Float {
		emb.Float[i] = float64(i)
	}
	local := append([]float64(nil), emb.Float...)

	require.NoError(t, c.Update(context.Background(), scope, map[string]*tensor.Tensor{
		"fc_0.b_0": grad(t, []int{1}, 1),
	}))
	emb, _ = scope.Get("emb")
	assert.Equal(t, local, emb.Float)
	b, _ := scope.Get("fc_0.b_0")
	b0, _ := initial.Get("fc_0.b_0")
	assert.InDelta(t, b0.Float[0]-1, b.Float[0], 1e-12)
}
