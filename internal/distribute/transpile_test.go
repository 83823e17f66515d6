package distribute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphforge/internal/graph"
)

func specs(sizes ...int) []graph.ParamSpec {
	names := []string{"a", "b", "c", "d", "e", "f"}
	out := make([]graph.ParamSpec, len(sizes))
	for i, n := range sizes {
		out[i] = graph.ParamSpec{Name: names[i], Shape: []int{n}, Trainable: i != 1, LearningRate: 1}
	}
	return out
}

func TestRoundRobinFollowsProgramOrder(t *testing.T) {
	plan, err := Transpile(specs(4, 1, 9, 2, 7), []string{"ps0:1", "ps1:1"}, 3, "")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, plan.Method)
	for name, want := range map[string]string{"a": "ps0:1", "b": "ps1:1", "c": "ps0:1", "d": "ps1:1", "e": "ps0:1"} {
		got, ok := plan.Owner(name)
		require.True(t, ok)
		assert.Equal(t, want, got, name)
	}

	tp := plan.TrainerProgram()
	assert.Len(t, tp.Recvs, 5)
	require.Len(t, tp.Sends, 4, "frozen parameters are not sent")
	for _, s := range tp.Sends {
		assert.NotEqual(t, "b", s.Param)
	}
}

func TestSizeBalancedPlacesLargestFirst(t *testing.T) {
	plan, err := Transpile(specs(4, 1, 9, 2, 7), []string{"ps0:1", "ps1:1"}, 1, SizeBalanced)
	require.NoError(t, err)
	load := map[string]int{}
	for _, ep := range plan.Endpoints {
		prog, err := plan.PServerProgram(ep)
		require.NoError(t, err)
		for _, p := range prog.Params {
			load[ep] += p.Size()
		}
	}
	// 9 -> ps0, 7 -> ps1, 4 -> ps1, 2 -> ps0, 1 -> ps0
	assert.Equal(t, map[string]int{"ps0:1": 12, "ps1:1": 11}, load)
}

func TestEveryParameterOnExactlyOneServer(t *testing.T) {
	endpoints := []string{"a:1", "b:1", "c:1"}
	for _, method := range []Method{RoundRobin, SizeBalanced} {
		params := specs(5, 3, 8, 1, 1, 6)
		first, err := Transpile(params, endpoints, 2, method)
		require.NoError(t, err)
		again, err := Transpile(params, endpoints, 2, method)
		require.NoError(t, err)

		count := map[string]int{}
		for _, ep := range endpoints {
			p1, err := first.PServerProgram(ep)
			require.NoError(t, err)
			p2, err := again.PServerProgram(ep)
			require.NoError(t, err)
			assert.Equal(t, p1, p2, "%s is deterministic", method)
			assert.Equal(t, 2, p1.Trainers)
			for _, p := range p1.Params {
				count[p.Name]++
			}
		}
		for _, p := range params {
			assert.Equal(t, 1, count[p.Name], "%s %s", method, p.Name)
		}
	}
}

func TestTranspileRejects(t *testing.T) {
	_, err := Transpile(specs(1), nil, 1, RoundRobin)
	assert.Error(t, err)
	_, err = Transpile(specs(1), []string{"a:1"}, 0, RoundRobin)
	assert.Error(t, err)
	_, err = Transpile(specs(1), []string{"a:1", "a:1"}, 1, RoundRobin)
	assert.Error(t, err)
	_, err = Transpile(specs(1), []string{"a:1"}, 1, Method("random"))
	assert.Error(t, err)

	plan, err := Transpile(specs(1), []string{"a:1"}, 1, RoundRobin)
	require.NoError(t, err)
	_, err = plan.PServerProgram("z:9")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}
