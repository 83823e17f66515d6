package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestClusterDefaultsToTrainer(t *testing.T) {
	c, err := ClusterFromEnv(env(map[string]string{EnvPServers: "127.0.0.1:6174, 127.0.0.1:6175"}))
	require.NoError(t, err)
	assert.Equal(t, RoleTrainer, c.Role)
	assert.Equal(t, []string{"127.0.0.1:6174", "127.0.0.1:6175"}, c.PServers)
	assert.Equal(t, DefaultTrainers, c.Trainers)
	assert.Zero(t, c.TrainerID)
}

func TestClusterPServer(t *testing.T) {
	c, err := ClusterFromEnv(env(map[string]string{
		EnvRole:     "PSERVER",
		EnvPServers: "a:1,b:2",
		EnvEndpoint: "b:2",
		EnvTrainers: "2",
	}))
	require.NoError(t, err)
	assert.Equal(t, RolePServer, c.Role)
	assert.Equal(t, "b:2", c.Endpoint)
	assert.Equal(t, 2, c.Trainers)
}

func TestClusterRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"empty role":        {EnvRole: "", EnvPServers: "a:1"},
		"unknown role":      {EnvRole: "WORKER", EnvPServers: "a:1"},
		"no pservers":       {EnvRole: "TRAINER"},
		"no endpoint":       {EnvRole: "PSERVER", EnvPServers: "a:1"},
		"foreign endpoint":  {EnvRole: "PSERVER", EnvPServers: "a:1", EnvEndpoint: "c:3"},
		"bad trainers":      {EnvPServers: "a:1", EnvTrainers: "five"},
		"trainer id range":  {EnvPServers: "a:1", EnvTrainers: "2", EnvTrainerID: "2"},
		"nonpositive count": {EnvPServers: "a:1", EnvTrainers: "0"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ClusterFromEnv(env(vars))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}
