package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Role is what a process does in a distributed run.
type Role string

const (
	RoleTrainer Role = "TRAINER"
	RolePServer Role = "PSERVER"
)

// Environment variables read by ClusterFromEnv.
const (
	EnvRole      = "TRAINING_ROLE"
	EnvPServers  = "PSERVERS"
	EnvEndpoint  = "SERVER_ENDPOINT"
	EnvTrainers  = "TRAINERS"
	EnvTrainerID = "TRAINER_ID"
)

// DefaultTrainers is the trainer count when TRAINERS is unset.
const DefaultTrainers = 5

// Cluster is the validated distributed configuration of one process.
type Cluster struct {
	Role      Role
	PServers  []string
	Endpoint  string
	Trainers  int
	TrainerID int
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ClusterFromEnv reads and validates the cluster description. An absent
// TRAINING_ROLE means TRAINER; a present but empty or unknown one is an
// error.
func ClusterFromEnv(lookup LookupFunc) (Cluster, error) {
	c := Cluster{Role: RoleTrainer, Trainers: DefaultTrainers}
	if v, ok := lookup(EnvRole); ok {
		c.Role = Role(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvPServers); ok {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.PServers = append(c.PServers, ep)
			}
		}
	}
	if v, ok := lookup(EnvEndpoint); ok {
		c.Endpoint = strings.TrimSpace(v)
	}
	var err error
	if c.Trainers, err = intEnv(lookup, EnvTrainers, DefaultTrainers); err != nil {
		return Cluster{}, err
	}
	if c.TrainerID, err = intEnv(lookup, EnvTrainerID, 0); err != nil {
		return Cluster{}, err
	}
	if err := c.Validate(); err != nil {
		return Cluster{}, err
	}
	return c, nil
}

func intEnv(lookup LookupFunc, key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, key, v)
	}
	return n, nil
}

// Validate checks the role and the endpoints it needs.
func (c Cluster) Validate() error {
	switch c.Role {
	case RoleTrainer, RolePServer:
	default:
		return fmt.Errorf("%w: %s=%q, want %s or %s", ErrConfiguration, EnvRole, string(c.Role), RoleTrainer, RolePServer)
	}
	if len(c.PServers) == 0 {
		return fmt.Errorf("%w: %s must list at least one endpoint", ErrConfiguration, EnvPServers)
	}
	if c.Trainers <= 0 {
		return fmt.Errorf("%w: %s must be > 0 (got %d)", ErrConfiguration, EnvTrainers, c.Trainers)
	}
	if c.TrainerID < 0 || c.TrainerID >= c.Trainers {
		return fmt.Errorf("%w: %s=%d outside [0, %d)", ErrConfiguration, EnvTrainerID, c.TrainerID, c.Trainers)
	}
	if c.Role == RolePServer {
		if c.Endpoint == "" {
			return fmt.Errorf("%w: %s is required for %s", ErrConfiguration, EnvEndpoint, RolePServer)
		}
		if !slices.Contains(c.PServers, c.Endpoint) {
			return fmt.Errorf("%w: %s=%s is not listed in %s", ErrConfiguration, EnvEndpoint, c.Endpoint, EnvPServers)
		}
	}
	return nil
}
