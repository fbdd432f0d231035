// Package balancer picks the agent a task should run on.
//
// Selection is a pure function of the task and a snapshot of candidate
// agents; the balancer holds no locks of its own and never waits for
// capacity. Callers that get ErrOverloaded queue the task and retry later.
package balancer

import (
	"fmt"
	"sort"

	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/concave-dev/nexa/internal/registry"
	"github.com/concave-dev/nexa/internal/router"
)

// Config for the balancer.
type Config struct {
	// Cap applied to agents that did not declare their own.
	MaxTasksPerAgent int
	// Virtual nodes used for routing-key affinity rings.
	AffinityVirtualNodes int
}

// DefaultConfig matches the registry defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxTasksPerAgent:     registry.DefaultMaxTasksPerAgent,
		AffinityVirtualNodes: 32,
	}
}

// Balancer is stateless and safe for concurrent use.
type Balancer struct {
	config *Config
}

// New creates a balancer. A nil config uses DefaultConfig.
func New(cfg *Config) *Balancer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxTasksPerAgent <= 0 {
		cfg.MaxTasksPerAgent = registry.DefaultMaxTasksPerAgent
	}
	if cfg.AffinityVirtualNodes <= 0 {
		cfg.AffinityVirtualNodes = 32
	}
	return &Balancer{config: cfg}
}

func (b *Balancer) capacity(a registry.Agent) int {
	if a.MaxTasks > 0 {
		return a.MaxTasks
	}
	return b.config.MaxTasksPerAgent
}

// Eligible reports whether agent could ever take task: it must advertise the
// task's capability, be reachable and not be in error status. Load is not
// considered.
func Eligible(task registry.Task, a registry.Agent) bool {
	return a.HasCapability(task.Type) && !a.Unreachable && a.Status != protocol.AgentError
}

// Assign chooses an agent for task among candidates.
//
// Agents that fail Eligible are discarded; if none remain the result is
// ErrNoEligibleAgent. Agents at their concurrency cap are then discarded; if
// none remain the result is ErrOverloaded. The rest are ranked by:
//
//  1. not deprioritized by a health alert
//  2. fewest active tasks
//  3. routing-key affinity (the agent the key hashes to among the eligible set)
//  4. least recently assigned
//  5. agent id
func (b *Balancer) Assign(task registry.Task, candidates []registry.Agent) (registry.Agent, error) {
	eligible := make([]registry.Agent, 0, len(candidates))
	for _, a := range candidates {
		if Eligible(task, a) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return registry.Agent{}, fmt.Errorf("no agent for capability %q: %w", task.Type, nexaerr.ErrNoEligibleAgent)
	}

	// affinity is computed over every eligible agent, busy or not, so a key
	// keeps its preferred agent while that agent has spare slots
	preferred := ""
	if task.RoutingKey != "" {
		ids := make([]string, len(eligible))
		for i, a := range eligible {
			ids[i] = a.ID
		}
		ring := router.NewRing(0, ids, b.config.AffinityVirtualNodes)
		preferred, _ = ring.Lookup(task.RoutingKey)
	}

	available := eligible[:0:0]
	for _, a := range eligible {
		if a.ActiveTasks() < b.capacity(a) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return registry.Agent{}, fmt.Errorf("all %d agent(s) for capability %q at capacity: %w",
			len(eligible), task.Type, nexaerr.ErrOverloaded)
	}

	sort.SliceStable(available, func(i, j int) bool {
		return less(available[i], available[j], preferred)
	})
	return available[0], nil
}

func less(x, y registry.Agent, preferred string) bool {
	if x.Deprioritized != y.Deprioritized {
		return !x.Deprioritized
	}
	if x.ActiveTasks() != y.ActiveTasks() {
		return x.ActiveTasks() < y.ActiveTasks()
	}
	if xp, yp := x.ID == preferred, y.ID == preferred; xp != yp {
		return xp
	}
	if !x.LastAssigned.Equal(y.LastAssigned) {
		return x.LastAssigned.Before(y.LastAssigned)
	}
	return x.ID < y.ID
}
