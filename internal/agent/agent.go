package agent

import (
	"context"
	"sync"
	"time"

	"grid_scout/internal/domain"
)

// Agent is a capability-declaring executor. Each implementation
// declares a stable type tag; the factory registers constructors under
// that tag, so dispatch never has to infer a type from a name.
type Agent interface {
	ID() string
	Type() string
	Capabilities() []domain.Capability
	Capability(action string) (domain.Capability, bool)
	Execute(ctx context.Context, req domain.Request) (map[string]any, error)
	Status() domain.AgentStatus
	History(limit int) []domain.ExecutionEntry
	Metrics() domain.AgentMetrics
}

const defaultHistoryLimit = 100

// Core carries the per-instance state every agent shares: status, a
// bounded execution history, and running performance totals. Concrete
// agents embed it and run their actions through Track.
type Core struct {
	id        string
	agentType string
	caps      []domain.Capability
	capIndex  map[string]domain.Capability

	mu           sync.Mutex
	status       domain.AgentStatus
	history      []domain.ExecutionEntry
	historyLimit int
	metrics      domain.AgentMetrics
}

func NewCore(id, agentType string, historyLimit int, caps []domain.Capability) *Core {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	index := make(map[string]domain.Capability, len(caps))
	for _, c := range caps {
		index[c.Name] = c
	}
	return &Core{
		id:           id,
		agentType:    agentType,
		caps:         caps,
		capIndex:     index,
		status:       domain.AgentStatusIdle,
		historyLimit: historyLimit,
	}
}

func (c *Core) ID() string   { return c.id }
func (c *Core) Type() string { return c.agentType }

func (c *Core) Capabilities() []domain.Capability {
	out := make([]domain.Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

func (c *Core) Capability(action string) (domain.Capability, bool) {
	capability, ok := c.capIndex[action]
	return capability, ok
}

func (c *Core) Status() domain.AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Core) History(limit int) []domain.ExecutionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.ExecutionEntry, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

func (c *Core) Metrics() domain.AgentMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Track runs one action, maintaining status, history, and the running
// average. Errors leave the agent in error status until the next run.
func (c *Core) Track(requestID, action string, fn func() (map[string]any, error)) (map[string]any, error) {
	c.mu.Lock()
	c.status = domain.AgentStatusBusy
	c.mu.Unlock()

	started := time.Now()
	result, err := fn()
	elapsed := time.Since(started)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.Executions++
	c.metrics.TotalDuration += elapsed
	c.metrics.AverageDuration = c.metrics.TotalDuration / time.Duration(c.metrics.Executions)
	if err != nil {
		c.metrics.Errors++
		c.status = domain.AgentStatusError
	} else {
		c.status = domain.AgentStatusIdle
	}

	c.history = append(c.history, domain.ExecutionEntry{
		RequestID: requestID,
		Action:    action,
		Succeeded: err == nil,
		Duration:  elapsed,
		At:        started.UTC(),
	})
	if over := len(c.history) - c.historyLimit; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
	return result, err
}
