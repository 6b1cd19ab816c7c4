package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Constructor builds a fresh agent instance with the given id.
type Constructor func(id string) (Agent, error)

// Factory maps stable type tags to constructors and owns the live
// instances keyed by id.
type Factory struct {
	mu     sync.Mutex
	types  map[string]Constructor
	agents map[string]Agent
}

func NewFactory() *Factory {
	return &Factory{
		types:  make(map[string]Constructor),
		agents: make(map[string]Agent),
	}
}

func (f *Factory) RegisterType(typeTag string, ctor Constructor) error {
	if typeTag == "" {
		return fmt.Errorf("agent type tag is required")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for %s is nil", typeTag)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.types[typeTag]; exists {
		return fmt.Errorf("agent type %s is already registered", typeTag)
	}
	f.types[typeTag] = ctor
	return nil
}

func (f *Factory) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.types))
	for t := range f.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Create instantiates a registered type. An empty id gets a fresh uuid.
func (f *Factory) Create(typeTag, id string) (Agent, error) {
	f.mu.Lock()
	ctor, ok := f.types[typeTag]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", typeTag)
	}
	if id == "" {
		id = typeTag + "-" + uuid.NewString()
	}

	a, err := ctor(id)
	if err != nil {
		return nil, fmt.Errorf("construct agent %s: %w", typeTag, err)
	}
	if a.Type() != typeTag {
		return nil, fmt.Errorf("constructor for %s produced agent of type %s", typeTag, a.Type())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.agents[id]; exists {
		return nil, fmt.Errorf("agent id %s already exists", id)
	}
	f.agents[id] = a
	return a, nil
}

func (f *Factory) Get(id string) (Agent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	return a, ok
}

// List returns live agents ordered by id for stable iteration.
func (f *Factory) List() []Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (f *Factory) Destroy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[id]; !ok {
		return false
	}
	delete(f.agents, id)
	return true
}
