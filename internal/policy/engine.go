package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"grid_scout/internal/domain"
)

// Decision is the typed result of a policy check. Denials carry a
// human-readable reason; they are never modeled as errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Engine gates capability use by ordinal permission level and by the
// tool inventory loaded at startup.
type Engine struct {
	mu    sync.RWMutex
	tools map[string]bool
}

func New(tools []string) *Engine {
	e := &Engine{tools: make(map[string]bool, len(tools))}
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t != "" {
			e.tools[strings.ToLower(t)] = true
		}
	}
	return e
}

func (e *Engine) CheckLevel(user, required domain.PermissionLevel) Decision {
	if !user.Valid() {
		return deny(fmt.Sprintf("invalid caller permission level %d", int(user)))
	}
	if !user.Allows(required) {
		return deny(fmt.Sprintf("requires %s, caller has %s", required, user))
	}
	return allow("permission level sufficient")
}

// CheckTools verifies every tool a capability declares is present in
// the inventory. An empty declaration always passes.
func (e *Engine) CheckTools(capability domain.Capability) Decision {
	if len(capability.RequiredTools) == 0 {
		return allow("no tools required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var missing []string
	for _, t := range capability.RequiredTools {
		if !e.tools[strings.ToLower(strings.TrimSpace(t))] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return deny("missing tools: " + strings.Join(missing, ", "))
	}
	return allow("all required tools available")
}

// CheckCapability is the combined gate the router uses: level first,
// then tool availability.
func (e *Engine) CheckCapability(user domain.PermissionLevel, capability domain.Capability) Decision {
	if d := e.CheckLevel(user, capability.RequiredLevel); !d.Allowed {
		return d
	}
	return e.CheckTools(capability)
}

func (e *Engine) AddTool(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = true
}

func (e *Engine) Tools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tools))
	for t := range e.tools {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
