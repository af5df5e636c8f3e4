package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jkaninda/switchboard/internal/intent"
)

// Capability binds an intent kind to the agent that serves it.
type Capability struct {
	Kind       intent.Kind
	Agent      Agent
	SideEffect SideEffect
	// Classify, when set, narrows SideEffect per request. Agents serving
	// both reads and writes under one kind use it to mark reads ReadOnly.
	Classify func(req *Request) SideEffect
	// AcceptsFrom lists the kinds whose output this agent can consume as a
	// dependency. Empty means the agent takes no dependency input.
	AcceptsFrom []intent.Kind
}

// Accepts reports whether the capability consumes output of kind k.
func (c Capability) Accepts(k intent.Kind) bool {
	for _, a := range c.AcceptsFrom {
		if a == k {
			return true
		}
	}
	return false
}

// EffectFor returns the side effect of running req on this capability.
func (c Capability) EffectFor(req *Request) SideEffect {
	if c.Classify != nil {
		if e := c.Classify(req); e != "" {
			return e
		}
	}
	return c.SideEffect
}

// Registry maps intent kinds to capabilities. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	caps   map[intent.Kind]Capability
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		caps:   make(map[intent.Kind]Capability),
		logger: logger,
	}
}

// Register adds a capability. Registering a kind twice is a programming
// error and panics.
func (r *Registry) Register(c Capability) {
	if c.Agent == nil {
		panic(fmt.Sprintf("agent registry: nil agent for kind %q", c.Kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.Kind]; exists {
		panic(fmt.Sprintf("agent registry: kind %q already registered", c.Kind))
	}
	r.caps[c.Kind] = c
	r.logger.Info("agent registered",
		slog.String("kind", string(c.Kind)),
		slog.String("agent", c.Agent.Name()),
		slog.String("side_effect", string(c.SideEffect)),
	)
}

// Lookup returns the capability for kind.
func (r *Registry) Lookup(kind intent.Kind) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[kind]
	return c, ok
}

// Capabilities returns all registered capabilities sorted by kind.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
