package db

import (
	"math"
	"sort"
	"sync"
)

// Config priorities. Smaller runs first; cipher setup must use
// PriorityHighest so keys are applied before any other statement.
const (
	PriorityHighest = math.MinInt32
	PriorityHigh    = -100
	PriorityDefault = 0
	PriorityLow     = 100
)

// ConfigInvoke runs one setup or teardown step on a handle.
type ConfigInvoke func(h *Handle) error

// ConfigEntry is one named setup/teardown pair.
type ConfigEntry struct {
	Name     string
	Invoke   ConfigInvoke
	Uninvoke ConfigInvoke // optional
	Priority int

	order  int    // registration sequence, breaks priority ties
	setGen uint64 // chain generation when this entry was (re)installed
}

// ConfigChain is the ordered set of entries applied to every handle drawn
// from a pool. Entries are applied on first checkout; replacing an entry
// bumps the generation so live handles re-apply exactly the divergence.
type ConfigChain struct {
	mu      sync.Mutex
	entries []ConfigEntry
	gen     uint64
	nextOrd int
}

// NewConfigChain returns an empty chain at generation 1.
func NewConfigChain() *ConfigChain {
	return &ConfigChain{gen: 1}
}

// Generation returns the current chain generation.
func (c *ConfigChain) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set installs or replaces the named entry and returns the replaced entry
// when one existed. The caller is responsible for running the replaced
// entry's Uninvoke on live handles before new invokes run.
func (c *ConfigChain) Set(name string, invoke, uninvoke ConfigInvoke, priority int) (ConfigEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	entry := ConfigEntry{
		Name: name, Invoke: invoke, Uninvoke: uninvoke, Priority: priority,
		order: c.nextOrd, setGen: c.gen,
	}
	c.nextOrd++

	var replaced ConfigEntry
	var had bool
	for i := range c.entries {
		if c.entries[i].Name == name {
			replaced, had = c.entries[i], true
			c.entries[i] = entry
			break
		}
	}
	if !had {
		c.entries = append(c.entries, entry)
	}
	c.sortLocked()
	return replaced, had
}

// Remove deletes the named entry, returning it when present.
func (c *ConfigChain) Remove(name string) (ConfigEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].Name == name {
			removed := c.entries[i]
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			c.gen++
			return removed, true
		}
	}
	return ConfigEntry{}, false
}

func (c *ConfigChain) sortLocked() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].Priority != c.entries[j].Priority {
			return c.entries[i].Priority < c.entries[j].Priority
		}
		return c.entries[i].order < c.entries[j].order
	})
}

func (c *ConfigChain) snapshot() ([]ConfigEntry, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConfigEntry, len(c.entries))
	copy(out, c.entries)
	return out, c.gen
}

// Ensure applies, in priority order, every entry the handle has not yet
// applied at that entry's install generation. Unchanged entries are never
// re-invoked. A failing invoke leaves the handle unusable; the caller
// must discard it.
func (c *ConfigChain) Ensure(h *Handle) error {
	entries, gen := c.snapshot()
	if h.appliedGen == gen {
		return nil
	}

	live := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		live[e.Name] = struct{}{}
	}
	// Names removed from the chain are forgotten; their uninvoke already
	// ran through the pool when the removal happened.
	for name := range h.applied {
		if _, ok := live[name]; !ok {
			delete(h.applied, name)
		}
	}

	for _, e := range entries {
		if appliedAt, ok := h.applied[e.Name]; ok && appliedAt >= e.setGen {
			continue
		}
		if err := e.Invoke(h); err != nil {
			return mapEngineError(err, h.path, "", h.tag)
		}
		h.applied[e.Name] = e.setGen
	}
	h.appliedGen = gen
	return nil
}

// UninvokeAll tears down every applied entry in reverse priority order.
// Used when the pool finalizes a handle.
func (c *ConfigChain) UninvokeAll(h *Handle) {
	entries, _ := c.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if _, ok := h.applied[e.Name]; !ok {
			continue
		}
		if e.Uninvoke != nil {
			// Best effort: the handle is being finalized either way.
			_ = e.Uninvoke(h)
		}
		delete(h.applied, e.Name)
	}
}
