package config

import (
	"fmt"

	"github.com/postalsys/kvmux/internal/edge"
)

// Neighbors holds one reference per edge.Direction.
type Neighbors [edge.NumDirections]NodeRef

// Hotkey is a key chord bound to a resolved action.
type Hotkey struct {
	Key    string
	Action Action
}

// Topology is the configuration with every node name resolved.
type Topology struct {
	Master  Neighbors
	Remotes []Neighbors // indexed like Config.Remotes
	Hotkeys []Hotkey
}

// Resolve resolves every node name in the neighbor tables and hotkey
// actions. An unknown name fails with ErrUnknownNode.
func (c *Config) Resolve() (*Topology, error) {
	topo := &Topology{
		Remotes: make([]Neighbors, len(c.Remotes)),
	}

	var err error
	if topo.Master, err = c.resolveNeighbors(c.Master.Neighbors); err != nil {
		return nil, fmt.Errorf("master neighbors: %w", err)
	}
	for i, r := range c.Remotes {
		if topo.Remotes[i], err = c.resolveNeighbors(r.Neighbors); err != nil {
			return nil, fmt.Errorf("remote %q neighbors: %w", r.Name(), err)
		}
	}

	for _, h := range c.Hotkeys {
		a, err := ParseAction(h.Action)
		if err != nil {
			return nil, fmt.Errorf("hotkey %q: %w", h.Key, err)
		}
		if a.Kind == ActionSwitchTo {
			if a.Node, err = c.resolve(a.Node); err != nil {
				return nil, fmt.Errorf("hotkey %q: %w", h.Key, err)
			}
		}
		topo.Hotkeys = append(topo.Hotkeys, Hotkey{Key: h.Key, Action: a})
	}

	return topo, nil
}

func (c *Config) resolveNeighbors(nc NeighborsConfig) (Neighbors, error) {
	var out Neighbors
	for dir, name := range nc.Names() {
		ref, err := c.resolve(ParseNodeRef(name))
		if err != nil {
			return out, fmt.Errorf("%s: %w", edge.Direction(dir), err)
		}
		out[dir] = ref
	}
	return out, nil
}

// Warnings reports remotes that cannot be reached by walking neighbor
// links from the controller and remotes with no neighbors at all.
func (t *Topology) Warnings(c *Config) []string {
	reachable := make([]bool, len(t.Remotes))

	// Depth-first walk; the graph may contain cycles.
	stack := make([]int, 0, len(t.Remotes))
	push := func(n Neighbors) {
		for _, ref := range n {
			if ref.Kind() != RefRemote || reachable[ref.Index()] {
				continue
			}
			reachable[ref.Index()] = true
			stack = append(stack, ref.Index())
		}
	}
	push(t.Master)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		push(t.Remotes[i])
	}

	var warnings []string
	for i, ok := range reachable {
		if !ok {
			warnings = append(warnings, fmt.Sprintf("remote %q is not reachable from the controller", c.Remotes[i].Name()))
		}
	}
	for i, n := range t.Remotes {
		count := 0
		for _, ref := range n {
			if ref.Kind() != RefNone {
				count++
			}
		}
		if count == 0 {
			warnings = append(warnings, fmt.Sprintf("remote %q has no neighbors", c.Remotes[i].Name()))
		}
	}
	return warnings
}
