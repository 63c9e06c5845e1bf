package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/postalsys/kvmux/internal/edge"
)

// ErrUnknownNode is returned when a node name matches no remote.
var ErrUnknownNode = errors.New("no such remote")

// RefKind discriminates NodeRef.
type RefKind uint8

const (
	RefNone RefKind = iota
	RefMaster
	RefRemote
	RefUnresolved
)

// NodeRef names a node. References parsed from the file are Unresolved
// until Resolve turns them into RefRemote.
type NodeRef struct {
	kind  RefKind
	name  string
	index int
}

// ParseNodeRef parses a node name: empty is RefNone, "master" is
// RefMaster, anything else is an unresolved remote name.
func ParseNodeRef(name string) NodeRef {
	switch name {
	case "":
		return NodeRef{kind: RefNone}
	case MasterName:
		return NodeRef{kind: RefMaster}
	default:
		return NodeRef{kind: RefUnresolved, name: name}
	}
}

// Kind returns the reference kind.
func (n NodeRef) Kind() RefKind {
	return n.kind
}

// Name returns the name as written in the configuration.
func (n NodeRef) Name() string {
	switch n.kind {
	case RefNone:
		return ""
	case RefMaster:
		return MasterName
	default:
		return n.name
	}
}

// Index returns the remote index of a resolved reference. Calling it on
// any other kind is a programming error.
func (n NodeRef) Index() int {
	if n.kind != RefRemote {
		panic(fmt.Sprintf("config: Index on %s node reference %q", n.kind, n.name))
	}
	return n.index
}

func (k RefKind) String() string {
	switch k {
	case RefNone:
		return "none"
	case RefMaster:
		return "master"
	case RefRemote:
		return "remote"
	case RefUnresolved:
		return "unresolved"
	default:
		return "invalid"
	}
}

// FindRemote returns the index of the remote named name, matching aliases
// before hostnames.
func (c *Config) FindRemote(name string) (int, bool) {
	for i, r := range c.Remotes {
		if r.Alias == name {
			return i, true
		}
	}
	for i, r := range c.Remotes {
		if r.Hostname == name {
			return i, true
		}
	}
	return 0, false
}

func (c *Config) resolve(n NodeRef) (NodeRef, error) {
	if n.kind != RefUnresolved {
		return n, nil
	}
	i, ok := c.FindRemote(n.name)
	if !ok {
		return NodeRef{}, fmt.Errorf("%w: %q", ErrUnknownNode, n.name)
	}
	return NodeRef{kind: RefRemote, name: n.name, index: i}, nil
}

// ActionKind identifies a hotkey action.
type ActionKind uint8

const (
	ActionSwitch ActionKind = iota
	ActionSwitchTo
	ActionReconnect
	ActionQuit
)

// Action is a parsed hotkey action.
type Action struct {
	Kind ActionKind
	Dir  edge.Direction // ActionSwitch
	Node NodeRef        // ActionSwitchTo
}

// ParseAction parses "switch DIR", "switch-to NODE", "reconnect" or
// "quit".
func ParseAction(s string) (Action, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Action{}, fmt.Errorf("action is required")
	}

	switch fields[0] {
	case "switch":
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("switch takes one direction: %q", s)
		}
		dir, err := edge.ParseDirection(fields[1])
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSwitch, Dir: dir}, nil
	case "switch-to":
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("switch-to takes one node name: %q", s)
		}
		return Action{Kind: ActionSwitchTo, Node: ParseNodeRef(fields[1])}, nil
	case "reconnect", "quit":
		if len(fields) != 1 {
			return Action{}, fmt.Errorf("%s takes no arguments: %q", fields[0], s)
		}
		if fields[0] == "quit" {
			return Action{Kind: ActionQuit}, nil
		}
		return Action{Kind: ActionReconnect}, nil
	default:
		return Action{}, fmt.Errorf("unknown action %q", fields[0])
	}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSwitch:
		return "switch " + a.Dir.String()
	case ActionSwitchTo:
		return "switch-to " + a.Node.Name()
	case ActionReconnect:
		return "reconnect"
	case ActionQuit:
		return "quit"
	default:
		return "invalid"
	}
}
