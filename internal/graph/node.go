// Package graph implements the processing graph surface: nodes,
// ports and links and their state machines. The policy that wires
// them together lives in internal/daemon. It does not implement any concrete node
// behavior (resampling, mixing, device I/O) — only the object model
// and lifecycle that any such node plugs into.
package graph

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/dataloop"
	"github.com/northforge/mediad/internal/merr"
	"github.com/northforge/mediad/internal/props"
	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/signalbus"
)

// NodeState is one state in a node's lifecycle.
type NodeState int

const (
	NodeCreating NodeState = iota
	NodeSuspended
	NodeIdle
	NodePaused
	NodeRunning
	NodeError
)

func (s NodeState) String() string {
	switch s {
	case NodeCreating:
		return "creating"
	case NodeSuspended:
		return "suspended"
	case NodeIdle:
		return "idle"
	case NodePaused:
		return "paused"
	case NodeRunning:
		return "running"
	case NodeError:
		return "error"
	default:
		return "unknown"
	}
}

var nodeTransitions = map[NodeState]map[NodeState]bool{
	NodeCreating:  {NodeSuspended: true, NodeIdle: true, NodeError: true},
	NodeSuspended: {NodeIdle: true, NodeError: true},
	NodeIdle:      {NodeSuspended: true, NodePaused: true, NodeError: true},
	NodePaused:    {NodeRunning: true, NodeIdle: true, NodeError: true},
	NodeRunning:   {NodePaused: true, NodeError: true},
	NodeError:     {},
}

const (
	SignalNodeStateChanged = "node_state_changed"

	// SignalPortAdded fires when a port is added to a node that has
	// already published its initial port set (state >= SUSPENDED).
	// The daemon subscribes to this to re-drive the auto-link policy
	// for ports that show up after node creation, per spec.md §4.2.
	SignalPortAdded = "port_added"
)

// NodeStateChange is the payload of a node_state_changed signal.
type NodeStateChange struct {
	Node *Node
	From NodeState
	To   NodeState
}

// PortAddedEvent is the payload of a port_added signal.
type PortAddedEvent struct {
	Node *Node
	Port *Port
}

// Node is one vertex of the processing graph: a named, propertied
// object owning a set of ports, cycling through NodeState as the
// daemon and its (out of scope) concrete implementation drive it.
type Node struct {
	mu      sync.RWMutex
	obj     *registry.Object
	factory string
	props   *props.Properties
	state   NodeState
	ports   map[uint32]*Port
	nextPID uint32

	dataLoop *dataloop.Loop
	removing bool

	bus      *signalbus.Bus
	activity *registry.ActivityLog
	log      *zap.Logger
}

// NewNode constructs a node in CREATING state. factory names the
// (out of scope) concrete implementation that asked for it, surfaced
// read-only for diagnostics.
func NewNode(factory string, p *props.Properties, bus *signalbus.Bus, activity *registry.ActivityLog, log *zap.Logger) *Node {
	if p == nil {
		p = props.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		factory:  factory,
		props:    p,
		state:    NodeCreating,
		ports:    make(map[uint32]*Port),
		bus:      bus,
		activity: activity,
		log:      log,
	}
}

// Object implements registry.Impl once BindObject has attached the
// registry identity.
func (n *Node) Object() *registry.Object {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.obj
}

// BindObject attaches the registry identity assigned to this node.
// Called once by the daemon right after registry.Add.
func (n *Node) BindObject(obj *registry.Object) {
	n.mu.Lock()
	n.obj = obj
	n.mu.Unlock()
}

// Factory returns the name of the node's (out of scope) implementation.
func (n *Node) Factory() string { return n.factory }

// Properties returns the node's property dictionary.
func (n *Node) Properties() *props.Properties {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.props
}

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// SetState attempts a transition to to. Returns merr.ErrInvalid if
// the transition is not in the allowed table. Every transition except
// into ERROR is driven by the daemon or the owning node implementation;
// ERROR is reachable from any non-terminal state to model a runtime
// fault.
func (n *Node) SetState(to NodeState) error {
	n.mu.Lock()
	from := n.state
	if to != NodeError && !nodeTransitions[from][to] {
		n.mu.Unlock()
		return fmt.Errorf("node %s: %w: %s -> %s", n.debugID(), merr.ErrInvalid, from, to)
	}
	if to == NodeError && from == NodeError {
		n.mu.Unlock()
		return nil
	}
	n.state = to
	obj := n.obj
	n.mu.Unlock()

	if n.activity != nil && obj != nil {
		n.activity.Add(registry.ActivityEvent{
			Kind:     "node_state",
			ObjectID: obj.ID(),
			TypeURI:  obj.TypeURI(),
			Detail:   fmt.Sprintf("%s -> %s", from, to),
		})
	}
	if n.bus != nil {
		n.bus.Emit(SignalNodeStateChanged, NodeStateChange{Node: n, From: from, To: to})
	}
	n.log.Debug("node state transition", zap.String("node", n.debugID()), zap.String("from", from.String()), zap.String("to", to.String()))
	return nil
}

// AttachDataLoop records the process-wide real-time data loop this
// node's own processing is scheduled on, mirroring the original
// daemon's g_object_set(node, "data-loop", ...) at node-added time
// (spec.md §4.2). The daemon calls this once, from onObjectAdded,
// before running the node-created procedure.
func (n *Node) AttachDataLoop(loop *dataloop.Loop) {
	n.mu.Lock()
	n.dataLoop = loop
	n.mu.Unlock()
}

// DataLoop returns the data loop attached via AttachDataLoop, or nil
// if none has been attached yet.
func (n *Node) DataLoop() *dataloop.Loop {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dataLoop
}

// MarkRemoving flags the node as being torn down, so a concurrent
// auto-link scan skips it as a target candidate rather than racing
// its registry removal.
func (n *Node) MarkRemoving() {
	n.mu.Lock()
	n.removing = true
	n.mu.Unlock()
}

// IsRemoving reports whether MarkRemoving has been called.
func (n *Node) IsRemoving() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.removing
}

func (n *Node) debugID() string {
	if n.obj == nil {
		return "(unbound)"
	}
	return fmt.Sprintf("%d", n.obj.ID())
}

// AddPort creates a port owned by this node and returns it. The
// caller (typically the daemon, mirroring the node's own factory)
// still must register the port's Object with the registry.
//
// A port added before the node has published its initial set (state
// < SUSPENDED) is part of that initial set and is picked up by the
// node-created procedure once the node reaches SUSPENDED; no signal
// fires here for it. A port added afterward is a later addition and
// emits port_added immediately so the daemon can re-drive auto-link
// for it, per spec.md §4.2.
func (n *Node) AddPort(direction PortDirection, p *props.Properties) *Port {
	n.mu.Lock()
	n.nextPID++
	port := newPort(n, n.nextPID, direction, p)
	n.ports[port.localID] = port
	published := n.state >= NodeSuspended
	n.mu.Unlock()

	if published && n.bus != nil {
		n.bus.Emit(SignalPortAdded, PortAddedEvent{Node: n, Port: port})
	}
	return port
}

// RemovePort drops a port from this node's owned set.
func (n *Node) RemovePort(p *Port) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.ports, p.localID)
}

// Ports returns a snapshot of the node's current ports.
func (n *Node) Ports() []*Port {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Port, 0, len(n.ports))
	for _, p := range n.ports {
		out = append(out, p)
	}
	return out
}
