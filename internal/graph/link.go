package graph

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/merr"
	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/signalbus"
)

// LinkState is one state in a link's lifecycle.
type LinkState int

const (
	LinkInit LinkState = iota
	LinkNegotiating
	LinkAllocating
	LinkPaused
	LinkRunning
	LinkUnlinked
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case LinkInit:
		return "init"
	case LinkNegotiating:
		return "negotiating"
	case LinkAllocating:
		return "allocating"
	case LinkPaused:
		return "paused"
	case LinkRunning:
		return "running"
	case LinkUnlinked:
		return "unlinked"
	case LinkError:
		return "error"
	default:
		return "unknown"
	}
}

var linkTransitions = map[LinkState]map[LinkState]bool{
	LinkInit:        {LinkNegotiating: true, LinkUnlinked: true, LinkError: true},
	LinkNegotiating: {LinkAllocating: true, LinkUnlinked: true, LinkError: true},
	LinkAllocating:  {LinkPaused: true, LinkUnlinked: true, LinkError: true},
	LinkPaused:      {LinkRunning: true, LinkUnlinked: true, LinkError: true},
	LinkRunning:     {LinkPaused: true, LinkUnlinked: true, LinkError: true},
	LinkUnlinked:    {},
	LinkError:       {LinkUnlinked: true},
}

const (
	SignalLinkStateChanged = "link_state_changed"

	// SignalPortUnlinked fires when a link reaches UNLINKED, naming the
	// side that detached, per spec.md §4.4's "emits port-unlinked with
	// the detaching side." The daemon uses this to retry the auto-link
	// policy for a surviving peer after a one-sided tear-down.
	SignalPortUnlinked = "port_unlinked"
)

// LinkStateChange is the payload of a link_state_changed signal.
type LinkStateChange struct {
	Link *Link
	From LinkState
	To   LinkState
}

// PortUnlinkedEvent is the payload of a port_unlinked signal. Detached
// is the port whose owning node is going away; it may be nil if the
// link was unlinked generically (via SetState) rather than through
// Detach.
type PortUnlinkedEvent struct {
	Link     *Link
	Detached *Port
}

// Link binds one output Port to one input Port. Reaching RUNNING
// requires both endpoint nodes to already be in NodeRunning; an ERROR
// transition notifies both endpoint nodes so they can react.
type Link struct {
	mu     sync.RWMutex
	obj    *registry.Object
	output *Port
	input  *Port
	state  LinkState

	bus      *signalbus.Bus
	activity *registry.ActivityLog
	log      *zap.Logger
}

// NewLink binds output to input. Returns merr.ErrInvalid if either
// port already has a link, or if output/input directions are
// reversed.
func NewLink(output, input *Port, bus *signalbus.Bus, activity *registry.ActivityLog, log *zap.Logger) (*Link, error) {
	if output.Direction() != PortOutput || input.Direction() != PortInput {
		return nil, fmt.Errorf("link: %w: endpoints must be (output, input)", merr.ErrInvalid)
	}
	if !output.Linkable() || !input.Linkable() {
		return nil, fmt.Errorf("link: %w: a port is already linked", merr.ErrInvalid)
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Link{output: output, input: input, state: LinkInit, bus: bus, activity: activity, log: log}
	output.bindLink(l)
	input.bindLink(l)
	return l, nil
}

// Object implements registry.Impl once BindObject has attached the
// registry identity.
func (l *Link) Object() *registry.Object {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.obj
}

// BindObject attaches the registry identity assigned to this link.
func (l *Link) BindObject(obj *registry.Object) {
	l.mu.Lock()
	l.obj = obj
	l.mu.Unlock()
}

// Output and Input return the link's bound ports.
func (l *Link) Output() *Port { return l.output }
func (l *Link) Input() *Port  { return l.input }

// State returns the link's current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// SetState attempts a transition to to, enforcing that RUNNING is
// only reachable when both endpoint nodes are themselves RUNNING.
// UNLINKED is terminal and unbinds both ports so they become linkable
// again; reaching it here emits port_unlinked with a nil Detached.
func (l *Link) SetState(to LinkState) error {
	return l.setState(to, nil)
}

func (l *Link) setState(to LinkState, side *Port) error {
	l.mu.Lock()
	from := l.state
	if !linkTransitions[from][to] {
		l.mu.Unlock()
		return fmt.Errorf("link %s: %w: %s -> %s", l.debugID(), merr.ErrInvalid, from, to)
	}
	if to == LinkRunning {
		if l.output.Node().State() != NodeRunning || l.input.Node().State() != NodeRunning {
			l.mu.Unlock()
			return fmt.Errorf("link %s: %w: both endpoints must be running", l.debugID(), merr.ErrInvalid)
		}
	}
	l.state = to
	obj := l.obj
	l.mu.Unlock()

	if to == LinkUnlinked {
		l.output.unbindLink()
		l.input.unbindLink()
	}
	if to == LinkError {
		// both endpoint nodes must observe the error per spec.md §4.4;
		// drive their own state machines rather than faking the signal.
		_ = l.output.Node().SetState(NodeError)
		_ = l.input.Node().SetState(NodeError)
	}

	if l.activity != nil && obj != nil {
		l.activity.Add(registry.ActivityEvent{
			Kind:     "link_state",
			ObjectID: obj.ID(),
			Detail:   fmt.Sprintf("%s -> %s", from, to),
		})
	}
	if l.bus != nil {
		l.bus.Emit(SignalLinkStateChanged, LinkStateChange{Link: l, From: from, To: to})
		if to == LinkUnlinked {
			l.bus.Emit(SignalPortUnlinked, PortUnlinkedEvent{Link: l, Detached: side})
		}
	}
	l.log.Debug("link state transition", zap.String("link", l.debugID()), zap.String("from", from.String()), zap.String("to", to.String()))
	return nil
}

// Detach transitions the link to UNLINKED on behalf of side (the port
// whose owning node is being torn down) and emits port_unlinked naming
// it, so the daemon's graph policy can retry auto-link for a
// surviving peer per spec.md §4.2's link lifecycle hooks.
func (l *Link) Detach(side *Port) error {
	return l.setState(LinkUnlinked, side)
}

func (l *Link) debugID() string {
	if l.obj == nil {
		return "(unbound)"
	}
	return fmt.Sprintf("%d", l.obj.ID())
}
