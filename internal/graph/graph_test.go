package graph

import (
	"testing"

	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/signalbus"
)

func newTestNode(t *testing.T, bus *signalbus.Bus, reg *registry.Registry) *Node {
	t.Helper()
	n := NewNode("test.factory", nil, bus, nil, nil)
	obj := reg.Add("mediad:object.core/Node", n)
	n.BindObject(obj)
	return n
}

func TestNodeStateMachineRejectsInvalidTransition(t *testing.T) {
	bus := signalbus.New()
	reg := registry.New(bus, 0)
	n := newTestNode(t, bus, reg)

	if err := n.SetState(NodeRunning); err == nil {
		t.Fatalf("expected error transitioning CREATING -> RUNNING directly")
	}
	if n.State() != NodeCreating {
		t.Fatalf("expected state to remain CREATING after rejected transition")
	}
}

func TestNodeStateMachineErrorReachableFromAnywhere(t *testing.T) {
	bus := signalbus.New()
	reg := registry.New(bus, 0)
	n := newTestNode(t, bus, reg)

	if err := n.SetState(NodeIdle); err != nil {
		t.Fatalf("CREATING -> IDLE: %v", err)
	}
	if err := n.SetState(NodePaused); err != nil {
		t.Fatalf("IDLE -> PAUSED: %v", err)
	}
	if err := n.SetState(NodeError); err != nil {
		t.Fatalf("PAUSED -> ERROR: %v", err)
	}
	if n.State() != NodeError {
		t.Fatalf("expected ERROR state, got %s", n.State())
	}
}

func TestLinkRunningRequiresBothEndpointsRunning(t *testing.T) {
	bus := signalbus.New()
	reg := registry.New(bus, 0)
	src := newTestNode(t, bus, reg)
	dst := newTestNode(t, bus, reg)

	out := src.AddPort(PortOutput, nil)
	in := dst.AddPort(PortInput, nil)

	link, err := NewLink(out, in, bus, nil, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := link.SetState(LinkNegotiating); err != nil {
		t.Fatalf("INIT -> NEGOTIATING: %v", err)
	}
	if err := link.SetState(LinkAllocating); err != nil {
		t.Fatalf("NEGOTIATING -> ALLOCATING: %v", err)
	}
	if err := link.SetState(LinkPaused); err != nil {
		t.Fatalf("ALLOCATING -> PAUSED: %v", err)
	}

	// neither endpoint is RUNNING yet: the link must refuse to follow.
	if err := link.SetState(LinkRunning); err == nil {
		t.Fatalf("expected link to refuse RUNNING while endpoints are not running")
	}

	for _, n := range []*Node{src, dst} {
		if err := n.SetState(NodeIdle); err != nil {
			t.Fatalf("CREATING -> IDLE: %v", err)
		}
		if err := n.SetState(NodePaused); err != nil {
			t.Fatalf("IDLE -> PAUSED: %v", err)
		}
		if err := n.SetState(NodeRunning); err != nil {
			t.Fatalf("PAUSED -> RUNNING: %v", err)
		}
	}

	if err := link.SetState(LinkRunning); err != nil {
		t.Fatalf("expected link to reach RUNNING once both endpoints are running: %v", err)
	}
}

func TestLinkUnlinkFreesPortsForReuse(t *testing.T) {
	bus := signalbus.New()
	reg := registry.New(bus, 0)
	src := newTestNode(t, bus, reg)
	dst := newTestNode(t, bus, reg)
	out := src.AddPort(PortOutput, nil)
	in := dst.AddPort(PortInput, nil)

	link, err := NewLink(out, in, bus, nil, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if out.Linkable() || in.Linkable() {
		t.Fatalf("expected both ports to be non-linkable while bound")
	}
	if err := link.SetState(LinkUnlinked); err != nil {
		t.Fatalf("INIT -> UNLINKED: %v", err)
	}
	if !out.Linkable() || !in.Linkable() {
		t.Fatalf("expected both ports linkable again after unlink")
	}
}

func TestLinkErrorNotifiesBothEndpoints(t *testing.T) {
	bus := signalbus.New()
	reg := registry.New(bus, 0)
	src := newTestNode(t, bus, reg)
	dst := newTestNode(t, bus, reg)
	out := src.AddPort(PortOutput, nil)
	in := dst.AddPort(PortInput, nil)

	var errored []*Node
	bus.Subscribe(SignalNodeStateChanged, func(data any) {
		chg := data.(NodeStateChange)
		if chg.To == NodeError {
			errored = append(errored, chg.Node)
		}
	})

	link, err := NewLink(out, in, bus, nil, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	if err := link.SetState(LinkError); err != nil {
		t.Fatalf("INIT -> ERROR: %v", err)
	}
	if len(errored) != 2 {
		t.Fatalf("expected both endpoint nodes to observe an error event, got %d", len(errored))
	}
	if src.State() != NodeError || dst.State() != NodeError {
		t.Fatalf("expected both endpoint nodes' own state to become ERROR, got src=%s dst=%s", src.State(), dst.State())
	}
}

func TestLinkDetachEmitsPortUnlinkedWithSide(t *testing.T) {
	bus := signalbus.New()
	reg := registry.New(bus, 0)
	src := newTestNode(t, bus, reg)
	dst := newTestNode(t, bus, reg)
	out := src.AddPort(PortOutput, nil)
	in := dst.AddPort(PortInput, nil)

	link, err := NewLink(out, in, bus, nil, nil)
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}

	var got *PortUnlinkedEvent
	bus.Subscribe(SignalPortUnlinked, func(data any) {
		ev := data.(PortUnlinkedEvent)
		got = &ev
	})

	if err := link.Detach(out); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a port_unlinked event")
	}
	if got.Detached != out {
		t.Fatalf("expected the detaching side to be the output port")
	}
	if link.State() != LinkUnlinked {
		t.Fatalf("expected link to reach UNLINKED, got %s", link.State())
	}
}
