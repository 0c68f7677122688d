package daemon

import (
	"errors"
	"testing"
	"time"

	"github.com/northforge/mediad/internal/client"
	"github.com/northforge/mediad/internal/config"
	"github.com/northforge/mediad/internal/graph"
	"github.com/northforge/mediad/internal/merr"
	"github.com/northforge/mediad/internal/props"
)

func testConfig(autoLink bool) config.Config {
	return config.Config{
		Name:                 "mediad-test",
		RingSize:             4096,
		AutoLinkEnabled:      autoLink,
		HousekeepingInterval: time.Hour,
		ActivityLogSize:      64,
		ActivityLogTTL:       time.Minute,
	}
}

func newTestDaemon(t *testing.T, autoLink bool) *Daemon {
	t.Helper()
	d, err := New(testConfig(autoLink), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d
}

// echoFactory builds a node with one output and one input port,
// publishing them by moving to SUSPENDED before returning — the same
// "ports are ready" signal a real concrete node implementation gives
// once its initial port set is frozen (spec.md §4.3). CreateNode's
// registration emits object_added synchronously, so onNodeAdded sees
// a node already >= SUSPENDED and runs the node-created procedure
// (and its auto-link pass) immediately.
func echoFactory(name string) Factory {
	return func(p *props.Properties) (*graph.Node, error) {
		n := graph.NewNode(name, p, nil, nil, nil)
		n.AddPort(graph.PortOutput, nil)
		n.AddPort(graph.PortInput, nil)
		if err := n.SetState(graph.NodeSuspended); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func TestCreateNodeMissingFactoryReturnsNotFound(t *testing.T) {
	d := newTestDaemon(t, false)

	_, err := d.CreateNode(nil, "no.such.factory", props.New())
	if err == nil {
		t.Fatalf("expected an error for an unregistered factory")
	}
	if !errors.Is(err, merr.ErrNotFound) {
		t.Fatalf("expected merr.ErrNotFound, got %v", err)
	}
}

func TestCreateNodeAutoLinksToNamedTarget(t *testing.T) {
	d := newTestDaemon(t, true)
	d.RegisterFactory("echo", echoFactory("echo"))

	owner := client.New(nil, d.Bus, nil)
	d.AddClient(owner)

	sinkProps := props.New()
	sinkProps.Set("node.name", "speaker-out")
	sink, err := d.CreateNode(owner, "echo", sinkProps)
	if err != nil {
		t.Fatalf("CreateNode(sink): %v", err)
	}

	srcProps := props.New()
	srcProps.Set("node.name", "app-source")
	srcProps.Set("target.node", "speaker-out")
	_, err = d.CreateNode(owner, "echo", srcProps)
	if err != nil {
		t.Fatalf("CreateNode(source): %v", err)
	}

	var linked bool
	for _, p := range sink.Ports() {
		if p.Direction() == graph.PortInput && !p.Linkable() {
			linked = true
		}
	}
	if !linked {
		t.Fatalf("expected the sink's input port to be linked after auto-link")
	}

	d.RemoveClient(owner)

	for _, p := range sink.Ports() {
		if !p.Linkable() {
			t.Fatalf("expected sink ports to be freed after owning client teardown")
		}
	}
}

// TestAutoLinkSinkTeardownReportsErrorToSource exercises scenario S2's
// second half: once the sink is destroyed, its link must reach
// UNLINKED and the surviving source node must observe an error.
func TestAutoLinkSinkTeardownReportsErrorToSource(t *testing.T) {
	d := newTestDaemon(t, true)
	d.RegisterFactory("echo", echoFactory("echo"))

	sinkOwner := client.New(nil, d.Bus, nil)
	d.AddClient(sinkOwner)
	srcOwner := client.New(nil, d.Bus, nil)
	d.AddClient(srcOwner)

	sinkProps := props.New()
	sinkProps.Set("node.name", "speaker-out")
	sink, err := d.CreateNode(sinkOwner, "echo", sinkProps)
	if err != nil {
		t.Fatalf("CreateNode(sink): %v", err)
	}

	srcProps := props.New()
	srcProps.Set("node.name", "app-source")
	srcProps.Set("target.node", "speaker-out")
	src, err := d.CreateNode(srcOwner, "echo", srcProps)
	if err != nil {
		t.Fatalf("CreateNode(source): %v", err)
	}

	var link *graph.Link
	for _, p := range src.Ports() {
		if p.Direction() == graph.PortOutput {
			link = p.Link()
		}
	}
	if link == nil {
		t.Fatalf("expected src's output port to be linked after auto-link")
	}

	d.RemoveClient(sinkOwner)

	if link.State() != graph.LinkUnlinked {
		t.Fatalf("expected link to reach UNLINKED after sink teardown, got %s", link.State())
	}
	if src.State() != graph.NodeError {
		t.Fatalf("expected src to observe an error after its sink vanished, got %s", src.State())
	}
}

func TestCreateNodeWithoutTargetStaysUnlinked(t *testing.T) {
	d := newTestDaemon(t, true)
	d.RegisterFactory("echo", echoFactory("echo"))

	n, err := d.CreateNode(nil, "echo", props.New())
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	for _, p := range n.Ports() {
		if !p.Linkable() {
			t.Fatalf("expected node with no target.node to remain unlinked")
		}
	}
}
