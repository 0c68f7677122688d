// Package daemon is the composition root: it owns the registry,
// signal bus, data loop, client table and graph policy, and wires
// them together the way the teacher's root main.go wires its state
// manager, AMI connector and web hub together.
package daemon

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/client"
	"github.com/northforge/mediad/internal/clientnode"
	"github.com/northforge/mediad/internal/config"
	"github.com/northforge/mediad/internal/dataloop"
	"github.com/northforge/mediad/internal/graph"
	"github.com/northforge/mediad/internal/mainloop"
	"github.com/northforge/mediad/internal/merr"
	"github.com/northforge/mediad/internal/props"
	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/signalbus"
)

// Factory builds a concrete node implementation (out of scope of this
// module) given its creation properties. The daemon only manages the
// resulting *graph.Node's lifecycle and wiring.
type Factory func(p *props.Properties) (*graph.Node, error)

// Daemon is the single composition root for one mediad instance.
type Daemon struct {
	cfg config.Config
	log *zap.Logger

	Bus      *signalbus.Bus
	Registry *registry.Registry
	Activity *registry.ActivityLog
	DataLoop *dataloop.Loop
	MainLoop *mainloop.Loop

	mu        sync.RWMutex
	factories map[string]Factory
	clients   map[string]*client.Client
	nodeSubs  map[*graph.Node]signalbus.Subscription

	autoLinkCache *lru.Cache[string, *graph.Node]
	housekeeping  *housekeeping
}

// New builds a daemon and its core subsystems. It does not start the
// data loop thread or any background workers; call Start for that.
func New(cfg config.Config, log *zap.Logger) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bus := signalbus.New()
	reg := registry.New(bus, 512)
	activity := registry.NewActivityLog(cfg.ActivityLogSize, cfg.ActivityLogTTL)

	loop, err := dataloop.New(log.Named("dataloop"), cfg.RingSize)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	mloop, err := mainloop.New(log.Named("mainloop"))
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	d := &Daemon{
		cfg:           cfg,
		log:           log,
		Bus:           bus,
		Registry:      reg,
		Activity:      activity,
		DataLoop:      loop,
		MainLoop:      mloop,
		factories:     make(map[string]Factory),
		clients:       make(map[string]*client.Client),
		nodeSubs:      make(map[*graph.Node]signalbus.Subscription),
		autoLinkCache: newAutoLinkCache(),
	}
	d.housekeeping = newHousekeeping(d, cfg.HousekeepingInterval, log.Named("housekeeping"))

	bus.Subscribe(registry.SignalObjectAdded, d.onObjectAdded)
	bus.Subscribe(registry.SignalObjectRemoved, d.onObjectRemoved)
	bus.Subscribe(graph.SignalPortUnlinked, d.onPortUnlinked)
	bus.Subscribe(graph.SignalPortAdded, d.onPortAddedSignal)

	return d, nil
}

// Start launches the daemon's background workers: the data loop
// thread (lazily, on first poll item) and the housekeeping ticker.
func (d *Daemon) Start(ctx context.Context) {
	d.housekeeping.start(ctx)
}

// Stop tears down every connected client (cascading through their
// owned objects), stops the data loop, and stops housekeeping,
// aggregating any errors encountered along the way.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	clients := make([]*client.Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = make(map[string]*client.Client)
	d.mu.Unlock()

	var errs error
	for _, c := range clients {
		c.Teardown(func(o client.Owned) {
			if err := d.destroyOwned(o); err != nil {
				errs = multierr.Append(errs, err)
			}
		})
	}

	d.housekeeping.stop()
	d.DataLoop.Stop()
	d.MainLoop.Stop()
	return errs
}

// SocketDir returns the directory client-node fd handoff sockets are
// created under.
func (d *Daemon) SocketDir() string { return d.cfg.SocketDir }

// RegisterFactory makes a named node factory available to CreateNode.
func (d *Daemon) RegisterFactory(name string, f Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[name] = f
}

// AddClient registers a new connected peer and returns its record.
func (d *Daemon) AddClient(c *client.Client) {
	obj := d.Registry.Add("mediad:object.core/Client", c)
	c.BindObject(obj)
	d.mu.Lock()
	d.clients[c.ID().String()] = c
	d.mu.Unlock()
}

// RemoveClient tears down a peer's owned objects (LIFO) and forgets
// it, matching scenario S5's cascade-on-vanish behavior.
func (d *Daemon) RemoveClient(c *client.Client) {
	d.mu.Lock()
	delete(d.clients, c.ID().String())
	d.mu.Unlock()
	c.Teardown(func(o client.Owned) {
		if err := d.destroyOwned(o); err != nil {
			d.log.Warn("error tearing down owned object", zap.Error(err))
		}
	})
	if obj := c.Object(); obj != nil {
		d.Registry.Remove(obj)
	}
}

// CreateNode resolves factoryName, builds the node and registers it.
// Registration alone drives all graph policy from there: the
// object_added signal it triggers reaches onObjectAdded, which is the
// sole entry point for auto-link (spec.md §4.2). Returns
// merr.ErrNotFound if no such factory is registered, per scenario S1.
func (d *Daemon) CreateNode(owner *client.Client, factoryName string, p *props.Properties) (*graph.Node, error) {
	d.mu.RLock()
	f, ok := d.factories[factoryName]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("daemon: factory %q: %w", factoryName, merr.ErrNotFound)
	}
	n, err := f(p)
	if err != nil {
		return nil, err
	}
	obj := d.Registry.Add("mediad:object.core/Node", n)
	n.BindObject(obj)
	if owner != nil {
		owner.Own(n)
	}
	return n, nil
}

// CreateClientNode builds a client-node connection (dual socketpair)
// owned by owner, registers it, attaches its real-time and control
// socket halves as poll items on the data loop and main loop
// respectively (spec.md §4.6), and returns it along with the peer
// descriptors to hand off over the control connection.
func (d *Daemon) CreateClientNode(owner *client.Client) (*clientnode.ClientNode, error) {
	cn, err := clientnode.New(d.log.Named("clientnode"))
	if err != nil {
		return nil, err
	}
	obj := d.Registry.Add("mediad:object.core/ClientNode", cn)
	cn.BindObject(obj)
	if owner != nil {
		owner.Own(cn)
	}
	if err := cn.AttachLoops(d.DataLoop, d.MainLoop, d.onClientNodeControlFrame(cn)); err != nil {
		d.Registry.Remove(obj)
		_ = cn.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}
	return cn, nil
}

// onClientNodeControlFrame returns the callback the main loop invokes,
// on its own thread, for each length-prefixed control frame received
// off cn's control socket. The concrete command/event grammar such
// frames carry is a collaborator concern (spec.md §6); the daemon only
// records arrival for diagnostics.
func (d *Daemon) onClientNodeControlFrame(cn *clientnode.ClientNode) func([]byte) {
	return func(frame []byte) {
		d.log.Debug("client-node control frame received", zap.Int("bytes", len(frame)))
		if obj := cn.Object(); obj != nil && d.Activity != nil {
			d.Activity.Add(registry.ActivityEvent{
				Kind:     "clientnode_control_frame",
				ObjectID: obj.ID(),
				Detail:   fmt.Sprintf("%d bytes", len(frame)),
			})
		}
	}
}

func (d *Daemon) destroyOwned(o client.Owned) error {
	switch v := o.(type) {
	case *graph.Node:
		v.MarkRemoving()
		for _, p := range v.Ports() {
			if l := p.Link(); l != nil {
				_ = l.Detach(p)
				if obj := l.Object(); obj != nil {
					d.Registry.Remove(obj)
				}
			}
			if obj := p.Object(); obj != nil {
				d.Registry.Remove(obj)
			}
		}
		if obj := v.Object(); obj != nil {
			d.Registry.Remove(obj)
		}
		return nil
	case *clientnode.ClientNode:
		err := v.Close()
		if obj := v.Object(); obj != nil {
			d.Registry.Remove(obj)
		}
		return err
	default:
		if impl, ok := o.(registry.Impl); ok {
			if obj := impl.Object(); obj != nil {
				d.Registry.Remove(obj)
			}
		}
		return nil
	}
}

// onObjectAdded is the single entry point for all graph policy the
// registry drives, per spec.md §4.2 and the original daemon's
// on_node_added (original_source/pinos/server/daemon.c). Every other
// object type is just logged; nodes get the full procedure.
func (d *Daemon) onObjectAdded(data any) {
	obj := data.(*registry.Object)
	d.log.Debug("object added", zap.Uint32("id", obj.ID()), zap.String("type", obj.TypeURI()))
	if n, ok := obj.Impl().(*graph.Node); ok {
		d.onNodeAdded(n)
	}
}

func (d *Daemon) onObjectRemoved(data any) {
	obj := data.(*registry.Object)
	d.log.Debug("object removed", zap.Uint32("id", obj.ID()), zap.String("type", obj.TypeURI()))
	if n, ok := obj.Impl().(*graph.Node); ok {
		d.mu.Lock()
		sub, tracked := d.nodeSubs[n]
		delete(d.nodeSubs, n)
		d.mu.Unlock()
		if tracked {
			d.Bus.Unsubscribe(sub)
		}
	}
}

// onNodeAdded attaches the process-wide data loop to n (mirroring
// g_object_set(node, "data-loop", ...)) and subscribes to n's own
// state-change signal so a CREATING -> SUSPENDED transition runs the
// "node created" procedure exactly once. If n already reached
// SUSPENDED before this registration fired (its factory published its
// initial ports synchronously), the procedure runs immediately instead
// of waiting for a transition that already happened.
func (d *Daemon) onNodeAdded(n *graph.Node) {
	n.AttachDataLoop(d.DataLoop)

	sub := d.Bus.Subscribe(graph.SignalNodeStateChanged, func(data any) {
		chg := data.(graph.NodeStateChange)
		if chg.Node != n {
			return
		}
		if chg.From == graph.NodeCreating && chg.To == graph.NodeSuspended {
			d.runNodeCreated(n)
		}
	})
	d.mu.Lock()
	d.nodeSubs[n] = sub
	d.mu.Unlock()

	if n.State() >= graph.NodeSuspended {
		d.runNodeCreated(n)
	}
}

// runNodeCreated enumerates n's ports — all inputs, then all outputs,
// per spec.md §4.2 — auto-linking each, mirroring the original
// daemon's on_node_created. Subsequent port_added events (subscribed
// globally in New, via onPortAddedSignal) re-drive the same per-port
// policy for ports that show up later.
func (d *Daemon) runNodeCreated(n *graph.Node) {
	if !d.cfg.AutoLinkEnabled {
		return
	}
	var inputs, outputs []*graph.Port
	for _, p := range n.Ports() {
		if p.Direction() == graph.PortInput {
			inputs = append(inputs, p)
		} else {
			outputs = append(outputs, p)
		}
	}
	for _, p := range inputs {
		d.autoLinkPort(n, p)
	}
	for _, p := range outputs {
		d.autoLinkPort(n, p)
	}
}

// onPortAddedSignal re-drives auto-link for a port added after its
// node already published its initial set, per spec.md §4.2.
func (d *Daemon) onPortAddedSignal(data any) {
	ev := data.(graph.PortAddedEvent)
	if !d.cfg.AutoLinkEnabled {
		return
	}
	d.autoLinkPort(ev.Node, ev.Port)
}

// onPortUnlinked implements spec.md §4.2's link lifecycle hook. When
// the output side detaches, the input side's node may still be live
// and worth re-auto-linking (e.g. against a new source carrying the
// same target.node). When the input side detaches instead (its node
// is being destroyed, per scenario S2), the surviving output-side
// node has lost its target and is reported an error, the way the
// daemon reports any other adjacent-link fault to an endpoint node.
func (d *Daemon) onPortUnlinked(data any) {
	ev := data.(graph.PortUnlinkedEvent)
	if ev.Detached == nil {
		return
	}

	switch ev.Detached.Direction() {
	case graph.PortOutput:
		peer := ev.Link.Input()
		if peer == nil || !d.nodeStillLive(peer.Node()) {
			return
		}
		if d.cfg.AutoLinkEnabled {
			d.autoLinkPort(peer.Node(), peer)
		}
	case graph.PortInput:
		peer := ev.Link.Output()
		if peer == nil || !d.nodeStillLive(peer.Node()) {
			return
		}
		_ = peer.Node().SetState(graph.NodeError)
	}
}

func (d *Daemon) nodeStillLive(n *graph.Node) bool {
	if n == nil {
		return false
	}
	obj := n.Object()
	if obj == nil {
		return false
	}
	_, ok := d.Registry.Lookup(obj.ID())
	return ok
}
