package daemon

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/graph"
	"github.com/northforge/mediad/internal/registry"
)

// newAutoLinkCache bounds the target.node -> resolved-node memo used
// by autoLinkPort, the same role internal/core/nodelookup.go's cache
// plays for repeated AllStarLink node-number lookups.
func newAutoLinkCache() *lru.Cache[string, *graph.Node] {
	c, _ := lru.New[string, *graph.Node](256)
	return c
}

// autoLinkPort applies the auto-link policy to one port of n: if n
// carries a target.node property, it resolves that string to a free,
// opposite-direction port on the first matching node and links the
// two, mirroring the original daemon's try_link_port (original_source
// daemon.c). A node with no target.node is left alone — the spec's
// legitimate silent fallthrough (spec.md §9). A target.node that
// fails to resolve to a port, however, is a fault: the node is
// reported an error, matching try_link_port's goto error ->
// pinos_node_report_error.
func (d *Daemon) autoLinkPort(n *graph.Node, port *graph.Port) {
	if !port.Linkable() {
		return
	}
	target, ok := n.Properties().Get("target.node")
	if !ok || target == "" {
		return
	}

	peerPort := d.resolveAutoLinkPort(target, n, opposite(port.Direction()))
	if peerPort == nil {
		const reason = "No matching Node found"
		d.log.Warn(reason, zap.String("target.node", target))
		if obj := n.Object(); obj != nil && d.Activity != nil {
			d.Activity.Add(registry.ActivityEvent{
				Kind:     "node_error",
				ObjectID: obj.ID(),
				Detail:   reason,
			})
		}
		_ = n.SetState(graph.NodeError)
		return
	}

	var out, in *graph.Port
	if port.Direction() == graph.PortOutput {
		out, in = port, peerPort
	} else {
		out, in = peerPort, port
	}

	link, err := graph.NewLink(out, in, d.Bus, d.Activity, d.log.Named("link"))
	if err != nil {
		d.log.Warn("auto-link failed to bind ports", zap.Error(err))
		return
	}
	obj := d.Registry.Add("mediad:object.core/Link", link)
	link.BindObject(obj)
	_ = link.SetState(graph.LinkNegotiating)
	_ = link.SetState(graph.LinkAllocating)
	_ = link.SetState(graph.LinkPaused)
}

func opposite(d graph.PortDirection) graph.PortDirection {
	if d == graph.PortOutput {
		return graph.PortInput
	}
	return graph.PortOutput
}

// resolveAutoLinkPort finds the node whose node.name suffix-matches
// target, skipping nodes currently being removed and n itself, then
// asks that specific node — and only that one — for a free port in
// wantDirection. Per spec.md §4.2, a suffix match with no compatible
// free port is itself "none found": the scan does not fall through to
// a second candidate node.
func (d *Daemon) resolveAutoLinkPort(target string, n *graph.Node, wantDirection graph.PortDirection) *graph.Port {
	peer := d.resolveAutoLinkTarget(target, n)
	if peer == nil {
		return nil
	}
	for _, p := range peer.Ports() {
		if p.Direction() == wantDirection && p.Linkable() {
			return p
		}
	}
	return nil
}

// resolveAutoLinkTarget looks target up in the daemon's LRU memo
// first, falling back to a full registry scan on a miss or a stale
// hit (the cached node has since been removed from the registry, or
// is now being torn down). Successful scans are cached so repeated
// connections to the same named target (a common pattern: many
// sources targeting one sink) don't re-scan the whole registry each
// time.
func (d *Daemon) resolveAutoLinkTarget(target string, n *graph.Node) *graph.Node {
	if d.autoLinkCache != nil {
		if cached, ok := d.autoLinkCache.Get(target); ok && cached != n && !cached.IsRemoving() {
			if obj := cached.Object(); obj != nil {
				if live, ok := d.Registry.Lookup(obj.ID()); ok && live.Impl() == cached {
					return cached
				}
			}
		}
		d.autoLinkCache.Remove(target)
	}

	for _, obj := range d.Registry.Iter() {
		candidate, ok := obj.Impl().(*graph.Node)
		if !ok || candidate == n || candidate.IsRemoving() {
			continue
		}
		name, _ := candidate.Properties().Get("node.name")
		if hasSuffixMatch(name, target) {
			if d.autoLinkCache != nil {
				d.autoLinkCache.Add(target, candidate)
			}
			return candidate
		}
	}
	return nil
}

func hasSuffixMatch(name, target string) bool {
	if name == "" || target == "" {
		return false
	}
	if len(target) > len(name) {
		return false
	}
	return name[len(name)-len(target):] == target
}
