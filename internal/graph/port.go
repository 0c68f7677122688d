package graph

import (
	"sync"

	"github.com/northforge/mediad/internal/props"
	"github.com/northforge/mediad/internal/registry"
)

// PortDirection is which way buffers flow through a port.
type PortDirection int

const (
	PortOutput PortDirection = iota
	PortInput
)

func (d PortDirection) String() string {
	if d == PortInput {
		return "input"
	}
	return "output"
}

// Port is one connection point on a Node. A port is linkable when it
// has no active Link bound to it.
type Port struct {
	mu        sync.RWMutex
	obj       *registry.Object
	node      *Node
	localID   uint32
	direction PortDirection
	props     *props.Properties
	link      *Link
}

func newPort(node *Node, localID uint32, direction PortDirection, p *props.Properties) *Port {
	if p == nil {
		p = props.New()
	}
	return &Port{node: node, localID: localID, direction: direction, props: p}
}

// Object implements registry.Impl once BindObject has attached the
// registry identity.
func (p *Port) Object() *registry.Object {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.obj
}

// BindObject attaches the registry identity assigned to this port.
func (p *Port) BindObject(obj *registry.Object) {
	p.mu.Lock()
	p.obj = obj
	p.mu.Unlock()
}

// Node returns the port's owning node.
func (p *Port) Node() *Node { return p.node }

// Direction returns whether this is an input or output port.
func (p *Port) Direction() PortDirection { return p.direction }

// Properties returns the port's property dictionary.
func (p *Port) Properties() *props.Properties { return p.props }

// Link returns the port's currently bound link, if any.
func (p *Port) Link() *Link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link
}

// Linkable reports whether the port has no link bound to it yet.
func (p *Port) Linkable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link == nil
}

func (p *Port) bindLink(l *Link) {
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
}

func (p *Port) unbindLink() {
	p.mu.Lock()
	p.link = nil
	p.mu.Unlock()
}
