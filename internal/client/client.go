// Package client implements the daemon-side record of a connected
// peer process: its identity, its properties, and the LIFO-ordered
// set of graph objects it owns, torn down in reverse creation order
// when the peer vanishes.
package client

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/props"
	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/signalbus"
)

const (
	SignalClientRemoved = "client_removed"
)

// Owned is anything a Client can own: a node, port, link, or
// client-node, identified for teardown purposes by its registry
// object.
type Owned interface {
	Object() *registry.Object
}

// Client is the daemon's record of one connected peer process.
type Client struct {
	mu    sync.Mutex
	obj   *registry.Object
	id    uuid.UUID
	props *props.Properties
	owned []Owned // creation order; torn down LIFO

	bus *signalbus.Bus
	log *zap.Logger
}

// New creates a client record with a fresh peer identity.
func New(p *props.Properties, bus *signalbus.Bus, log *zap.Logger) *Client {
	if p == nil {
		p = props.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{id: uuid.New(), props: p, bus: bus, log: log}
}

// Object implements registry.Impl once BindObject has attached the
// registry identity.
func (c *Client) Object() *registry.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obj
}

// BindObject attaches the registry identity assigned to this client.
func (c *Client) BindObject(obj *registry.Object) {
	c.mu.Lock()
	c.obj = obj
	c.mu.Unlock()
}

// ID returns the client's opaque peer identity.
func (c *Client) ID() uuid.UUID { return c.id }

// Properties returns the client's property dictionary.
func (c *Client) Properties() *props.Properties { return c.props }

// Own records that obj was created on behalf of this client and
// should be torn down when the client vanishes.
func (c *Client) Own(obj Owned) {
	c.mu.Lock()
	c.owned = append(c.owned, obj)
	c.mu.Unlock()
}

// Disown removes obj from the client's owned set without tearing it
// down, for objects the caller is destroying through its own path.
func (c *Client) Disown(obj Owned) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.owned) - 1; i >= 0; i-- {
		if c.owned[i] == obj {
			c.owned = append(c.owned[:i], c.owned[i+1:]...)
			return
		}
	}
}

// Teardown destroys every object the client owns, most-recently
// created first, invoking destroy for each. It clears the owned list
// as it goes so a panic partway through still leaves already-handled
// objects untracked.
func (c *Client) Teardown(destroy func(Owned)) {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()

	for i := len(owned) - 1; i >= 0; i-- {
		destroy(owned[i])
	}

	if c.bus != nil {
		c.bus.Emit(SignalClientRemoved, c)
	}
	c.log.Info("client removed, owned objects torn down", zap.String("client_id", c.id.String()), zap.Int("count", len(owned)))
}
