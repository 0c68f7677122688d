// Package control implements the daemon's external control-plane
// surface: a JSON-over-websocket RPC surface for CreateNode and
// CreateClientNode, plus a read-only feed of registry and state-change
// events, generalizing the teacher's internal/web/ws.go Hub from a
// single-purpose dashboard broadcaster into a generic RPC + event bus
// front end for the graph.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/client"
	"github.com/northforge/mediad/internal/daemon"
	"github.com/northforge/mediad/internal/graph"
	"github.com/northforge/mediad/internal/props"
	"github.com/northforge/mediad/internal/registry"
)

// Hub manages websocket control-plane clients and fans out registry
// and graph state-change events to all of them, mirroring
// internal/web/ws.go's Hub client map + broadcast-loop shape.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client.Client

	d   *daemon.Daemon
	log *zap.Logger
}

// NewHub wires a Hub to d's signal bus so every connected client sees
// object_added/object_removed/node_state_changed/link_state_changed
// events as they happen.
func NewHub(d *daemon.Daemon, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{clients: make(map[*websocket.Conn]*client.Client), d: d, log: log}

	d.Bus.Subscribe(registry.SignalObjectAdded, func(data any) {
		obj := data.(*registry.Object)
		h.broadcastEvent("object_added", map[string]any{"id": obj.ID(), "type_uri": obj.TypeURI()})
	})
	d.Bus.Subscribe(registry.SignalObjectRemoved, func(data any) {
		obj := data.(*registry.Object)
		h.broadcastEvent("object_removed", map[string]any{"id": obj.ID(), "type_uri": obj.TypeURI()})
	})
	d.Bus.Subscribe(graph.SignalNodeStateChanged, func(data any) {
		chg := data.(graph.NodeStateChange)
		h.broadcastEvent("node_state_changed", map[string]any{"from": chg.From.String(), "to": chg.To.String()})
	})
	d.Bus.Subscribe(graph.SignalLinkStateChanged, func(data any) {
		chg := data.(graph.LinkStateChange)
		h.broadcastEvent("link_state_changed", map[string]any{"from": chg.From.String(), "to": chg.To.String()})
	})

	return h
}

// HandleWS upgrades the connection, registers a Client record owned
// by this peer for the lifetime of the socket, serves RPC requests
// until the peer disconnects, then tears the client's owned objects
// down (scenario S5's cascade) and forgets it.
func (h *Hub) HandleWS() func(ctx context.Context, conn *websocket.Conn) {
	return func(ctx context.Context, conn *websocket.Conn) {
		peer := client.New(props.New(), h.d.Bus, h.log.Named("client"))
		h.d.AddClient(peer)

		h.mu.Lock()
		h.clients[conn] = peer
		h.mu.Unlock()
		h.log.Info("control client connected", zap.String("peer", peer.ID().String()))

		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			h.d.RemoveClient(peer)
			h.log.Info("control client disconnected", zap.String("peer", peer.ID().String()))
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				h.writeReply(ctx, conn, Reply{OK: false, Error: "malformed request"})
				continue
			}
			reply := h.dispatch(ctx, peer, req)
			reply.ID = req.ID
			h.writeReply(ctx, conn, reply)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, peer *client.Client, req Request) Reply {
	switch req.Method {
	case "create_node":
		return h.handleCreateNode(peer, req.Params)
	case "create_client_node":
		return h.handleCreateClientNode(ctx, peer, req.Params)
	default:
		return Reply{OK: false, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (h *Hub) handleCreateNode(peer *client.Client, raw json.RawMessage) Reply {
	var p CreateNodeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Reply{OK: false, Error: "malformed create_node params"}
	}
	nodeProps := props.FromMap(p.Properties)
	nodeProps.Set("node.name", p.Name)

	n, err := h.d.CreateNode(peer, p.FactoryName, nodeProps)
	if err != nil {
		return Reply{OK: false, Error: err.Error()}
	}
	obj := n.Object()
	return Reply{OK: true, Result: CreateNodeResult{ObjectPath: objectPath("node", obj)}}
}

func (h *Hub) handleCreateClientNode(ctx context.Context, peer *client.Client, raw json.RawMessage) Reply {
	var p CreateClientNodeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Reply{OK: false, Error: "malformed create_client_node params"}
		}
	}

	cn, err := h.d.CreateClientNode(peer)
	if err != nil {
		return Reply{OK: false, Error: err.Error()}
	}
	controlFD, dataFD, err := cn.PeerFDs()
	if err != nil {
		return Reply{OK: false, Error: err.Error()}
	}

	handoff, err := newFDHandoff(h.d.SocketDir())
	if err != nil {
		return Reply{OK: false, Error: err.Error()}
	}
	handoff.serve(controlFD, dataFD, h.log.Named("fdhandoff"))

	obj := cn.Object()
	return Reply{OK: true, Result: CreateClientNodeResult{
		ObjectPath:  objectPath("clientnode", obj),
		FDSocket:    handoff.path,
		FDSocketKey: handoff.key,
	}}
}

func objectPath(kind string, obj *registry.Object) string {
	if obj == nil {
		return ""
	}
	return fmt.Sprintf("/daemon/%s/%d", kind, obj.ID())
}

func (h *Hub) writeReply(ctx context.Context, conn *websocket.Conn, reply Reply) {
	b, err := json.Marshal(reply)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		h.log.Debug("control write failed", zap.Error(err))
	}
}

func (h *Hub) broadcastEvent(event string, data any) {
	reply := Reply{OK: true, Event: event, Result: data}
	b, err := json.Marshal(reply)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		go func(c *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Write(ctx, websocket.MessageText, b)
		}(conn)
	}
}
