// Command mediactl is a manual control-plane test client: it dials
// mediad's websocket surface, sends one RPC request, and prints
// replies/events until the -listen window elapses — grounded on
// tools/ws_client's dial-and-print-N-messages shape, adapted to
// coder/websocket (the same client library the daemon's own hub
// uses) instead of gorilla/websocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:9643", "mediad control-plane address")
	path := flag.String("path", "/control", "control-plane websocket path")
	method := flag.String("method", "", "RPC method to send (create_node, create_client_node); empty to just listen")
	factory := flag.String("factory", "", "factory_name for create_node")
	name := flag.String("name", "", "node name")
	target := flag.String("target", "", "target.node property for create_node, to exercise auto-link")
	listen := time.Duration(0)
	flag.DurationVar(&listen, "listen", 10*time.Second, "how long to keep reading replies/events after sending")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: *path}
	log.Printf("connecting to %s", u.String())

	ctx, cancel := context.WithTimeout(context.Background(), listen+5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer conn.CloseNow()

	if *method != "" {
		req := map[string]any{
			"id":     "mediactl-1",
			"method": *method,
		}
		switch *method {
		case "create_node":
			props := map[string]string{}
			if *target != "" {
				props["target.node"] = *target
			}
			req["params"] = map[string]any{
				"factory_name": *factory,
				"name":         *name,
				"properties":   props,
			}
		case "create_client_node":
			req["params"] = map[string]any{"name": *name, "properties": map[string]string{}}
		}
		b, err := json.Marshal(req)
		if err != nil {
			log.Fatalf("marshal request: %v", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			log.Fatalf("write request: %v", err)
		}
	}

	deadline := time.Now().Add(listen)
	for time.Now().Before(deadline) {
		rctx, rcancel := context.WithDeadline(ctx, deadline)
		_, msg, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			fmt.Printf("read ended: %v\n", err)
			return
		}
		fmt.Printf("%s\n", msg)
	}
}
