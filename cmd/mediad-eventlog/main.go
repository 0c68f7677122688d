// Command mediad-eventlog connects to a running mediad's control
// plane and appends every broadcast event (object_added,
// object_removed, node_state_changed, link_state_changed) to a JSONL
// file, optionally echoing them to stdout — grounded on
// cmd/ami-events-logger's connect/decode/JSONL-append/interrupt-stats
// shape, adapted from AMI raw messages to the control plane's JSON
// event envelope.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

type logEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:9643", "mediad control-plane address")
	path := flag.String("path", "/control", "control-plane websocket path")
	output := flag.String("output", "mediad-events.jsonl", "output file path (JSONL format)")
	duration := flag.Duration("duration", 0, "stop after this duration (0 = run until interrupted)")
	verbose := flag.Bool("verbose", false, "print events to stdout in addition to the file")
	flag.Parse()

	outFile, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer outFile.Close()
	encoder := json.NewEncoder(outFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), *duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("received interrupt signal, stopping...")
		cancel()
	}()

	url := "ws://" + *addr + *path
	log.Printf("connecting to %s", url)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer conn.CloseNow()

	count := 0
	start := time.Now()
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			log.Printf("shutdown complete: %d events over %v", count, time.Since(start).Round(time.Second))
			log.Printf("output saved to: %s", *output)
			return
		}
		var raw struct {
			Event  string          `json:"event"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(msg, &raw); err != nil || raw.Event == "" {
			continue // replies to our own requests, not broadcast events
		}
		entry := logEntry{Timestamp: time.Now(), Event: raw.Event, Data: raw.Result}
		if err := encoder.Encode(entry); err != nil {
			log.Printf("error encoding entry: %v", err)
			continue
		}
		count++
		if *verbose {
			fmt.Printf("[%s] %s %s\n", entry.Timestamp.Format("2006-01-02 15:04:05.000"), entry.Event, string(entry.Data))
		}
	}
}
