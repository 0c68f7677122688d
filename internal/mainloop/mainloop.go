// Package mainloop is the daemon's second, non-real-time poll loop:
// the cooperative control-thread loop described in spec.md §2 item 5.
// It shares the exact poll-item/invoke-ring contract internal/dataloop
// implements for the real-time thread (same pollfd[0]=wakeup rebuild
// cycle, same SPSC invoke ring), run on its own OS thread so a slow or
// blocking control-plane handler never competes with the data loop's
// scheduling. The daemon registers each client-node's control socket
// as a poll item here; the control-plane HTTP/websocket listener runs
// on net/http's own goroutines and does not use this loop.
package mainloop

import (
	"github.com/northforge/mediad/internal/dataloop"
	"go.uber.org/zap"
)

// defaultRingSize is smaller than the data loop's: the main loop only
// ever carries control-plane invokes, never real-time buffer events.
const defaultRingSize = 4096

// Loop is the main-thread counterpart to dataloop.Loop, built on the
// identical poll-item/invoke-ring machinery; see dataloop.Loop's docs
// for the cycle semantics (idle -> rebuild -> before -> poll -> after).
type Loop struct {
	*dataloop.Loop
}

// New constructs a main loop. Call Invoke to defer work from any
// thread onto it, and AddItem/UpdateItem/RemoveItem to register
// control-side fds (such as client-node control sockets) as poll
// items.
func New(log *zap.Logger) (*Loop, error) {
	inner, err := dataloop.New(log, defaultRingSize)
	if err != nil {
		return nil, err
	}
	return &Loop{Loop: inner}, nil
}
