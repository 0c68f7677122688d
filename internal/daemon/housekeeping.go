package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// housekeeping periodically logs a summary of live registry objects
// and recent activity, the same hybrid role the teacher's polling
// service plays alongside its event-driven AMI updates: nothing here
// drives state, it only gives an operator a heartbeat of what the
// daemon currently holds.
type housekeeping struct {
	d        *Daemon
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

func newHousekeeping(d *Daemon, interval time.Duration, log *zap.Logger) *housekeeping {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &housekeeping{d: d, interval: interval, log: log}
}

// start launches the ticker goroutine. Calling start twice without an
// intervening stop is a no-op.
func (h *housekeeping) start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Go(func() { h.run(runCtx) })
}

func (h *housekeeping) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (h *housekeeping) tick() {
	count := h.d.Registry.Count()
	activity := h.d.Activity.Snapshot()

	h.d.mu.RLock()
	clients := len(h.d.clients)
	h.d.mu.RUnlock()

	h.log.Info("housekeeping tick",
		zap.String("objects", humanize.Comma(int64(count))),
		zap.String("clients", humanize.Comma(int64(clients))),
		zap.String("activity_entries", humanize.Comma(int64(len(activity)))),
		zap.String("started", humanize.Time(h.d.cfg.StartTime)),
	)
}

// stop cancels the ticker goroutine and waits for it to exit. Safe to
// call even if start was never called, or more than once.
func (h *housekeeping) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}
