// Package clientnode implements the daemon side of a client-node
// connection: a pair of Unix domain socketpairs (control and
// real-time) created for one peer process, with the peer's halves
// handed across via SCM_RIGHTS, and a read loop pumping
// length-prefixed control frames the way the teacher's AMI connector
// pumps line-delimited frames off a TCP socket.
package clientnode

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/northforge/mediad/internal/dataloop"
	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/transport"
)

// PollHost is the subset of *dataloop.Loop (and *mainloop.Loop, which
// embeds one) ClientNode needs to register its socket halves as poll
// items. Declaring it here rather than importing mainloop keeps this
// package decoupled from the composition root's loop wiring.
type PollHost interface {
	AddItem(item dataloop.Item) uint64
	RemoveItem(id uint64)
}

// Status is a connection status change, mirroring the teacher's
// ConnectionStatus for its AMI connector.
type Status struct {
	Connected bool
	Err       error
	At        time.Time
}

// ClientNode is the daemon-side half of one client-node connection.
type ClientNode struct {
	mu  sync.RWMutex
	obj *registry.Object

	controlFd     int // daemon's end of the control socketpair
	peerControlFd int // peer's end; returned once by PeerFDs, never closed by Close
	dataFd        int // daemon's end of the real-time socketpair
	peerDataFd    int // peer's end; returned once by PeerFDs, never closed by Close

	handedOff bool

	statusOut chan Status
	log       *zap.Logger
	wg        conc.WaitGroup
	stopCh    chan struct{}
	closeOnce sync.Once

	attached       bool
	mainLoop       PollHost
	dataLoop       PollHost
	mainItemID     uint64
	dataItemID     uint64
	controlDecoder transport.Decoder
}

// New creates the two socketpairs backing a client-node connection.
func New(log *zap.Logger) (*ClientNode, error) {
	control, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("clientnode: control socketpair: %w", err)
	}
	data, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		unix.Close(control[0])
		unix.Close(control[1])
		return nil, fmt.Errorf("clientnode: data socketpair: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ClientNode{
		controlFd:     control[0],
		peerControlFd: control[1],
		dataFd:        data[0],
		peerDataFd:    data[1],
		statusOut:     make(chan Status, 4),
		log:           log,
		stopCh:        make(chan struct{}),
	}, nil
}

// Object implements registry.Impl once BindObject has attached the
// registry identity.
func (cn *ClientNode) Object() *registry.Object {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	return cn.obj
}

// BindObject attaches the registry identity assigned to this
// client-node.
func (cn *ClientNode) BindObject(obj *registry.Object) {
	cn.mu.Lock()
	cn.obj = obj
	cn.mu.Unlock()
}

// PeerFDs returns the file descriptors to hand the peer process via
// SCM_RIGHTS over the main control connection. Calling this a second
// time returns an error: the peer halves are given away exactly once.
func (cn *ClientNode) PeerFDs() (control, data int, err error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.handedOff {
		return 0, 0, fmt.Errorf("clientnode: peer descriptors already handed off")
	}
	cn.handedOff = true
	return cn.peerControlFd, cn.peerDataFd, nil
}

// StatusChan returns the channel of connection status changes.
func (cn *ClientNode) StatusChan() <-chan Status { return cn.statusOut }

// Run reads length-prefixed control frames off the daemon's control
// socket until ctx is cancelled or the peer vanishes, calling onFrame
// for each. It always returns after publishing a final disconnected
// Status.
func (cn *ClientNode) Run(ctx context.Context, onFrame func([]byte)) {
	cn.broadcastStatus(true, nil)
	// os.File finalizes by closing its fd, which would race Close()'s
	// own unix.Close of controlFd. Read through a dup'd descriptor so
	// the two lifetimes stay independent.
	dup, err := unix.Dup(cn.controlFd)
	if err != nil {
		cn.broadcastStatus(false, err)
		return
	}
	conn := os.NewFile(uintptr(dup), "clientnode-control")
	defer conn.Close()

	done := make(chan struct{})
	cn.wg.Go(func() {
		defer close(done)
		for {
			frame, err := transport.ReadFrame(conn)
			if err != nil {
				cn.broadcastStatus(false, err)
				return
			}
			onFrame(frame)
		}
	})

	select {
	case <-ctx.Done():
		cn.broadcastStatus(false, ctx.Err())
	case <-done:
	case <-cn.stopCh:
		cn.broadcastStatus(false, nil)
	}
}

// AttachLoops registers the daemon's control-socket half as a poll
// item on mainLoop and the real-time data-socket half as a poll item
// on dataLoop, per spec.md §4.6 ("the server side of both halves is
// registered as poll items on the data loop and main loop
// respectively") — the production counterpart to Run, which exists
// for callers (tests) that want a simple blocking read loop instead.
// onControlFrame is invoked on the main loop's own thread for each
// length-prefixed control frame fully received. The data socket's
// payload grammar stays a collaborator concern (spec.md §6): its poll
// item only drains and discards, so buffer movement never touches the
// control thread. Both fds are switched to non-blocking mode so
// draining them from a poll callback can never block their owning
// loop's cycle.
func (cn *ClientNode) AttachLoops(dataLoop, mainLoop PollHost, onControlFrame func([]byte)) error {
	if err := unix.SetNonblock(cn.controlFd, true); err != nil {
		return fmt.Errorf("clientnode: set control fd nonblocking: %w", err)
	}
	if err := unix.SetNonblock(cn.dataFd, true); err != nil {
		return fmt.Errorf("clientnode: set data fd nonblocking: %w", err)
	}

	cn.broadcastStatus(true, nil)

	mainID := mainLoop.AddItem(dataloop.Item{
		Fds:    []int32{int32(cn.controlFd)},
		Events: unix.POLLIN,
		After: func(_ []dataloop.ActiveFd) error {
			err := cn.controlDecoder.ReadNonBlocking(cn.controlFd, onControlFrame)
			if err != nil {
				cn.broadcastStatus(false, err)
			}
			return err
		},
	})
	dataID := dataLoop.AddItem(dataloop.Item{
		Fds:    []int32{int32(cn.dataFd)},
		Events: unix.POLLIN,
		After: func(_ []dataloop.ActiveFd) error {
			return cn.drainDataFd()
		},
	})

	cn.mu.Lock()
	cn.mainLoop = mainLoop
	cn.dataLoop = dataLoop
	cn.mainItemID = mainID
	cn.dataItemID = dataID
	cn.attached = true
	cn.mu.Unlock()
	return nil
}

// drainDataFd reads whatever is currently available on the real-time
// socket and discards it. The concrete POD grammar the real-time side
// carries is out of scope here; observing the fd in the data loop's
// poll set is what spec.md §4.6 requires, so this only has to keep
// the socket's buffer from backing up and spinning poll hot.
func (cn *ClientNode) drainDataFd() error {
	var buf [4096]byte
	for {
		n, err := unix.Read(cn.dataFd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n == 0 {
			return io.EOF
		}
		if n < len(buf) {
			return nil
		}
	}
}

func (cn *ClientNode) broadcastStatus(connected bool, err error) {
	select {
	case cn.statusOut <- Status{Connected: connected, Err: err, At: time.Now()}:
	default:
	}
}

// Close removes any poll items registered by AttachLoops and closes
// both of the daemon's own socket halves. Safe to call more than once.
func (cn *ClientNode) Close() error {
	var err error
	cn.closeOnce.Do(func() {
		close(cn.stopCh)

		cn.mu.Lock()
		attached := cn.attached
		mainLoop, dataLoop := cn.mainLoop, cn.dataLoop
		mainID, dataID := cn.mainItemID, cn.dataItemID
		cn.mu.Unlock()
		if attached {
			mainLoop.RemoveItem(mainID)
			dataLoop.RemoveItem(dataID)
		}

		if e := unix.Close(cn.controlFd); e != nil {
			err = e
		}
		if e := unix.Close(cn.dataFd); e != nil && err == nil {
			err = e
		}
		cn.wg.Wait()
	})
	return err
}
