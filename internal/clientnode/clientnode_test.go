package clientnode

import (
	"context"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/northforge/mediad/internal/dataloop"
	"github.com/northforge/mediad/internal/transport"
)

func unixFileConn(fd int) *os.File {
	return os.NewFile(uintptr(fd), "test-peer")
}

func TestPeerFDsHandedOffOnce(t *testing.T) {
	cn, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cn.Close()

	control, data, err := cn.PeerFDs()
	if err != nil {
		t.Fatalf("PeerFDs: %v", err)
	}
	defer unix.Close(control)
	defer unix.Close(data)

	if _, _, err := cn.PeerFDs(); err == nil {
		t.Fatalf("expected second PeerFDs call to fail")
	}
}

func TestRunDeliversFramesAndDetectsVanish(t *testing.T) {
	cn, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	control, _, err := cn.PeerFDs()
	if err != nil {
		t.Fatalf("PeerFDs: %v", err)
	}

	received := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		cn.Run(ctx, func(frame []byte) { received <- frame })
		close(runDone)
	}()

	peerConn := unixFileConn(control)
	if err := transport.WriteFrame(peerConn, []byte("create_node")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case frame := <-received:
		if string(frame) != "create_node" {
			t.Fatalf("expected create_node frame, got %q", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame delivery")
	}

	unix.Close(control) // simulate peer vanishing

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Run to detect peer vanish")
	}

	var last Status
	draining := true
	for draining {
		select {
		case last = <-cn.StatusChan():
		default:
			draining = false
		}
	}
	if last.Connected {
		t.Fatalf("expected the most recent status to be disconnected")
	}
}

func TestAttachLoopsDeliversControlFramesAndDrainsData(t *testing.T) {
	cn, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cn.Close()

	mainLoop, err := dataloop.New(nil, 4096)
	if err != nil {
		t.Fatalf("dataloop.New(main): %v", err)
	}
	defer mainLoop.Stop()
	dataLoop, err := dataloop.New(nil, 4096)
	if err != nil {
		t.Fatalf("dataloop.New(data): %v", err)
	}
	defer dataLoop.Stop()

	control, data, err := cn.PeerFDs()
	if err != nil {
		t.Fatalf("PeerFDs: %v", err)
	}
	defer unix.Close(control)
	defer unix.Close(data)

	received := make(chan []byte, 1)
	if err := cn.AttachLoops(dataLoop, mainLoop, func(frame []byte) { received <- frame }); err != nil {
		t.Fatalf("AttachLoops: %v", err)
	}

	peerControl := unixFileConn(control)
	if err := transport.WriteFrame(peerControl, []byte("create_node")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case frame := <-received:
		if string(frame) != "create_node" {
			t.Fatalf("expected create_node frame, got %q", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for control frame delivery via the main loop")
	}

	if _, err := unix.Write(data, []byte("pod-payload")); err != nil {
		t.Fatalf("write to data socket: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		outq, err := unix.IoctlGetInt(data, unix.TIOCOUTQ)
		if err == nil && outq == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the data loop to drain the real-time socket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
