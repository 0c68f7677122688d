package transport

import (
	"bytes"
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0x7f}, 4096),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame mismatch: got %d bytes, want %d bytes", len(got), len(want))
		}
	}
}

func TestFrameOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- WriteFrame(a, []byte("payload"))
	}()

	got, err := ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected payload, got %q", got)
	}
}

func TestSendRecvFDs(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	pipeR, pipeW, err := pipeFD()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipeR)
	defer unix.Close(pipeW)

	if err := SendFDs(fds[0], []byte("fd-handoff"), []int{pipeW}); err != nil {
		t.Fatalf("SendFDs: %v", err)
	}
	payload, received, err := RecvFDs(fds[1], 64, 1)
	if err != nil {
		t.Fatalf("RecvFDs: %v", err)
	}
	if string(payload) != "fd-handoff" {
		t.Fatalf("expected payload fd-handoff, got %q", payload)
	}
	if len(received) != 1 {
		t.Fatalf("expected exactly one received fd, got %d", len(received))
	}
	for _, fd := range received {
		unix.Close(fd)
	}
}

func pipeFD() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
