package control

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northforge/mediad/internal/transport"
)

// fdHandoff is the short-lived unix socket session described in
// SPEC_FULL.md §6: a one-shot listener the CreateClientNode caller
// connects to, proves it knows the session key, and receives the two
// peer-side client-node fds via SCM_RIGHTS. It accepts exactly one
// connection and then tears itself down.
type fdHandoff struct {
	listener *net.UnixListener
	path     string
	key      string
}

// newFDHandoff creates the listening socket. socketDir must already
// exist; the caller is responsible for removing the returned path on
// error paths that never reach serve.
func newFDHandoff(socketDir string) (*fdHandoff, error) {
	key := uuid.New().String()
	path := filepath.Join(socketDir, "mediad-fds-"+key+".sock")
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: fd handoff addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: fd handoff listen: %w", err)
	}
	return &fdHandoff{listener: ln, path: path, key: key}, nil
}

// serve accepts one connection, verifies it presents key as its first
// frame, and sends controlFD/dataFD across as ancillary data. It runs
// on its own goroutine and always closes the listener and unlinks the
// socket file before returning, whether or not the handoff succeeded.
func (h *fdHandoff) serve(controlFD, dataFD int, log *zap.Logger) {
	go func() {
		defer os.Remove(h.path)
		defer h.listener.Close()

		_ = h.listener.SetDeadline(time.Now().Add(10 * time.Second))
		conn, err := h.listener.Accept()
		if err != nil {
			log.Warn("fd handoff: accept failed or timed out", zap.Error(err))
			return
		}
		defer conn.Close()

		uc, ok := conn.(*net.UnixConn)
		if !ok {
			log.Error("fd handoff: accepted non-unix connection")
			return
		}

		frame, err := transport.ReadFrame(uc)
		if err != nil || string(frame) != h.key {
			log.Warn("fd handoff: bad or missing session key")
			return
		}

		file, err := uc.File()
		if err != nil {
			log.Error("fd handoff: failed to obtain raw fd", zap.Error(err))
			return
		}
		defer file.Close()

		if err := transport.SendFDs(int(file.Fd()), []byte("ok"), []int{controlFD, dataFD}); err != nil {
			log.Error("fd handoff: SendFDs failed", zap.Error(err))
		}
	}()
}
