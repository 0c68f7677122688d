// Package transport implements the opaque, length-prefixed POD frame
// codec client-node connections exchange over their control
// socketpair, and the SCM_RIGHTS file descriptor handoff used to give
// the peer process its halves of the control and real-time
// socketpairs.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// maxFrameSize bounds a single frame's payload to guard against a
// corrupt or hostile peer claiming an enormous length prefix.
const maxFrameSize = 16 << 20

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian
// payload length followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds maximum %d", len(payload), maxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: peer claimed frame of %d bytes, exceeds maximum %d", n, maxFrameSize)
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decoder incrementally reassembles length-prefixed frames from a
// non-blocking fd across however many partial reads the kernel hands
// back. A poll-item callback only knows "this fd is readable," not
// "a full frame is buffered," so ReadNonBlocking never blocks: it
// drains whatever is currently available and carries a partial frame
// forward to the next call.
type Decoder struct {
	hdr     [4]byte
	hdrN    int
	haveHdr bool
	size    uint32
	payload []byte
	payN    int
}

// ReadNonBlocking drains fd (which must already be in O_NONBLOCK
// mode) and calls onFrame once per frame fully reassembled. It
// returns nil once the fd would block (EAGAIN/EWOULDBLOCK), or the
// read error if the peer closed (io.EOF) or a system error occurred.
func (d *Decoder) ReadNonBlocking(fd int, onFrame func([]byte)) error {
	for {
		if !d.haveHdr {
			n, err := unix.Read(fd, d.hdr[d.hdrN:])
			if err != nil {
				if isAgain(err) {
					return nil
				}
				return fmt.Errorf("transport: decoder header read: %w", err)
			}
			if n == 0 {
				return io.EOF
			}
			d.hdrN += n
			if d.hdrN < len(d.hdr) {
				continue
			}
			d.size = binary.BigEndian.Uint32(d.hdr[:])
			if d.size > maxFrameSize {
				return fmt.Errorf("transport: peer claimed frame of %d bytes, exceeds maximum %d", d.size, maxFrameSize)
			}
			d.haveHdr = true
			d.payload = make([]byte, d.size)
			d.payN = 0
			if d.size == 0 {
				onFrame(d.payload)
				d.reset()
				continue
			}
		}

		n, err := unix.Read(fd, d.payload[d.payN:])
		if err != nil {
			if isAgain(err) {
				return nil
			}
			return fmt.Errorf("transport: decoder payload read: %w", err)
		}
		if n == 0 {
			return io.EOF
		}
		d.payN += n
		if d.payN < len(d.payload) {
			continue
		}
		onFrame(d.payload)
		d.reset()
	}
}

func (d *Decoder) reset() {
	d.haveHdr = false
	d.hdrN = 0
	d.payN = 0
	d.payload = nil
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// SendFDs sends payload on the Unix domain socket fd, attaching rights
// (SCM_RIGHTS) for the given file descriptors so the peer process
// gains its own handles to them.
func SendFDs(fd int, payload []byte, rights []int) error {
	oob := unix.UnixRights(rights...)
	return unix.Sendmsg(fd, payload, oob, nil, 0)
}

// RecvFDs receives a message on the Unix domain socket fd along with
// any file descriptors the peer attached, up to maxFDs.
func RecvFDs(fd int, bufSize, maxFDs int) (payload []byte, fds []int, err error) {
	buf := make([]byte, bufSize)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, nil, fmt.Errorf("transport: parse control message: %w", err)
	}
	for _, m := range msgs {
		parsed, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return buf[:n], fds, nil
}
