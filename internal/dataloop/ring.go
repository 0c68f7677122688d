package dataloop

import "sync"

// InvokeFunc is a deferred closure submitted through Invoke. async is
// false when the loop thread called it synchronously, true when it
// ran from the ring during a wakeup drain.
type InvokeFunc func(loop *Loop, async bool, seq uint64, size int, data []byte, userData any) Result

// Result is what an InvokeFunc, or Invoke itself, returns.
type Result struct {
	Async bool
	Seq   uint64
	Value any
	Err   error
}

// OK is the plain synchronous-success result.
func OK() Result { return Result{} }

// ReturnAsync encodes that seq was accepted for deferred execution.
func ReturnAsync(seq uint64) Result { return Result{Async: true, Seq: seq} }

// InvalidSeq marks an invoke call that carries no sequence tag.
const InvalidSeq uint64 = 0

// pendingInvoke is the non-payload part of a queued invoke item: the
// closure, its tag, and the exact number of ring bytes its payload
// consumed. itemSize is derived strictly from the bytes written to
// the ring's areas (see Push) rather than padded by any fixed header
// size, per the "derive item_size from the area lengths actually
// written" correction flagged against the original wrap-accounting
// bug.
type pendingInvoke struct {
	fn       InvokeFunc
	seq      uint64
	userData any
	size     int
	itemSize int
}

// Ring is a single-producer/single-consumer byte ring carrying
// variably sized invoke payloads, with a contiguous write area and a
// secondary wrap area when a payload does not fit before the end of
// the buffer. Production is serialized by mu so multiple foreign
// threads may share one Ring; consumption happens only from the data
// loop thread via Pop.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	size    int
	widx    int
	ridx    int
	used    int
	pending []pendingInvoke
}

// NewRing allocates a ring with the given byte capacity.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 4096
	}
	return &Ring{buf: make([]byte, size), size: size}
}

// Push reserves space for payload and records fn/seq/userData
// alongside it. Returns false (queue full) without advancing the
// write pointer if there is not enough free space.
func (r *Ring) Push(fn InvokeFunc, seq uint64, payload []byte, userData any) bool {
	size := len(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used+size > r.size {
		return false
	}
	spaceToEnd := r.size - r.widx
	var area1, area2 []byte
	if spaceToEnd >= size {
		area1 = r.buf[r.widx : r.widx+size]
		copy(area1, payload)
		r.widx = (r.widx + size) % r.size
	} else {
		area1 = r.buf[r.widx:r.size]
		copy(area1, payload[:spaceToEnd])
		area2 = r.buf[0 : size-spaceToEnd]
		copy(area2, payload[spaceToEnd:])
		r.widx = size - spaceToEnd
	}
	itemSize := len(area1) + len(area2)
	r.used += size
	r.pending = append(r.pending, pendingInvoke{
		fn: fn, seq: seq, userData: userData, size: size, itemSize: itemSize,
	})
	return true
}

// Pop removes and returns the oldest queued invoke item and its
// payload bytes. ok is false if the ring is empty.
func (r *Ring) Pop() (fn InvokeFunc, seq uint64, userData any, payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, 0, nil, nil, false
	}
	p := r.pending[0]
	r.pending = r.pending[1:]

	out := make([]byte, p.itemSize)
	spaceToEnd := r.size - r.ridx
	if spaceToEnd >= p.itemSize {
		copy(out, r.buf[r.ridx:r.ridx+p.itemSize])
		r.ridx = (r.ridx + p.itemSize) % r.size
	} else {
		copy(out[:spaceToEnd], r.buf[r.ridx:r.size])
		copy(out[spaceToEnd:], r.buf[0:p.itemSize-spaceToEnd])
		r.ridx = p.itemSize - spaceToEnd
	}
	r.used -= p.itemSize
	return p.fn, p.seq, p.userData, out, true
}

// Empty reports whether there are no queued invoke items.
func (r *Ring) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0
}
