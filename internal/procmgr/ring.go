package procmgr

// ringBuffer is a bounded FIFO of unread process output. Writers append;
// when the cap is exceeded the oldest bytes fall off. Readers drain from
// the front. Callers synchronize access.
type ringBuffer struct {
	buf     []byte
	cap     int
	dropped int64
}

func newRingBuffer(capBytes int) *ringBuffer {
	return &ringBuffer{cap: capBytes}
}

// append adds output, evicting the oldest bytes past the cap.
func (r *ringBuffer) append(p []byte) {
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.cap; over > 0 {
		r.buf = r.buf[over:]
		r.dropped += int64(over)
	}
}

// take removes and returns up to n bytes from the front.
func (r *ringBuffer) take(n int) []byte {
	if n <= 0 || len(r.buf) == 0 {
		return nil
	}
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *ringBuffer) len() int { return len(r.buf) }
