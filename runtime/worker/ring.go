package worker

import "sync"

// defaultStderrTail bounds the retained stderr tail.
const defaultStderrTail = 4096

// tailBuffer is a bounded ring buffer retaining the most recent writes.
// Single producer (the child's stderr pump), any readers.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	size  int
	start int
	full  bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = defaultStderrTail
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer, keeping only the trailing size bytes.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.size {
		copy(t.buf, p[n-t.size:])
		t.start = 0
		t.full = true
		return n, nil
	}
	for _, b := range p {
		t.buf[t.start] = b
		t.start = (t.start + 1) % t.size
		if t.start == 0 {
			t.full = true
		}
	}
	return n, nil
}

// String returns the retained tail in write order.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return string(t.buf[:t.start])
	}
	out := make([]byte, 0, t.size)
	out = append(out, t.buf[t.start:]...)
	out = append(out, t.buf[:t.start]...)
	return string(out)
}
