package daemon

import "sync"

// DefaultStderrLimit is how many bytes of engine stderr are retained for
// diagnostic reports.
const DefaultStderrLimit = 4096

// stderrTail keeps the most recent limit bytes written to it.
type stderrTail struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newStderrTail(limit int) *stderrTail {
	if limit <= 0 {
		limit = DefaultStderrLimit
	}
	return &stderrTail{limit: limit}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *stderrTail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}
