package relay

import "sync"

// Window accumulates audio fragments between drains. One Window is owned by
// exactly one Coordinator; Append and DrainAndReset may race with each other
// and a fragment always lands in exactly one of the pre- or post-drain
// windows.
type Window struct {
	mu        sync.Mutex
	fragments [][]byte
	bytes     int
	nextSeq   int64
}

func NewWindow() *Window {
	return &Window{nextSeq: 1}
}

// Append adds a fragment to the current window in arrival order.
func (w *Window) Append(fragment []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.fragments = append(w.fragments, fragment)
	w.bytes += len(fragment)
}

// DrainAndReset atomically takes ownership of the accumulated fragments and
// installs a fresh empty window. Sequence numbers are assigned at drain time,
// and only to non-empty drains, so submitted batches number 1..N with no
// gaps. An empty drain returns (nil, 0).
func (w *Window) DrainAndReset() ([][]byte, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.fragments) == 0 {
		return nil, 0
	}

	fragments := w.fragments
	w.fragments = nil
	w.bytes = 0

	seq := w.nextSeq
	w.nextSeq++

	return fragments, seq
}

// Len returns the number of fragments currently accumulated.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fragments)
}

// Bytes returns the total size of the accumulated fragments.
func (w *Window) Bytes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}
