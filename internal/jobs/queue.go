package jobs

import "sync"

// fifo is the queue structure backing the Scheduler: a plain mutex-guarded
// slice rather than a library queue. Every worker-pool example in the
// corpus (the teacher's command processor, the other_examples supervisor
// and job_runner files) hand-rolls exactly this shape over a slice or
// channel plus sync primitives; there is no ecosystem FIFO-with-removal
// library the pack reaches for, so this stays on sync.Mutex + []string.
type fifo struct {
	mu      sync.Mutex
	entries []string
	notify  chan struct{}
}

func newFIFO() *fifo {
	return &fifo{notify: make(chan struct{}, 1)}
}

func (f *fifo) push(id string) {
	f.mu.Lock()
	f.entries = append(f.entries, id)
	f.mu.Unlock()
	f.wake()
}

func (f *fifo) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// popFront removes and returns the head of the queue, if any.
func (f *fifo) popFront() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return "", false
	}
	id := f.entries[0]
	f.entries = f.entries[1:]
	return id, true
}

// remove deletes id from the queue wherever it sits, returning whether it
// was present. Used by Cancel for a job that hasn't dispatched yet.
func (f *fifo) remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return true
		}
	}
	return false
}

// position returns the 1-based position of id in the queue, or 0 if
// absent.
func (f *fifo) position(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e == id {
			return i + 1
		}
	}
	return 0
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
