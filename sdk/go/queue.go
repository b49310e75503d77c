package planlinesdk

import "sync"

// saveQueue serializes save attempts: each run waits for every previously
// enqueued run to finish before its work starts, so at most one save is in
// flight and attempts execute in submission order. A failed run rejects only
// its own caller; later runs still execute.
type saveQueue struct {
	mu   sync.Mutex
	tail chan struct{}
}

func (q *saveQueue) run(fn func() error) error {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer close(done)
	return fn()
}
