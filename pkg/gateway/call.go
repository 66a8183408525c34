package gateway

import "sync"

// call is one in-flight request awaiting exactly one inbound frame. It is
// settled at most once, either with the matching frame or with an error.
type call struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	frame   frame
	err     error
}

func newCall() *call {
	return &call{done: make(chan struct{})}
}

func (cl *call) resolve(f frame) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.settled {
		return false
	}
	cl.frame = f
	cl.settled = true
	close(cl.done)
	return true
}

func (cl *call) fail(err error) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.settled {
		return false
	}
	cl.err = err
	cl.settled = true
	close(cl.done)
	return true
}

func (cl *call) result() (frame, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.frame, cl.err
}
