package delivery

import (
	"context"
	"sync"
)

// ---------------------------------------------------------------------------
// fakeSession is a programmable readiness source.
// ---------------------------------------------------------------------------

type fakeSession struct {
	mu            sync.Mutex
	ready         bool
	readyCh       chan struct{}
	reestablishes int
	reestablishFn func()
}

func newFakeSession(ready bool) *fakeSession {
	s := &fakeSession{readyCh: make(chan struct{})}
	s.setReady(ready)
	return s
}

func (s *fakeSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSession) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ch := s.readyCh
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSession) Reestablish() error {
	s.mu.Lock()
	s.reestablishes++
	fn := s.reestablishFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *fakeSession) setReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ready == s.ready {
		return
	}
	s.ready = ready
	if ready {
		close(s.readyCh)
	} else {
		s.readyCh = make(chan struct{})
	}
}

func (s *fakeSession) reestablishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reestablishes
}
