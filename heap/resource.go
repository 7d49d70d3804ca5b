package heap

import "sync"

// ---------------------------------------------------------------------------
// Deterministic cleanup scopes
// ---------------------------------------------------------------------------
//
// Collection timing is unobservable, so resources with external
// lifetime (file descriptors, foreign allocations) never ride on
// finalization alone. A cleanup scope gives them a deterministic
// release point: actions registered with Defer run in LIFO order when
// the scope closes, which for interpreter frames is the frame pop.
// Weak-reference finalizers remain the backstop for leaked resources,
// not the mechanism.

// CleanupScope is an ordered set of cleanup actions with one owner.
type CleanupScope struct {
	mu     sync.Mutex
	fns    []func()
	closed bool
}

// NewCleanupScope creates an open scope.
func NewCleanupScope() *CleanupScope {
	return &CleanupScope{}
}

// Defer registers fn to run when the scope closes. Registering on an
// already-closed scope runs fn immediately: the release point has
// passed and the resource must not outlive it.
func (s *CleanupScope) Defer(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

// Close runs the registered actions in reverse registration order.
// Closing twice is a no-op.
func (s *CleanupScope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Closed reports whether the scope has been closed.
func (s *CleanupScope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
