package call

import "sync"

// Hook is attached for the lifetime of one call. It returns the function
// that detaches it; ended is false when the session was abandoned before
// it could start, e.g. after a capture failure.
type Hook func(id Identity) (release func(ended bool))

// Scope collects releases acquired during a call and runs them once,
// in reverse order, when the session is torn down.
type Scope struct {
	mu       sync.Mutex
	releases []func(bool)
	released bool
	ended    bool
}

// Add registers release. A release added after the scope was released
// runs immediately with the recorded outcome.
func (s *Scope) Add(release func(ended bool)) {
	if release == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		ended := s.ended
		s.mu.Unlock()
		release(ended)
		return
	}
	s.releases = append(s.releases, release)
	s.mu.Unlock()
}

// Release runs every registered release. Safe to call more than once;
// only the first outcome counts.
func (s *Scope) Release(ended bool) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.ended = ended
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i](ended)
	}
}
