package consent

import "github.com/cookiesweep/cookiesweep/internal/dom"

// Session is the per-page observation state. It is owned by a single
// watcher and is not safe for concurrent use.
type Session struct {
	Hostname string

	seen       map[*dom.Node]struct{}
	removables []*dom.Node
	removable  map[*dom.Node]struct{}
	count      int
}

// NewSession creates an empty session for hostname.
func NewSession(hostname string) *Session {
	return &Session{
		Hostname:  hostname,
		seen:      make(map[*dom.Node]struct{}),
		removable: make(map[*dom.Node]struct{}),
	}
}

// Count returns the number of matches since the session started or was
// last reset.
func (s *Session) Count() int {
	return s.count
}

// SeenCount returns the number of evaluated nodes.
func (s *Session) SeenCount() int {
	return len(s.seen)
}

// Removables returns the matched nodes in match order.
func (s *Session) Removables() []*dom.Node {
	return append([]*dom.Node(nil), s.removables...)
}

// isSeen reports whether n has already been evaluated.
func (s *Session) isSeen(n *dom.Node) bool {
	_, ok := s.seen[n]
	return ok
}

// markSeen records n and reports whether it was new.
func (s *Session) markSeen(n *dom.Node) bool {
	if s.isSeen(n) {
		return false
	}
	s.seen[n] = struct{}{}
	return true
}

// matched records a hidden node and bumps the count.
func (s *Session) matched(n *dom.Node) int {
	if _, ok := s.removable[n]; !ok {
		s.removable[n] = struct{}{}
		s.removables = append(s.removables, n)
	}
	s.count++
	return s.count
}

// reset clears the count and seen set. Removables are kept for a later run.
func (s *Session) reset() {
	s.count = 0
	s.seen = make(map[*dom.Node]struct{})
}
