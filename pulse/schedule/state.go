package schedule

import "sync/atomic"

// State holds the active schedule set. Writers replace the whole set; readers
// never observe a partially applied one.
type State struct {
	current atomic.Pointer[Set]
}

// NewState returns a state holding an empty, disabled set
func NewState() *State {
	return &State{}
}

// Current returns the active set. It is never nil.
func (s *State) Current() *Set {
	if set := s.current.Load(); set != nil {
		return set
	}
	return &Set{}
}

// Publish swaps in set
func (s *State) Publish(set *Set) {
	s.current.Store(set)
}

var defaultState = NewState()

// DefaultState is the process-wide schedule state read by the introspection endpoint
func DefaultState() *State { return defaultState }

// Current returns the process-wide active schedule set
func Current() *Set { return defaultState.Current() }
