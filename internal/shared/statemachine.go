package shared

import "fmt"

// Transitions declares the allowed status edges for an entity. States absent
// from the map are terminal.
type Transitions[S comparable] map[S][]S

// Can reports whether from -> to is an allowed edge.
func (t Transitions[S]) Can(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Ensure returns ErrInvalidTransition when from -> to is not allowed.
func (t Transitions[S]) Ensure(from, to S) error {
	if !t.Can(from, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal reports whether a state has no outgoing edges.
func (t Transitions[S]) Terminal(state S) bool {
	return len(t[state]) == 0
}
