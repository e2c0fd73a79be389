package pool

import "github.com/danmuck/forged/internal/worker"

// SelectionPolicy picks one handle from a non-empty set of idle compatible
// candidates. The preference order among equally usable workers is a
// heuristic, not a contract, so it is pluggable.
type SelectionPolicy func(candidates []*worker.Handle) *worker.Handle

// MostUsedFirst favors the warmest worker: highest use count wins, earliest
// created breaks ties. A worker that has already run many actions has paid
// its initialization cost.
func MostUsedFirst(candidates []*worker.Handle) *worker.Handle {
	best := candidates[0]
	for _, h := range candidates[1:] {
		switch {
		case h.Uses() > best.Uses():
			best = h
		case h.Uses() == best.Uses() && h.ID() < best.ID():
			best = h
		}
	}
	return best
}

// LeastUsedFirst spreads load across workers instead of concentrating it.
func LeastUsedFirst(candidates []*worker.Handle) *worker.Handle {
	best := candidates[0]
	for _, h := range candidates[1:] {
		switch {
		case h.Uses() < best.Uses():
			best = h
		case h.Uses() == best.Uses() && h.ID() < best.ID():
			best = h
		}
	}
	return best
}
