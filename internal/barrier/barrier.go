package barrier

import "context"

// Outcome is the result of one barrier evaluation.
type Outcome int

const (
	// Passed means every sibling unit finished; the caller holds the barrier.
	Passed Outcome = iota
	// Wait means siblings are still running; re-check later.
	Wait
	// Abandoned means the check ceiling was reached with siblings still
	// unfinished; the caller must stop without holding the barrier.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Wait:
		return "wait"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// PendingFunc reports how many sibling units are still unfinished.
type PendingFunc func(ctx context.Context) (int64, error)

// Barrier gates a fan-in step: the caller that observes zero pending
// siblings passes, everyone else waits. The caller carries the check count
// between evaluations; the barrier itself holds no state.
type Barrier struct {
	maxChecks int
}

func New(maxChecks int) *Barrier {
	return &Barrier{maxChecks: maxChecks}
}

// Evaluate runs one check. checksSoFar is the number of prior evaluations
// for the same unit.
func (b *Barrier) Evaluate(ctx context.Context, checksSoFar int, pending PendingFunc) (Outcome, int64, error) {
	count, err := pending(ctx)
	if err != nil {
		return Wait, 0, err
	}
	if count == 0 {
		return Passed, 0, nil
	}
	if checksSoFar >= b.maxChecks {
		return Abandoned, count, nil
	}
	return Wait, count, nil
}
