// Package retry drives bounded multi-attempt operations through an explicit
// state machine: Attempting(n) moves to Done on success, to Failed on a
// terminal outcome or once the attempt cap is spent, and to Attempting(n+1)
// otherwise.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Outcome classifies a single attempt.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Phase is the coarse state of a retry loop.
type Phase int

const (
	Attempting Phase = iota
	Done
	Failed
)

// State is the position of a retry loop. Attempt is 1-based.
type State struct {
	Phase   Phase
	Attempt int
}

// Start is the initial state of every loop.
func Start() State {
	return State{Phase: Attempting, Attempt: 1}
}

// Next is the pure transition function. Final states are absorbing.
func Next(s State, o Outcome, maxAttempts int) State {
	if s.Phase != Attempting {
		return s
	}
	switch o {
	case Success:
		return State{Phase: Done, Attempt: s.Attempt}
	case Terminal:
		return State{Phase: Failed, Attempt: s.Attempt}
	default:
		if s.Attempt >= maxAttempts {
			return State{Phase: Failed, Attempt: s.Attempt}
		}
		return State{Phase: Attempting, Attempt: s.Attempt + 1}
	}
}

// ErrAttemptsExhausted is returned when every attempt ended transiently.
var ErrAttemptsExhausted = errors.New("attempts exhausted")

var errUnclassified = errors.New("transient failure")

// Func performs attempt number n.
type Func[T any] func(ctx context.Context, attempt int) (T, Outcome, error)

// Do runs fn until it succeeds, fails terminally or maxAttempts is reached.
// A terminal failure returns the attempt's own error unchanged.
func Do[T any](ctx context.Context, maxAttempts int, fn Func[T]) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for state := Start(); ; {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, outcome, err := fn(ctx, state.Attempt)
		if outcome == Transient && err == nil {
			err = errUnclassified
		}

		state = Next(state, outcome, maxAttempts)
		switch state.Phase {
		case Done:
			return value, nil
		case Failed:
			if outcome == Terminal {
				if err == nil {
					err = errors.New("terminal failure")
				}
				return zero, err
			}
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, state.Attempt, err)
		}
	}
}
