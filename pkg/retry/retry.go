package retry

import "context"

// Action is a unit of work that may be attempted more than once
type Action func() error

// Retry runs action until it succeeds or a strategy declines another attempt,
// returning the number of attempts made and the last error.
//
// Strategies are consulted in order and evaluation stops at the first one
// declining, so strategies that sleep belong at the end.
func Retry(action Action, strategies ...Strategy) (uint, error) {
	for attempts := uint(1); ; attempts++ {
		err := action()
		if err == nil || !allow(strategies, attempts, err) {
			return attempts, err
		}
	}
}

// RetryWithContext is Retry that stops attempting once ctx is done. The last
// attempt's error is returned rather than the context's.
func RetryWithContext(ctx context.Context, action func(ctx context.Context) error, strategies ...Strategy) (uint, error) {
	return Retry(
		func() error { return action(ctx) },
		append([]Strategy{Context(ctx)}, strategies...)...,
	)
}

// Loop runs action forever until it fails and a strategy declines another
// attempt. A success resets the attempt count.
func Loop(action Action, strategies ...Strategy) error {
	var failures uint
	for {
		err := action()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		if !allow(strategies, failures, err) {
			return err
		}
	}
}

func allow(strategies []Strategy, attempts uint, err error) bool {
	for _, strategy := range strategies {
		if !strategy(attempts, err) {
			return false
		}
	}
	return true
}
