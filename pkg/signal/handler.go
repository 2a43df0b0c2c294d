package signal

import "context"

// Handler processes a claimed signal and returns the verdict together with
// the payload to write back. A returned error or a panic completes the
// signal with a *HandlerError and keeps the original payload.
type Handler[P comparable] func(ctx context.Context, sig Signal[P]) (Action, P, error)

// HandlePayload adapts a handler that only needs the payload.
func HandlePayload[P comparable](fn func(ctx context.Context, payload P) (Action, P, error)) Handler[P] {
	return func(ctx context.Context, sig Signal[P]) (Action, P, error) {
		return fn(ctx, sig.Payload)
	}
}

// HandleAction adapts a handler that returns only a verdict; the payload is kept.
func HandleAction[P comparable](fn func(ctx context.Context, sig Signal[P]) (Action, error)) Handler[P] {
	return func(ctx context.Context, sig Signal[P]) (Action, P, error) {
		action, err := fn(ctx, sig)
		return action, sig.Payload, err
	}
}

// HandleValue adapts a handler that returns a new payload. The signal is
// completed when completing is set and continues otherwise.
func HandleValue[P comparable](completing bool, fn func(ctx context.Context, sig Signal[P]) (P, error)) Handler[P] {
	return func(ctx context.Context, sig Signal[P]) (Action, P, error) {
		payload, err := fn(ctx, sig)
		if err != nil {
			return Action{}, sig.Payload, err
		}
		return verdict(completing), payload, nil
	}
}

// HandleFunc adapts a handler with no result; the payload is kept.
func HandleFunc[P comparable](completing bool, fn func(ctx context.Context, sig Signal[P]) error) Handler[P] {
	return func(ctx context.Context, sig Signal[P]) (Action, P, error) {
		if err := fn(ctx, sig); err != nil {
			return Action{}, sig.Payload, err
		}
		return verdict(completing), sig.Payload, nil
	}
}

func verdict(completing bool) Action {
	if completing {
		return Complete()
	}
	return Continue()
}
