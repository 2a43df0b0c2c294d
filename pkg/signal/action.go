package signal

import "fmt"

// ActionKind identifies a handler verdict.
type ActionKind int

// The zero ActionKind is ActionUnknown; an Action{} resolves like Fail(nil).
const (
	ActionUnknown ActionKind = iota
	ActionProcess
	ActionContinue
	ActionComplete
	ActionFail
)

// String returns the string representation of the kind.
func (k ActionKind) String() string {
	switch k {
	case ActionProcess:
		return "process"
	case ActionContinue:
		return "continue"
	case ActionComplete:
		return "complete"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Action is the verdict a handler returns for a signal.
type Action struct {
	kind ActionKind
	by   string
	err  error
}

// Process keeps the signal claimed by the given owner.
func Process(by string) Action {
	return Action{kind: ActionProcess, by: by}
}

// Continue returns the signal to Dispatching so it stays active.
func Continue() Action {
	return Action{kind: ActionContinue}
}

// Complete finishes the signal successfully.
func Complete() Action {
	return Action{kind: ActionComplete}
}

// Fail finishes the signal with err.
func Fail(err error) Action {
	return Action{kind: ActionFail, err: err}
}

// Kind returns the action kind.
func (a Action) Kind() ActionKind { return a.kind }

// Status maps the action to the next signal status.
func (a Action) Status() Status {
	switch a.kind {
	case ActionProcess:
		return Processing(a.by)
	case ActionContinue:
		return Dispatching()
	case ActionComplete:
		return Completed(nil)
	default:
		if a.err == nil {
			return Completed(wrapHandlerError(nil))
		}
		return Completed(a.err)
	}
}

// String returns a compact representation of the action.
func (a Action) String() string {
	switch a.kind {
	case ActionProcess:
		return fmt.Sprintf("process(%s)", a.by)
	case ActionFail:
		return fmt.Sprintf("fail(%v)", a.err)
	default:
		return a.kind.String()
	}
}

// CatchAction runs fn and converts a returned error or a panic into Fail.
func CatchAction(fn func() (Action, error)) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			action = Fail(wrapHandlerError(&PanicError{Value: r}))
		}
	}()

	a, err := fn()
	if err != nil {
		return Fail(wrapHandlerError(err))
	}
	return a
}
