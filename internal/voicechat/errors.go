package voicechat

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator failures. The HTTP layer maps kinds to status
// codes; metrics use them as the outcome label.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindValidation         Kind = "ValidationError"
	KindNotFound           Kind = "NotFound"
	KindUploadFailure      Kind = "UploadFailure"
	KindSubmissionFailure  Kind = "SubmissionFailure"
	KindPollTimeout        Kind = "PollTimeout"
	KindTerminalFailure    Kind = "TerminalFailure"
	KindStreamFailure      Kind = "StreamFailure"
	KindSynthesisFailure   Kind = "SynthesisFailure"
	KindPersistenceFailure Kind = "PersistenceFailure"
)

// Error is the structured failure returned by every [Orchestrator] operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("voicechat: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("voicechat: %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first [*Error] in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
