package handler

import "errors"

// IncompleteError reports that a handler did not finish its work and
// wants the retry policy consulted. It carries no failure semantics beyond
// that.
type IncompleteError struct {
	Message string
}

func (e *IncompleteError) Error() string { return e.Message }

// Incomplete returns an error marking the task incomplete with msg.
func Incomplete(msg string) error {
	return &IncompleteError{Message: msg}
}

// Message returns the text recorded for a handler error: the message of
// an IncompleteError, or err.Error() for anything else.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return ie.Message
	}
	return err.Error()
}
