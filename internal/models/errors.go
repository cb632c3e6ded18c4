package models

import "fmt"

// TransportError reports a network or authentication failure while talking to
// an external collaborator (message source, oracle or calendar sink).
// The unit of work that hit it is skipped; the run continues.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
