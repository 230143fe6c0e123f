package connectivity

import "fmt"

// ErrServiceNotFound is returned when Call targets a service with no
// registered handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrCircuitOpen is returned (or handed to the fallback) when the circuit
// breaker is open and the guarded operation was not attempted.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrBadPayload is returned by handlers that cannot decode their input.
type ErrBadPayload struct {
	Service string
	Cause   error
}

func (e *ErrBadPayload) Error() string {
	return fmt.Sprintf("connectivity: bad payload for %s: %v", e.Service, e.Cause)
}

func (e *ErrBadPayload) Unwrap() error { return e.Cause }
