package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBroker is returned when a service is started or used for calls
	// without a broker
	ErrNoBroker = errors.New("rpc: service has no broker")

	// ErrRPCTimeout is returned when no response arrives in time
	ErrRPCTimeout = errors.New("rpc: call timed out")

	// ErrMethodExists is returned when a definition exposes a name twice
	ErrMethodExists = errors.New("rpc: method already exposed")
)

// RemoteError carries the error text of a failed remote call
type RemoteError struct {
	Service string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s.%s: %s", e.Service, e.Method, e.Message)
}

// ArgumentError reports a missing or undecodable method argument
type ArgumentError struct {
	Position int
	Name     string
	Err      error
}

func (e *ArgumentError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("argument %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("argument %d: %v", e.Position, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// ErrMissingArgument is wrapped by ArgumentError when an argument is absent
var ErrMissingArgument = errors.New("missing argument")
