package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned by mutations attempted without an identity.
	ErrUnauthenticated = errors.New("not signed in")
	// ErrGateway matches every GatewayError via errors.Is.
	ErrGateway = errors.New("gateway error")
	// ErrClosed is returned once the engine has been closed.
	ErrClosed = errors.New("engine closed")
)

// GatewayError wraps a failed remote store call.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}
