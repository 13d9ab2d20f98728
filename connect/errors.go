package connect

import (
	"errors"
	"fmt"
	"time"
)

// errors.go provides the error taxonomy for the connect package
//
// error type checking:
//   an error can be checked against its group using errors.Is(err, ErrType),
//   or unpacked with errors.As(err, &typedErr) for details

// used for the connection
var (
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrTransport          = errors.New("transport error")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected       = errors.New("not connected")
)

// used for conflict resolution
var (
	ErrConflictResolution         = errors.New("conflict resolution failed")
	ErrUserInterventionTimeout    = errors.New("user intervention timeout")
	ErrUserInterventionCancelled  = errors.New("user intervention cancelled")
	ErrUserInterventionInProgress = errors.New("user intervention already pending")
)

// used for the strategy registry
var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrDefaultStrategy = errors.New("cannot unregister the default strategy")
	ErrBuiltinStrategy = errors.New("built-in strategies cannot be registered or unregistered")
)

type ConnectionTimeoutError struct {
	Address string
	Timeout time.Duration
}

func (self *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connection to %s timed out after %s", self.Address, self.Timeout)
}

func (self *ConnectionTimeoutError) Is(target error) bool {
	return target == ErrConnectionTimeout
}

// an abrupt or unclean close, or a failed dial
type TransportError struct {
	Address string
	Err     error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %s", self.Address, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

func (self *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// terminal. reconnection does not resume until the caller connects again.
type ReconnectExhaustedError struct {
	Address  string
	Attempts int
	LastErr  error
}

func (self *ReconnectExhaustedError) Error() string {
	if self.LastErr != nil {
		return fmt.Sprintf("reconnect to %s exhausted after %d attempts: %s", self.Address, self.Attempts, self.LastErr)
	}
	return fmt.Sprintf("reconnect to %s exhausted after %d attempts", self.Address, self.Attempts)
}

func (self *ReconnectExhaustedError) Unwrap() error {
	return self.LastErr
}

func (self *ReconnectExhaustedError) Is(target error) bool {
	return target == ErrReconnectExhausted
}

type ConflictResolutionError struct {
	ConflictId string
	Reason     string
	Err        error
}

func (self *ConflictResolutionError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("conflict %s: %s: %s", self.ConflictId, self.Reason, self.Err)
	}
	return fmt.Sprintf("conflict %s: %s", self.ConflictId, self.Reason)
}

func (self *ConflictResolutionError) Unwrap() error {
	return self.Err
}

func (self *ConflictResolutionError) Is(target error) bool {
	return target == ErrConflictResolution
}

type UserInterventionTimeoutError struct {
	ConflictId string
	Timeout    time.Duration
}

func (self *UserInterventionTimeoutError) Error() string {
	return fmt.Sprintf("conflict %s: no user resolution within %s", self.ConflictId, self.Timeout)
}

func (self *UserInterventionTimeoutError) Is(target error) bool {
	return target == ErrUserInterventionTimeout
}

type UserInterventionCancelledError struct {
	ConflictId string
	Err        error
}

func (self *UserInterventionCancelledError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("conflict %s: user intervention cancelled: %s", self.ConflictId, self.Err)
	}
	return fmt.Sprintf("conflict %s: user intervention cancelled", self.ConflictId)
}

func (self *UserInterventionCancelledError) Unwrap() error {
	return self.Err
}

func (self *UserInterventionCancelledError) Is(target error) bool {
	return target == ErrUserInterventionCancelled
}
