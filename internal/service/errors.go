package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest  = errors.New("invalid transfer request")
	ErrMalformedAmount = errors.New("amount cannot be represented in minor units")
	ErrSystemFault     = errors.New("system error processing transfer")
	ErrForbidden       = errors.New("user does not have access")
)

// Stages at which a system fault can surface.
const (
	StageIdempotency = "idempotency"
	StageIntake      = "intake"
	StageExecution   = "execution"
)

// SystemFaultError is returned for any failure that is not a business
// rejection. It is not retryable by the caller with a new key: if OrderID is
// set, an order for the key already exists in PENDING.
type SystemFaultError struct {
	OrderID *uuid.UUID
	Stage   string
	Err     error
}

func (e *SystemFaultError) Error() string {
	if e.OrderID != nil {
		return fmt.Sprintf("system error during %s of order %s: %v", e.Stage, e.OrderID, e.Err)
	}
	return fmt.Sprintf("system error during %s: %v", e.Stage, e.Err)
}

func (e *SystemFaultError) Unwrap() error {
	return e.Err
}

func (e *SystemFaultError) Is(target error) bool {
	return target == ErrSystemFault
}

// BusinessError is a validation rejection found under lock. It never leaves
// the orchestrator as an error; it becomes a committed FAILED order.
type BusinessError struct {
	Reason string
}

func (e *BusinessError) Error() string {
	return e.Reason
}
