// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "fmt"

// Status is the outcome of a session operation as seen by callers.
type Status int

const (
	OK Status = iota
	NotFound
	// Pending means the operation was queued and completes through
	// CompletePending and the matching completion callback.
	Pending
	Error
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NotFound:
		return "NOTFOUND"
	case Pending:
		return "PENDING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// OperationStatus is the internal result of one attempt at an operation.
type OperationStatus int

const (
	Success OperationStatus = iota
	OpNotFound
	// RetryNow asks the caller to re-issue immediately, without a callback.
	RetryNow
	// RetryLater queues the operation on the retry queue.
	RetryLater
	// RecordOnDisk queues the operation behind an asynchronous device read.
	RecordOnDisk
	// CPRShiftDetected means the session saw a record from a newer version
	// and must refresh before re-issuing.
	CPRShiftDetected
	// AllocateFailed means the log had no room for a new record.
	AllocateFailed
)

var operationStatusNames = [...]string{
	Success:          "SUCCESS",
	OpNotFound:       "NOTFOUND",
	RetryNow:         "RETRY_NOW",
	RetryLater:       "RETRY_LATER",
	RecordOnDisk:     "RECORD_ON_DISK",
	CPRShiftDetected: "CPR_SHIFT_DETECTED",
	AllocateFailed:   "ALLOCATE_FAILED",
}

func (s OperationStatus) String() string {
	if int(s) < len(operationStatusNames) {
		return operationStatusNames[s]
	}
	return fmt.Sprintf("OperationStatus(%d)", int(s))
}

// done reports whether s maps directly to a public status.
func (s OperationStatus) done() bool { return s == Success || s == OpNotFound }

func (s OperationStatus) public() Status {
	if s == OpNotFound {
		return NotFound
	}
	return OK
}

// OperationType is the kind of a queued operation.
type OperationType int

const (
	ReadOp OperationType = iota
	UpsertOp
	RMWOp
	DeleteOp
)

func (t OperationType) String() string {
	switch t {
	case ReadOp:
		return "read"
	case UpsertOp:
		return "upsert"
	case RMWOp:
		return "rmw"
	case DeleteOp:
		return "delete"
	default:
		return fmt.Sprintf("OperationType(%d)", int(t))
	}
}

type latch int

const (
	noLatch latch = iota
	sharedLatch
	exclusiveLatch
)
