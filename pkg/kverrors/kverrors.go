// Package kverrors defines the closed error taxonomy returned by the KVT
// engine. Every operation reports one of these codes; callers are expected
// to switch on the concrete type (with errors.As) rather than string-match
// messages.
package kverrors

import (
	"errors"
	"fmt"
)

// Code identifies one of the stable, closed error conditions an operation
// can report. It never grows without a spec change.
type Code int

const (
	Success Code = iota
	CodeKVTNotInitialized
	CodeTableAlreadyExists
	CodeTableNotFound
	CodeInvalidPartitionMethod
	CodeTransactionNotFound
	CodeTransactionAlreadyRunning
	CodeKeyNotFound
	CodeKeyIsDeleted
	CodeKeyIsLocked
	CodeTransactionHasStaleData
	CodeOneShotWriteNotAllowed
	CodeOneShotDeleteNotAllowed
	CodeBatchNotFullySuccess
	CodeScanLimitReached
	CodeExtFuncError
	CodeUnknownError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case CodeKVTNotInitialized:
		return "KVT_NOT_INITIALIZED"
	case CodeTableAlreadyExists:
		return "TABLE_ALREADY_EXISTS"
	case CodeTableNotFound:
		return "TABLE_NOT_FOUND"
	case CodeInvalidPartitionMethod:
		return "INVALID_PARTITION_METHOD"
	case CodeTransactionNotFound:
		return "TRANSACTION_NOT_FOUND"
	case CodeTransactionAlreadyRunning:
		return "TRANSACTION_ALREADY_RUNNING"
	case CodeKeyNotFound:
		return "KEY_NOT_FOUND"
	case CodeKeyIsDeleted:
		return "KEY_IS_DELETED"
	case CodeKeyIsLocked:
		return "KEY_IS_LOCKED"
	case CodeTransactionHasStaleData:
		return "TRANSACTION_HAS_STALE_DATA"
	case CodeOneShotWriteNotAllowed:
		return "ONE_SHOT_WRITE_NOT_ALLOWED"
	case CodeOneShotDeleteNotAllowed:
		return "ONE_SHOT_DELETE_NOT_ALLOWED"
	case CodeBatchNotFullySuccess:
		return "BATCH_NOT_FULLY_SUCCESS"
	case CodeScanLimitReached:
		return "SCAN_LIMIT_REACHED"
	case CodeExtFuncError:
		return "EXT_FUNC_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// KVTError is the common shape every typed error in this package satisfies,
// letting callers recover the stable code without a type switch over every
// concrete struct.
type KVTError interface {
	error
	Code() Code
}

type NotInitializedError struct{}

func (e *NotInitializedError) Error() string { return "kvt: engine not initialized" }
func (e *NotInitializedError) Code() Code    { return CodeKVTNotInitialized }

type TableAlreadyExistsError struct{ Name string }

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}
func (e *TableAlreadyExistsError) Code() Code { return CodeTableAlreadyExists }

type TableNotFoundError struct{ Name string }

func (e *TableNotFoundError) Error() string {
	if e.Name == "" {
		return "table not found"
	}
	return fmt.Sprintf("table %q not found", e.Name)
}
func (e *TableNotFoundError) Code() Code { return CodeTableNotFound }

// TableIDNotFoundError mirrors TableNotFoundError for id-based lookups.
type TableIDNotFoundError struct{ ID uint64 }

func (e *TableIDNotFoundError) Error() string {
	return fmt.Sprintf("table id %d not found", e.ID)
}
func (e *TableIDNotFoundError) Code() Code { return CodeTableNotFound }

type InvalidPartitionError struct{ Partition string }

func (e *InvalidPartitionError) Error() string {
	return fmt.Sprintf("invalid partition method %q: must be \"hash\" or \"range\"", e.Partition)
}
func (e *InvalidPartitionError) Code() Code { return CodeInvalidPartitionMethod }

type TransactionNotFoundError struct{ TxID uint64 }

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("transaction %d not found", e.TxID)
}
func (e *TransactionNotFoundError) Code() Code { return CodeTransactionNotFound }

type TransactionAlreadyRunningError struct{ TxID uint64 }

func (e *TransactionAlreadyRunningError) Error() string {
	return fmt.Sprintf("transaction %d already running", e.TxID)
}
func (e *TransactionAlreadyRunningError) Code() Code { return CodeTransactionAlreadyRunning }

type KeyNotFoundError struct{ Key []byte }

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}
func (e *KeyNotFoundError) Code() Code { return CodeKeyNotFound }

type KeyIsDeletedError struct{ Key []byte }

func (e *KeyIsDeletedError) Error() string {
	return fmt.Sprintf("key %q already deleted in this transaction", e.Key)
}
func (e *KeyIsDeletedError) Code() Code { return CodeKeyIsDeleted }

type KeyIsLockedError struct {
	Key   []byte
	Owner uint64
}

func (e *KeyIsLockedError) Error() string {
	return fmt.Sprintf("key %q is locked by transaction %d", e.Key, e.Owner)
}
func (e *KeyIsLockedError) Code() Code { return CodeKeyIsLocked }

type StaleDataError struct{ TxID uint64 }

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("transaction %d has stale data, commit rejected", e.TxID)
}
func (e *StaleDataError) Code() Code { return CodeTransactionHasStaleData }

type OneShotWriteNotAllowedError struct{}

func (e *OneShotWriteNotAllowedError) Error() string {
	return "one-shot (tx_id=0) writes are not allowed under strict mode"
}
func (e *OneShotWriteNotAllowedError) Code() Code { return CodeOneShotWriteNotAllowed }

type OneShotDeleteNotAllowedError struct{}

func (e *OneShotDeleteNotAllowedError) Error() string {
	return "one-shot (tx_id=0) deletes are not allowed under strict mode"
}
func (e *OneShotDeleteNotAllowedError) Code() Code { return CodeOneShotDeleteNotAllowed }

// BatchNotFullySuccessError carries the combined message of every op-level
// failure in a batch; all op-level results are still returned to the caller
// alongside this error.
type BatchNotFullySuccessError struct{ Message string }

func (e *BatchNotFullySuccessError) Error() string {
	return fmt.Sprintf("batch not fully successful: %s", e.Message)
}
func (e *BatchNotFullySuccessError) Code() Code { return CodeBatchNotFullySuccess }

// ScanLimitReachedError is informational: the result set up to the cap is
// valid and should be consumed.
type ScanLimitReachedError struct{ Limit int }

func (e *ScanLimitReachedError) Error() string {
	return fmt.Sprintf("scan limit of %d reached; more entries available", e.Limit)
}
func (e *ScanLimitReachedError) Code() Code { return CodeScanLimitReached }

type ExtFuncError struct{ Message string }

func (e *ExtFuncError) Error() string {
	return fmt.Sprintf("callback failed: %s", e.Message)
}
func (e *ExtFuncError) Code() Code { return CodeExtFuncError }

// CodeOf extracts the stable Code from any error produced by this package,
// or CodeUnknownError for anything else (including nil, which maps to
// Success).
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var ke KVTError
	if errors.As(err, &ke) {
		return ke.Code()
	}
	return CodeUnknownError
}
