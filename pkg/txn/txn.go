// Package txn defines the transaction manager contract (C4): the
// operation surface shared by every concurrency backend, the per-row
// callback shape used by Process/RangeProcess (C7), and the
// backend-agnostic plumbing (batch execution, range-process looping) that
// sits on top of whichever concrete backend (pkg/txn/twopl, pkg/txn/occ)
// is selected.
//
// Concrete backends only need to implement Backend; everything else in
// this package is built once, on top of that interface, the way the spec
// describes process/range_process/batch_execute as backend-independent
// compositions of get/set/del/scan.
package txn

import (
	"github.com/bobboyms/kvt/pkg/kverrors"
)

// KV is one (key, value) pair surfaced by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// ReadSetEntry is the value-copy snapshot a transaction captures on first
// read of a key; OCC additionally uses the Version to validate at commit.
type ReadSetEntry struct {
	Data    []byte
	Version int32
	Found   bool
}

// AutoCommitTxID is the reserved tx id meaning "one-shot": the operation
// behaves as if an internal transaction was begun, the single op
// performed, and committed immediately, never blocking on other
// transactions except to acquire its own locks (2PL).
const AutoCommitTxID uint64 = 0

// ProcessInput is what the engine hands to a Process/RangeProcess
// callback for one row.
type ProcessInput struct {
	Key         []byte
	Value       []byte // nil if the key did not exist
	Found       bool
	Param       string
	RangeFirst  bool // true on the first row of a range_process window
	Last        bool // true on the final sentinel call (Key is nil)
}

// ProcessOutput is the tagged decision a callback returns. The engine
// treats this as data, never as a control-flow exception: a failing
// callback is reported by returning Success=false (or Err), and the
// engine guarantees no partial write/delete is applied for that row.
type ProcessOutput struct {
	Success     bool
	Err         error // optional detail surfaced as EXT_FUNC_ERROR's message
	Update      bool
	NewValue    []byte
	Delete      bool
	ReturnValue string
}

// ProcessFunc is the opaque per-row callback used by Process/RangeProcess.
type ProcessFunc func(ProcessInput) ProcessOutput

// OpKind enumerates batch_execute's op tags.
type OpKind int

const (
	OpGet OpKind = iota
	OpSet
	OpDel
)

// Op is one entry of a batch_execute call.
type Op struct {
	Kind  OpKind
	Table uint64
	Key   []byte
	Value []byte
}

// OpResult is the per-op outcome returned by batch_execute, always
// populated regardless of whether the overall batch failed.
type OpResult struct {
	Value []byte
	Found bool
	Err   error
}

// Backend is the transaction manager contract (C4) every concurrency
// discipline implements. tx=0 means auto-commit (AutoCommitTxID).
type Backend interface {
	// Begin starts a new transaction and returns its id. Never fails.
	Begin() uint64

	// Get reads the current value of key as seen by tx.
	Get(tx uint64, tableID uint64, key []byte) ([]byte, error)

	// Set writes/updates key. strictOneShot gates whether tx=0 writes are
	// rejected with OneShotWriteNotAllowedError.
	Set(tx uint64, tableID uint64, key, value []byte, strictOneShot bool) error

	// Del deletes key. Deleting a non-existent key is not an error;
	// deleting an already-deleted (within this tx) key is.
	Del(tx uint64, tableID uint64, key []byte, strictOneShot bool) error

	// Scan returns the ordered [start, end) view merging tx's pending
	// writes/deletes with committed state, capped at limit. If the cap
	// was hit with more entries available, it returns the capped result
	// together with a *kverrors.ScanLimitReachedError (informational,
	// not a failure).
	Scan(tx uint64, tableID uint64, start, end []byte, limit int) ([]KV, error)

	// Commit applies tx's effects and releases its resources.
	Commit(tx uint64) error

	// Rollback discards tx's effects and releases its resources.
	Rollback(tx uint64) error
}

// Process performs the read-modify-write composition described in §4.7:
// read the current value, invoke fn, apply its decision through the same
// transaction, and surface its return value. Built once here on top of
// Backend so twopl and occ never duplicate this logic.
func Process(b Backend, tx uint64, tableID uint64, key []byte, fn ProcessFunc, param string) (string, error) {
	value, err := b.Get(tx, tableID, key)
	found := err == nil
	if err != nil {
		if kverrors.CodeOf(err) != kverrors.CodeKeyNotFound {
			return "", err
		}
		found = false
	}

	out := fn(ProcessInput{Key: key, Value: value, Found: found, Param: param})
	if !out.Success {
		msg := "callback reported failure"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		return "", &kverrors.ExtFuncError{Message: msg}
	}

	if out.Delete {
		if err := b.Del(tx, tableID, key, false); err != nil {
			return "", err
		}
	} else if out.Update {
		if err := b.Set(tx, tableID, key, out.NewValue, false); err != nil {
			return "", err
		}
	}

	return out.ReturnValue, nil
}

// RangeProcess drives the scan-chunked loop described in §4.7: repeatedly
// scan up to limit rows from the current cursor, invoke fn per row
// (flagging the first row of each chunk), apply decisions, and advance
// the cursor past the last processed key. A final sentinel call with
// Last=true finalizes the callback; its ReturnValue (if Success=false) is
// surfaced as the operation's error.
func RangeProcess(b Backend, tx uint64, tableID uint64, start, end []byte, limit int, fn ProcessFunc, param string) ([]KV, error) {
	const chunkSize = 256
	cursor := start
	results := make([]KV, 0, limit)
	first := true
	remaining := limit

	for remaining > 0 {
		want := chunkSize
		if want > remaining {
			want = remaining
		}

		rows, scanErr := b.Scan(tx, tableID, cursor, end, want)
		if scanErr != nil && kverrors.CodeOf(scanErr) != kverrors.CodeScanLimitReached {
			return results, scanErr
		}
		if len(rows) == 0 {
			break
		}

		for _, kv := range rows {
			out := fn(ProcessInput{Key: kv.Key, Value: kv.Value, Found: true, Param: param, RangeFirst: first})
			first = false
			if !out.Success {
				msg := "callback reported failure"
				if out.Err != nil {
					msg = out.Err.Error()
				}
				return results, &kverrors.ExtFuncError{Message: msg}
			}

			if out.Delete {
				if err := b.Del(tx, tableID, kv.Key, false); err != nil {
					return results, err
				}
			} else if out.Update {
				if err := b.Set(tx, tableID, kv.Key, out.NewValue, false); err != nil {
					return results, err
				}
				kv.Value = out.NewValue
			}

			results = append(results, KV{Key: kv.Key, Value: []byte(out.ReturnValue)})
			remaining--
			if remaining == 0 {
				break
			}
		}

		last := rows[len(rows)-1].Key
		cursor = append(append([]byte(nil), last...), 0)

		if len(rows) < want {
			break
		}
	}

	final := fn(ProcessInput{Last: true, Param: param})
	if !final.Success {
		msg := "finalization failed"
		if final.Err != nil {
			msg = final.Err.Error()
		}
		return results, &kverrors.ExtFuncError{Message: msg}
	}

	return results, nil
}

// BatchExecute runs ops sequentially through tx, always returning a
// per-op result slice. If any op failed, the returned error is
// *kverrors.BatchNotFullySuccessError with a combined message; callers
// should still inspect every OpResult.
func BatchExecute(b Backend, tx uint64, ops []Op, strictOneShot bool) ([]OpResult, error) {
	results := make([]OpResult, len(ops))
	var failures string

	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			v, err := b.Get(tx, op.Table, op.Key)
			results[i] = OpResult{Value: v, Found: err == nil, Err: err}
		case OpSet:
			err := b.Set(tx, op.Table, op.Key, op.Value, strictOneShot)
			results[i] = OpResult{Err: err}
		case OpDel:
			err := b.Del(tx, op.Table, op.Key, strictOneShot)
			results[i] = OpResult{Err: err}
		}
		if results[i].Err != nil {
			if failures != "" {
				failures += "; "
			}
			failures += results[i].Err.Error()
		}
	}

	if failures != "" {
		return results, &kverrors.BatchNotFullySuccessError{Message: failures}
	}
	return results, nil
}
