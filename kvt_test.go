package kvt

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bobboyms/kvt/pkg/catalog"
	"github.com/bobboyms/kvt/pkg/kverrors"
	"github.com/bobboyms/kvt/pkg/kvtconfig"
	"github.com/bobboyms/kvt/pkg/txn"
)

func openMemEngine(t *testing.T, backend string) *Engine {
	t.Helper()
	opts := kvtconfig.DefaultOptions(t.TempDir())
	opts.Persist = false
	opts.Backend = backend
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func openPersistentEngine(t *testing.T, dir, backend string) *Engine {
	t.Helper()
	opts := kvtconfig.DefaultOptions(dir)
	opts.Backend = backend
	opts.FsyncEachWrite = true
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func TestOpenCloseInMemory(t *testing.T) {
	e := openMemEngine(t, "2pl")
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestCreateAndDropTable(t *testing.T) {
	e := openMemEngine(t, "2pl")

	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	if err := e.Set(txn.AutoCommitTxID, id, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := e.DropTable(id); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if _, err := e.GetTableName(id); kverrors.CodeOf(err) != kverrors.CodeTableNotFound {
		t.Errorf("GetTableName after drop = %v, want TableNotFound", err)
	}
}

func TestTransactionCommitTwoPL(t *testing.T) {
	e := openMemEngine(t, "2pl")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx := e.Begin()
	if err := e.Set(tx, id, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := e.Get(txn.AutoCommitTxID, id, []byte("k"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestTransactionRollbackOCC(t *testing.T) {
	e := openMemEngine(t, "occ")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx := e.Begin()
	if err := e.Set(tx, id, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := e.Get(txn.AutoCommitTxID, id, []byte("k")); kverrors.CodeOf(err) != kverrors.CodeKeyNotFound {
		t.Errorf("rolled-back key should not be visible, got %v", err)
	}
}

func TestProcessIncrementsCounter(t *testing.T) {
	e := openMemEngine(t, "2pl")
	id, err := e.CreateTable("counters", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.Set(txn.AutoCommitTxID, id, []byte("n"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	incr := func(in txn.ProcessInput) txn.ProcessOutput {
		if !in.Found {
			return txn.ProcessOutput{Success: false}
		}
		return txn.ProcessOutput{Success: true, Update: true, NewValue: []byte("2"), ReturnValue: "ok"}
	}

	result, err := e.Process(txn.AutoCommitTxID, id, []byte("n"), incr, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result != "ok" {
		t.Errorf("Process result = %q, want %q", result, "ok")
	}
	got, _ := e.Get(txn.AutoCommitTxID, id, []byte("n"))
	if string(got) != "2" {
		t.Errorf("counter = %q, want %q", got, "2")
	}
}

func TestBatchExecuteMixedOps(t *testing.T) {
	e := openMemEngine(t, "2pl")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	ops := []txn.Op{
		{Kind: txn.OpSet, Table: id, Key: []byte("a"), Value: []byte("1")},
		{Kind: txn.OpSet, Table: id, Key: []byte("b"), Value: []byte("2")},
		{Kind: txn.OpGet, Table: id, Key: []byte("a")},
	}
	results, err := e.BatchExecute(txn.AutoCommitTxID, ops)
	if err != nil {
		t.Fatalf("BatchExecute: %v", err)
	}
	if string(results[2].Value) != "1" {
		t.Errorf("batch get result = %q, want %q", results[2].Value, "1")
	}
}

func TestRangeProcessOverScan(t *testing.T) {
	e := openMemEngine(t, "2pl")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if err := e.Set(txn.AutoCommitTxID, id, []byte(kv.k), []byte(kv.v)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	touched := 0
	fn := func(in txn.ProcessInput) txn.ProcessOutput {
		if in.Last {
			return txn.ProcessOutput{Success: true}
		}
		touched++
		return txn.ProcessOutput{Success: true, ReturnValue: string(in.Value)}
	}

	results, err := e.RangeProcess(txn.AutoCommitTxID, id, nil, nil, 10, fn, "")
	if err != nil {
		t.Fatalf("RangeProcess: %v", err)
	}
	if touched != 3 || len(results) != 3 {
		t.Errorf("touched=%d results=%d, want 3/3", touched, len(results))
	}
}

func TestRecoveryAfterRestart(t *testing.T) {
	dir := t.TempDir()

	e1 := openPersistentEngine(t, dir, "2pl")
	id, err := e1.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	tx := e1.Begin()
	if err := e1.Set(tx, id, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e1.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e1.Set(txn.AutoCommitTxID, id, []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Set auto-commit: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openPersistentEngine(t, dir, "2pl")
	defer e2.Close()

	gotID, err := e2.GetTableID("users")
	if err != nil || gotID != id {
		t.Fatalf("recovered table id = %d, %v, want %d", gotID, err, id)
	}
	got, err := e2.Get(txn.AutoCommitTxID, gotID, []byte("k"))
	if err != nil || string(got) != "v1" {
		t.Errorf("recovered k = %q, %v, want v1", got, err)
	}
	got2, err := e2.Get(txn.AutoCommitTxID, gotID, []byte("k2"))
	if err != nil || string(got2) != "v2" {
		t.Errorf("recovered k2 = %q, %v, want v2", got2, err)
	}
}

func TestRecoveryDoesNotReplayUncommittedTransaction(t *testing.T) {
	dir := t.TempDir()

	e1 := openPersistentEngine(t, dir, "occ")
	id, err := e1.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	tx := e1.Begin()
	if err := e1.Set(tx, id, []byte("ghost"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Simulate a crash: never commit or rollback tx, just close.
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openPersistentEngine(t, dir, "occ")
	defer e2.Close()

	gotID, err := e2.GetTableID("users")
	if err != nil {
		t.Fatalf("GetTableID: %v", err)
	}
	if _, err := e2.Get(txn.AutoCommitTxID, gotID, []byte("ghost")); kverrors.CodeOf(err) != kverrors.CodeKeyNotFound {
		t.Errorf("uncommitted write should not survive recovery, got %v", err)
	}
}

func TestManualCheckpointRotatesLog(t *testing.T) {
	dir := t.TempDir()
	e := openPersistentEngine(t, dir, "2pl")
	defer e.Close()

	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.Set(txn.AutoCommitTxID, id, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := e.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	ckptID, ok := e.ckpt.LatestCheckpointID()
	if !ok {
		t.Fatalf("expected a checkpoint to exist after manual Checkpoint()")
	}
	if e.curLogID != ckptID {
		t.Errorf("curLogID = %d, want %d: checkpoint N opens log N for future writes", e.curLogID, ckptID)
	}
}

func TestScanThenWriteIsLockedUnderTwoPL(t *testing.T) {
	e := openMemEngine(t, "2pl")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.Set(txn.AutoCommitTxID, id, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tx1 := e.Begin()
	if _, err := e.Scan(tx1, id, nil, nil, 0); err != nil {
		t.Fatalf("Scan(tx1): %v", err)
	}

	tx2 := e.Begin()
	if err := e.Set(tx2, id, []byte("k"), []byte("v2")); kverrors.CodeOf(err) != kverrors.CodeKeyIsLocked {
		t.Errorf("got %v, want KeyIsLockedError: a row returned by a scan must block a concurrent writer", err)
	}
}

func TestKeyLockedConflictIncrementsMetric(t *testing.T) {
	e := openMemEngine(t, "2pl")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	tx1 := e.Begin()
	if err := e.Set(tx1, id, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Set(tx1): %v", err)
	}
	before := testutil.ToFloat64(e.Metrics().KeyLockedTotal)

	tx2 := e.Begin()
	if err := e.Set(tx2, id, []byte("k"), []byte("v2")); kverrors.CodeOf(err) != kverrors.CodeKeyIsLocked {
		t.Fatalf("got %v, want KeyIsLockedError", err)
	}

	if after := testutil.ToFloat64(e.Metrics().KeyLockedTotal); after != before+1 {
		t.Errorf("KeyLockedTotal = %v, want %v", after, before+1)
	}
}

func TestStaleDataConflictIncrementsMetric(t *testing.T) {
	e := openMemEngine(t, "occ")
	id, err := e.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := e.Set(txn.AutoCommitTxID, id, []byte("k"), []byte("v0")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tx1 := e.Begin()
	if _, err := e.Get(tx1, id, []byte("k")); err != nil {
		t.Fatalf("Get(tx1): %v", err)
	}

	// A concurrent auto-commit write bumps the version tx1 already captured.
	if err := e.Set(txn.AutoCommitTxID, id, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Set auto-commit: %v", err)
	}
	if err := e.Set(tx1, id, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Set(tx1): %v", err)
	}

	before := testutil.ToFloat64(e.Metrics().StaleDataTotal)
	if err := e.Commit(tx1); kverrors.CodeOf(err) != kverrors.CodeTransactionHasStaleData {
		t.Fatalf("got %v, want StaleDataError", err)
	}

	if after := testutil.ToFloat64(e.Metrics().StaleDataTotal); after != before+1 {
		t.Errorf("StaleDataTotal = %v, want %v", after, before+1)
	}
}
