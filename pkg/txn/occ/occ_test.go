package occ

import (
	"testing"

	"github.com/bobboyms/kvt/pkg/catalog"
	"github.com/bobboyms/kvt/pkg/kverrors"
	"github.com/bobboyms/kvt/pkg/store"
	"github.com/bobboyms/kvt/pkg/txn"
)

func newBackend(t *testing.T) (*Backend, uint64) {
	t.Helper()
	cat := catalog.New()
	id, err := cat.CreateTable("users", catalog.PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return New(cat, store.New()), id
}

func TestAutoCommitSetGet(t *testing.T) {
	b, table := newBackend(t)

	if err := b.Set(txn.AutoCommitTxID, table, []byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get(txn.AutoCommitTxID, table, []byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestConcurrentWritesNeverBlockButLoserIsStale(t *testing.T) {
	b, table := newBackend(t)
	if err := b.Set(txn.AutoCommitTxID, table, []byte("k"), []byte("v0"), false); err != nil {
		t.Fatalf("seed Set: %v", err)
	}

	tx1 := b.Begin()
	tx2 := b.Begin()

	if _, err := b.Get(tx1, table, []byte("k")); err != nil {
		t.Fatalf("Get(tx1): %v", err)
	}
	if _, err := b.Get(tx2, table, []byte("k")); err != nil {
		t.Fatalf("Get(tx2): %v", err)
	}

	if err := b.Set(tx1, table, []byte("k"), []byte("v1"), false); err != nil {
		t.Fatalf("Set(tx1) should never block: %v", err)
	}
	if err := b.Commit(tx1); err != nil {
		t.Fatalf("Commit(tx1): %v", err)
	}

	if err := b.Set(tx2, table, []byte("k"), []byte("v2"), false); err != nil {
		t.Fatalf("Set(tx2) should never block: %v", err)
	}
	err := b.Commit(tx2)
	if kverrors.CodeOf(err) != kverrors.CodeTransactionHasStaleData {
		t.Errorf("Commit(tx2) = %v, want StaleDataError", err)
	}

	got, _ := b.Get(txn.AutoCommitTxID, table, []byte("k"))
	if string(got) != "v1" {
		t.Errorf("final value = %q, want %q (tx1's committed write)", got, "v1")
	}
}

func TestDeleteThenReadIsInvisibleWithinTx(t *testing.T) {
	b, table := newBackend(t)
	if err := b.Set(txn.AutoCommitTxID, table, []byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("seed Set: %v", err)
	}

	tx := b.Begin()
	if err := b.Del(tx, table, []byte("k"), false); err != nil {
		t.Fatalf("Del: %v", err)
	}
	_, err := b.Get(tx, table, []byte("k"))
	if kverrors.CodeOf(err) != kverrors.CodeKeyIsDeleted {
		t.Errorf("got %v, want KeyIsDeletedError", err)
	}
}

func TestRollbackNeverAppliesEffects(t *testing.T) {
	b, table := newBackend(t)

	tx := b.Begin()
	if err := b.Set(tx, table, []byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	_, err := b.Get(txn.AutoCommitTxID, table, []byte("k"))
	if kverrors.CodeOf(err) != kverrors.CodeKeyNotFound {
		t.Errorf("rolled-back write should not be visible, got %v", err)
	}
}

func TestScanSkipsTombstones(t *testing.T) {
	b, table := newBackend(t)
	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}} {
		if err := b.Set(txn.AutoCommitTxID, table, []byte(kv.k), []byte(kv.v), false); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := b.Del(txn.AutoCommitTxID, table, []byte("a"), false); err != nil {
		t.Fatalf("Del: %v", err)
	}

	results, err := b.Scan(txn.AutoCommitTxID, table, nil, nil, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 || string(results[0].Key) != "b" {
		t.Errorf("Scan = %+v, want only [b]", results)
	}
}
