// Package occ implements the OCC backend (C6): optimistic concurrency
// control where reads and writes never block and conflicts are detected
// at commit time by comparing each read key's captured version against
// the current storage version, under a single global commit lock (spec
// §4.6).
package occ

import (
	"sync"
	"sync/atomic"

	"github.com/bobboyms/kvt/pkg/catalog"
	"github.com/bobboyms/kvt/pkg/kverrors"
	"github.com/bobboyms/kvt/pkg/kvtkey"
	"github.com/bobboyms/kvt/pkg/store"
	"github.com/bobboyms/kvt/pkg/txn"
)

// tombstoneVersion is the sentinel store.Entry.Metadata value marking a
// dead row retained only so an in-flight OCC reader can still validate
// the version it observed before the delete (spec §3, §4.6).
const tombstoneVersion int32 = -1

type transaction struct {
	id        uint64
	readSet   map[string]txn.ReadSetEntry
	writeSet  map[string][]byte
	deleteSet map[string]bool
}

func newTransaction(id uint64) *transaction {
	return &transaction{
		id:        id,
		readSet:   make(map[string]txn.ReadSetEntry),
		writeSet:  make(map[string][]byte),
		deleteSet: make(map[string]bool),
	}
}

// Backend is the OCC transaction manager.
type Backend struct {
	cat *catalog.Catalog
	m   *store.Map

	txMu   sync.Mutex // guards the tx registry only
	nextID uint64
	txs    map[uint64]*transaction

	commitMu sync.Mutex // the global commit lock serializing validation
}

// New creates an OCC backend over the given catalog and storage map.
func New(cat *catalog.Catalog, m *store.Map) *Backend {
	return &Backend{
		cat:    cat,
		m:      m,
		nextID: 1,
		txs:    make(map[uint64]*transaction),
	}
}

func (b *Backend) Begin() uint64 {
	id := atomic.AddUint64(&b.nextID, 1) - 1
	b.txMu.Lock()
	b.txs[id] = newTransaction(id)
	b.txMu.Unlock()
	return id
}

func (b *Backend) lookupTx(tx uint64) (*transaction, bool) {
	if tx == txn.AutoCommitTxID {
		return newTransaction(txn.AutoCommitTxID), true
	}
	b.txMu.Lock()
	t, ok := b.txs[tx]
	b.txMu.Unlock()
	return t, ok
}

func (b *Backend) resolveTable(tableID uint64) error {
	_, err := b.cat.LookupByID(tableID)
	return err
}

// captureRead loads key's current snapshot into t.readSet on first access,
// then returns it (from the cache on subsequent access).
func (b *Backend) captureRead(t *transaction, k string, encodedKey []byte) txn.ReadSetEntry {
	if rs, ok := t.readSet[k]; ok {
		return rs
	}
	entry, found := b.m.Get(encodedKey)
	var rs txn.ReadSetEntry
	if !found || entry.Metadata == tombstoneVersion {
		rs = txn.ReadSetEntry{Found: false, Version: versionOf(entry, found)}
	} else {
		rs = txn.ReadSetEntry{Data: entry.Data, Version: entry.Metadata, Found: true}
	}
	t.readSet[k] = rs
	return rs
}

func versionOf(entry store.Entry, found bool) int32 {
	if !found {
		return 0
	}
	return entry.Metadata
}

func (b *Backend) Get(tx uint64, tableID uint64, key []byte) ([]byte, error) {
	if err := b.resolveTable(tableID); err != nil {
		return nil, err
	}
	t, ok := b.lookupTx(tx)
	if !ok {
		return nil, &kverrors.TransactionNotFoundError{TxID: tx}
	}

	encoded := kvtkey.Encode(tableID, key)
	k := string(encoded)

	if t.deleteSet[k] {
		return nil, &kverrors.KeyIsDeletedError{Key: key}
	}
	if v, ok := t.writeSet[k]; ok {
		return v, nil
	}

	rs := b.captureRead(t, k, encoded)
	var result []byte
	var err error
	if !rs.Found {
		err = &kverrors.KeyNotFoundError{Key: key}
	} else {
		result = rs.Data
	}

	if tx == txn.AutoCommitTxID {
		// A bare one-shot read never mutates state; nothing to validate
		// or commit.
		return result, err
	}
	return result, err
}

func (b *Backend) Set(tx uint64, tableID uint64, key, value []byte, strictOneShot bool) error {
	if err := b.resolveTable(tableID); err != nil {
		return err
	}
	if tx == txn.AutoCommitTxID && strictOneShot {
		return &kverrors.OneShotWriteNotAllowedError{}
	}
	t, ok := b.lookupTx(tx)
	if !ok {
		return &kverrors.TransactionNotFoundError{TxID: tx}
	}

	encoded := kvtkey.Encode(tableID, key)
	k := string(encoded)

	t.writeSet[k] = append([]byte(nil), value...)
	delete(t.deleteSet, k)

	if tx == txn.AutoCommitTxID {
		return b.commitTransaction(t)
	}
	return nil
}

func (b *Backend) Del(tx uint64, tableID uint64, key []byte, strictOneShot bool) error {
	if err := b.resolveTable(tableID); err != nil {
		return err
	}
	if tx == txn.AutoCommitTxID && strictOneShot {
		return &kverrors.OneShotDeleteNotAllowedError{}
	}
	t, ok := b.lookupTx(tx)
	if !ok {
		return &kverrors.TransactionNotFoundError{TxID: tx}
	}

	encoded := kvtkey.Encode(tableID, key)
	k := string(encoded)

	if t.deleteSet[k] {
		return &kverrors.KeyIsDeletedError{Key: key}
	}

	// A delete must have a pre-image in the read set so its version can
	// be validated at commit.
	b.captureRead(t, k, encoded)

	t.deleteSet[k] = true
	delete(t.writeSet, k)

	if tx == txn.AutoCommitTxID {
		return b.commitTransaction(t)
	}
	return nil
}

func (b *Backend) Scan(tx uint64, tableID uint64, start, end []byte, limit int) ([]txn.KV, error) {
	if err := b.resolveTable(tableID); err != nil {
		return nil, err
	}
	t, ok := b.lookupTx(tx)
	if !ok {
		return nil, &kverrors.TransactionNotFoundError{TxID: tx}
	}

	startEnc := kvtkey.EncodeStart(tableID, start)
	endEnc := kvtkey.EncodeEnd(tableID, end)

	merged := make(map[string][]byte)
	var order []string

	b.m.Range(startEnc, endEnc, func(key []byte, entry store.Entry) bool {
		k := string(key)
		if t.deleteSet[k] {
			return true
		}
		if entry.Metadata == tombstoneVersion {
			return true // dead row, invisible
		}
		if v, ok := t.writeSet[k]; ok {
			merged[k] = v
		} else {
			merged[k] = entry.Data
		}
		order = append(order, k)
		return true
	})

	results := make([]txn.KV, 0, len(order))
	for _, k := range order {
		results = append(results, txn.KV{Key: []byte(k)[kvtkey.TableIDSize:], Value: merged[k]})
	}

	limitReached := false
	if limit > 0 && len(results) > limit {
		results = results[:limit]
		limitReached = true
	}

	if limitReached {
		return results, &kverrors.ScanLimitReachedError{Limit: limit}
	}
	return results, nil
}

func (b *Backend) Commit(tx uint64) error {
	if tx == txn.AutoCommitTxID {
		return nil
	}
	b.txMu.Lock()
	t, ok := b.txs[tx]
	b.txMu.Unlock()
	if !ok {
		return &kverrors.TransactionNotFoundError{TxID: tx}
	}

	err := b.commitTransaction(t)

	b.txMu.Lock()
	delete(b.txs, tx)
	b.txMu.Unlock()
	return err
}

// commitTransaction performs validation + apply under the global commit
// lock (spec §4.6): for every key in read_set union delete_set, compare
// the captured version against the current storage version; any mismatch
// fails the whole transaction with StaleDataError and discards every
// effect. On success, writes bump versions and deletes install
// tombstones.
func (b *Backend) commitTransaction(t *transaction) error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	for k, rs := range t.readSet {
		entry, found := b.m.Get([]byte(k))
		current := versionOf(entry, found)
		if found && entry.Metadata == tombstoneVersion {
			current = tombstoneVersion
		}
		wantTombstone := !rs.Found
		gotTombstone := !found || current == tombstoneVersion
		if wantTombstone != gotTombstone {
			return &kverrors.StaleDataError{TxID: t.id}
		}
		if !wantTombstone && current != rs.Version {
			return &kverrors.StaleDataError{TxID: t.id}
		}
	}

	for k, v := range t.writeSet {
		entry, found := b.m.Get([]byte(k))
		nextVersion := int32(1)
		if found && entry.Metadata != tombstoneVersion {
			nextVersion = entry.Metadata + 1
		}
		b.m.Set([]byte(k), store.Entry{Data: v, Metadata: nextVersion})
	}

	for k := range t.deleteSet {
		if _, found := b.m.Get([]byte(k)); found {
			b.m.Set([]byte(k), store.Entry{Data: nil, Metadata: tombstoneVersion})
		}
	}

	return nil
}

func (b *Backend) Rollback(tx uint64) error {
	if tx == txn.AutoCommitTxID {
		return nil
	}
	b.txMu.Lock()
	defer b.txMu.Unlock()

	if _, ok := b.txs[tx]; !ok {
		return &kverrors.TransactionNotFoundError{TxID: tx}
	}
	// OCC never mutates storage before commit, so rollback is pure
	// bookkeeping: discard read/write/delete sets by dropping the
	// transaction object.
	delete(b.txs, tx)
	return nil
}
