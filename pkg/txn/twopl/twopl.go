// Package twopl implements the 2PL backend (C5): pessimistic, strict
// two-phase locking with no blocking. A conflicting access fails
// immediately with KeyIsLockedError rather than queuing — a deadlock-free
// protocol that trades read concurrency for implementation simplicity, as
// described in spec §4.5.
package twopl

import (
	"sync"
	"sync/atomic"

	"github.com/bobboyms/kvt/pkg/catalog"
	"github.com/bobboyms/kvt/pkg/kverrors"
	"github.com/bobboyms/kvt/pkg/kvtkey"
	"github.com/bobboyms/kvt/pkg/store"
	"github.com/bobboyms/kvt/pkg/txn"
)

type transaction struct {
	id        uint64
	writeSet  map[string][]byte
	deleteSet map[string]bool
	// locked is every encoded key this transaction currently owns the
	// exclusive lock on (via get/set/del/scan); all of it is released at
	// commit or rollback.
	locked map[string][]byte
	// placeholder marks keys that did not exist in the storage map before
	// this transaction's acquire() created a reservation row for them;
	// rollback must erase those rows entirely rather than just clearing
	// their lock.
	placeholder map[string]bool
}

func newTransaction(id uint64) *transaction {
	return &transaction{
		id:          id,
		writeSet:    make(map[string][]byte),
		deleteSet:   make(map[string]bool),
		locked:      make(map[string][]byte),
		placeholder: make(map[string]bool),
	}
}

// Backend is the 2PL transaction manager. It owns no table resolution
// logic of its own beyond what pkg/catalog gives it; pkg/store is the
// single ordered map shared by every table (table ids keep key ranges
// disjoint, per pkg/kvtkey).
type Backend struct {
	cat *catalog.Catalog
	m   *store.Map

	mu     sync.Mutex
	nextID uint64
	txs    map[uint64]*transaction
}

// New creates a 2PL backend over the given catalog and storage map.
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
	b.mu.Lock()
	b.txs[id] = newTransaction(id)
	b.mu.Unlock()
	return id
}

func (b *Backend) lookupTx(tx uint64) (*transaction, bool) {
	if tx == txn.AutoCommitTxID {
		return newTransaction(txn.AutoCommitTxID), true
	}
	b.mu.Lock()
	t, ok := b.txs[tx]
	b.mu.Unlock()
	return t, ok
}

func (b *Backend) resolveTable(tableID uint64) error {
	_, err := b.cat.LookupByID(tableID)
	return err
}

// acquire acquires (or confirms) the exclusive lock on encodedKey for t,
// returning KeyIsLockedError if another transaction already owns it.
// If the key doesn't exist yet, a placeholder Entry{Metadata: t.id} is
// installed to reserve it for the duration of the lock — removed again on
// rollback if the row is never actually written.
func (b *Backend) acquire(t *transaction, encodedKey []byte) (store.Entry, bool, error) {
	k := string(encodedKey)
	entry, found := b.m.Get(encodedKey)

	if !found {
		entry = store.Entry{Metadata: int32(t.id)}
		b.m.Set(encodedKey, entry)
		t.locked[k] = encodedKey
		t.placeholder[k] = true
		return entry, false, nil
	}

	if entry.Metadata != 0 && uint64(entry.Metadata) != t.id {
		return store.Entry{}, false, &kverrors.KeyIsLockedError{Key: encodedKey, Owner: uint64(entry.Metadata)}
	}

	if entry.Metadata == 0 {
		entry.Metadata = int32(t.id)
		b.m.Set(encodedKey, entry)
	}
	t.locked[k] = encodedKey
	return entry, true, nil
}

func (b *Backend) Get(tx uint64, tableID uint64, key []byte) ([]byte, error) {
	if err := b.resolveTable(tableID); err != nil {
		return nil, err
	}
	t, ok := b.lookupTx(tx)
	if !ok {
		return nil, &kverrors.TransactionNotFoundError{TxID: tx}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded := kvtkey.Encode(tableID, key)
	k := string(encoded)

	if t.deleteSet[k] {
		return nil, &kverrors.KeyIsDeletedError{Key: key}
	}
	if v, ok := t.writeSet[k]; ok {
		return v, nil
	}

	entry, existed, err := b.acquire(t, encoded)
	if tx == txn.AutoCommitTxID {
		defer b.release(t)
	}
	if err != nil {
		return nil, err
	}
	if !existed {
		// acquire() installs a placeholder on miss; undo it immediately
		// since a bare read must not fabricate a row.
		b.m.Delete(encoded)
		delete(t.locked, k)
		delete(t.placeholder, k)
		return nil, &kverrors.KeyNotFoundError{Key: key}
	}
	return entry.Data, nil
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
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded := kvtkey.Encode(tableID, key)
	k := string(encoded)

	if _, _, err := b.acquire(t, encoded); err != nil {
		return err
	}

	t.writeSet[k] = append([]byte(nil), value...)
	delete(t.deleteSet, k)

	if tx == txn.AutoCommitTxID {
		b.commitLocked(t)
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
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded := kvtkey.Encode(tableID, key)
	k := string(encoded)

	if t.deleteSet[k] {
		return &kverrors.KeyIsDeletedError{Key: key}
	}

	entry, existed, err := b.acquire(t, encoded)
	_ = entry
	if err != nil {
		return err
	}
	if !existed {
		// Deleting a key that never existed (and wasn't pending in this
		// tx's write set either) is not an error; release the
		// placeholder lock we just took.
		if _, pending := t.writeSet[k]; !pending {
			b.m.Delete(encoded)
			delete(t.locked, k)
			delete(t.placeholder, k)
			if tx == txn.AutoCommitTxID {
				b.commitLocked(t)
			}
			return nil
		}
	}

	t.deleteSet[k] = true
	delete(t.writeSet, k)

	if tx == txn.AutoCommitTxID {
		b.commitLocked(t)
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
	b.mu.Lock()
	defer b.mu.Unlock()

	startEnc := kvtkey.EncodeStart(tableID, start)
	endEnc := kvtkey.EncodeEnd(tableID, end)

	merged := make(map[string][]byte)
	var order []string
	var toLock [][]byte

	b.m.Range(startEnc, endEnc, func(key []byte, entry store.Entry) bool {
		k := string(key)
		if t.deleteSet[k] {
			return true
		}
		if entry.Metadata != 0 && uint64(entry.Metadata) != t.id {
			return true // locked by someone else: invisible to this scan
		}
		if v, ok := t.writeSet[k]; ok {
			merged[k] = v
		} else {
			merged[k] = entry.Data
		}
		order = append(order, k)
		if entry.Metadata == 0 {
			toLock = append(toLock, key)
		} else {
			t.locked[k] = key
		}
		return true
	})

	// A scan acquires the exclusive lock on every row it returns, exactly
	// like Get/Set/Del via acquire(), so a later writer conflicts with a
	// row this transaction only read. Locks are installed in a second pass
	// rather than inside the Range callback above, since mutating the map
	// mid-traversal is not safe.
	for _, key := range toLock {
		entry, _ := b.m.Get(key)
		entry.Metadata = int32(t.id)
		b.m.Set(key, entry)
		t.locked[string(key)] = key
	}

	// Pending writes within [startEnc, endEnc) that landed on brand-new
	// keys never visited by Range (they were inserted as placeholders by
	// this same tx and are already present in the map, so Range already
	// covers them; nothing further to merge here).

	results := make([]txn.KV, 0, len(order))
	for _, k := range order {
		results = append(results, txn.KV{Key: []byte(k)[kvtkey.TableIDSize:], Value: merged[k]})
	}

	limitReached := false
	if limit > 0 && len(results) > limit {
		results = results[:limit]
		limitReached = true
	}

	if tx == txn.AutoCommitTxID {
		b.commitLocked(t)
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
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.txs[tx]
	if !ok {
		return &kverrors.TransactionNotFoundError{TxID: tx}
	}
	b.commitLocked(t)
	delete(b.txs, tx)
	return nil
}

// commitLocked applies write_set/delete_set and clears every lock this
// transaction held. Caller must hold b.mu (or be operating on a private
// auto-commit transaction no one else can see).
func (b *Backend) commitLocked(t *transaction) {
	for k, v := range t.writeSet {
		key := t.locked[k]
		if key == nil {
			key = []byte(k)
		}
		b.m.Set(key, store.Entry{Data: v, Metadata: 0})
	}
	for k := range t.deleteSet {
		key := t.locked[k]
		if key == nil {
			key = []byte(k)
		}
		b.m.Delete(key)
	}
	// Release every remaining lock (reads that never became writes).
	for k, key := range t.locked {
		if t.writeSet[k] != nil || t.deleteSet[k] {
			continue
		}
		if entry, ok := b.m.Get(key); ok && uint64(entry.Metadata) == t.id {
			entry.Metadata = 0
			b.m.Set(key, entry)
		}
	}
}

func (b *Backend) Rollback(tx uint64) error {
	if tx == txn.AutoCommitTxID {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.txs[tx]
	if !ok {
		return &kverrors.TransactionNotFoundError{TxID: tx}
	}
	b.release(t)
	delete(b.txs, tx)
	return nil
}

// release discards write/delete sets and clears every lock this
// transaction held, removing placeholder rows that were never actually
// committed.
func (b *Backend) release(t *transaction) {
	for k, key := range t.locked {
		entry, ok := b.m.Get(key)
		if !ok || uint64(entry.Metadata) != t.id {
			continue
		}
		if t.placeholder[k] {
			// Reserved by this tx for a row that never existed before
			// it: remove entirely rather than leaving an empty entry.
			b.m.Delete(key)
			continue
		}
		entry.Metadata = 0
		b.m.Set(key, entry)
	}
}
