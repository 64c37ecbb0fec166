// Package kvt implements the transactional key-value storage engine: a
// single encoded key space shared by every table (pkg/kvtkey, pkg/store),
// a pluggable concurrency backend (pkg/txn/twopl, pkg/txn/occ), a
// write-ahead log (pkg/walog), and checkpoint-based recovery
// (pkg/checkpoint), wired together the way the teacher's
// storage.StorageEngine composes its own btree/wal/checkpoint packages
// behind one top-level type (pkg/storage/engine.go).
package kvt

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobboyms/kvt/internal/kvtlog"
	"github.com/bobboyms/kvt/internal/kvtmetrics"
	"github.com/bobboyms/kvt/pkg/catalog"
	"github.com/bobboyms/kvt/pkg/checkpoint"
	"github.com/bobboyms/kvt/pkg/kverrors"
	"github.com/bobboyms/kvt/pkg/kvtconfig"
	"github.com/bobboyms/kvt/pkg/kvtkey"
	"github.com/bobboyms/kvt/pkg/store"
	"github.com/bobboyms/kvt/pkg/txn"
	"github.com/bobboyms/kvt/pkg/txn/occ"
	"github.com/bobboyms/kvt/pkg/txn/twopl"
	"github.com/bobboyms/kvt/pkg/walog"
)

// Engine is the top-level KVT handle returned by Open. All exported
// methods are safe for concurrent use.
type Engine struct {
	opts kvtconfig.Options
	log  *kvtlog.Logger

	cat     *catalog.Catalog
	store   *store.Map
	backend txn.Backend

	ckpt        *checkpoint.Manager
	writer      *walog.Writer
	framing     walog.Framing
	curLogID    uint64
	nextCkptID  uint64
	writerMu    sync.Mutex
	stopSync    chan struct{}
	syncWG      sync.WaitGroup
	metrics     *kvtmetrics.Collectors
	backendName string

	// pendingMu guards pending, the per-transaction queue of not-yet-durable
	// WAL payloads. Both 2PL and OCC apply a Set/Del's effect to the
	// storage map at different points (2PL immediately, OCC only at
	// commit), but either way the WAL record must not become durable until
	// the transaction actually commits, or a crash between an explicit
	// Set and its eventual Commit/Rollback would replay a write the
	// transaction never finished.
	pendingMu sync.Mutex
	pending   map[uint64][][]byte

	closed int32
}

// Open recovers the engine from dataPath (§4.9: load the latest
// checkpoint if present, then replay the appropriate trailing log) and
// returns a ready-to-use Engine. If Persist is false, Open starts from an
// empty, unpersisted state regardless of dataPath's contents.
func Open(opts kvtconfig.Options) (*Engine, error) {
	e := &Engine{
		opts:     opts,
		log:      kvtlog.New(kvtlog.Level(opts.Verbosity)),
		metrics:  kvtmetrics.New(),
		stopSync: make(chan struct{}),
		pending:  make(map[uint64][][]byte),
	}

	if opts.TextLog {
		e.framing = walog.Text
	} else {
		e.framing = walog.Binary
	}

	if !opts.Persist {
		e.cat = catalog.New()
		e.store = store.New()
		e.initBackend()
		return e, nil
	}

	if err := os.MkdirAll(opts.DataPath, 0755); err != nil {
		return nil, errors.Wrap(err, "kvt: create data directory")
	}
	e.ckpt = checkpoint.New(opts.DataPath)

	if err := e.recover(); err != nil {
		return nil, err
	}

	if err := e.openActiveLog(); err != nil {
		return nil, err
	}

	if !opts.FsyncEachWrite {
		e.syncWG.Add(1)
		go e.backgroundSync()
	}

	return e, nil
}

func (e *Engine) initBackend() {
	switch e.opts.Backend {
	case "occ":
		e.backend = occ.New(e.cat, e.store)
		e.backendName = "occ"
	default:
		e.backend = twopl.New(e.cat, e.store)
		e.backendName = "2pl"
	}
}

// recover implements §4.9: find the largest checkpoint (if any), load it,
// then replay whichever trailing log file picks up immediately after it.
func (e *Engine) recover() error {
	ckptID, hasCkpt := e.ckpt.LatestCheckpointID()

	if !hasCkpt {
		e.cat = catalog.New()
		e.store = store.New()
		e.initBackend()

		logIDs := e.ckpt.ExistingLogIDs()
		if len(logIDs) == 0 {
			e.curLogID = 0
			e.nextCkptID = 1
			return nil
		}
		if logIDs[0] != 0 {
			return errors.Newf("kvt: inconsistent data directory: no checkpoint but log id %d exists (expected kvt_log_0)", logIDs[0])
		}
		if err := e.replayLog(0); err != nil {
			return err
		}
		e.curLogID = 0
		e.nextCkptID = 1
		return nil
	}

	snapshot, err := e.ckpt.Load(ckptID)
	if err != nil {
		return errors.Wrapf(err, "kvt: load checkpoint %d", ckptID)
	}
	cat, st, err := checkpoint.Restore(snapshot)
	if err != nil {
		return errors.Wrapf(err, "kvt: restore checkpoint %d", ckptID)
	}
	e.cat = cat
	e.store = st
	e.initBackend()
	e.log.Infof("recovered checkpoint %d (%d tables)", ckptID, len(snapshot.Tables))

	for _, logID := range e.ckpt.ExistingLogIDs() {
		if logID > ckptID {
			return errors.Newf("kvt: inconsistent data directory: log id %d beyond checkpoint %d", logID, ckptID)
		}
	}

	// Checkpoint N captures every mutation already applied through log
	// N-1; log N is the one the engine opened for append immediately after
	// writing the checkpoint, so it's the only log left to replay.
	if err := e.replayLog(ckptID); err != nil {
		return err
	}

	e.curLogID = ckptID
	e.nextCkptID = ckptID + 1
	return nil
}

func (e *Engine) replayLog(logID uint64) error {
	path := e.ckpt.LogPath(logID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "kvt: open log %d for replay", logID)
	}
	defer f.Close()

	r := walog.NewReader(f, e.framing)
	applied := 0
	for {
		rec, err := r.ReadEntry()
		if err != nil {
			break // io.EOF, or a trailing corrupt/truncated record: stop here
		}
		op, err := walog.ParsePayload(rec.Payload)
		walog.ReleaseRecord(rec)
		if err != nil {
			e.log.Errorf("skipping malformed log record in %s: %v", path, err)
			continue
		}
		if !op.Op.Replayable() {
			continue
		}
		e.applyReplayed(op)
		applied++
	}
	e.log.Infof("replayed %d record(s) from %s", applied, path)
	return nil
}

func (e *Engine) applyReplayed(op walog.ParsedOp) {
	switch op.Op {
	case walog.OpCreateTable:
		if err := e.cat.CreateTableWithID(op.Name, catalog.Partition(op.Partition), op.TableID); err != nil {
			e.log.Errorf("replay CREATE_TABLE %q: %v", op.Name, err)
		}
	case walog.OpDropTable:
		if err := e.cat.DropTable(op.TableID); err != nil {
			e.log.Errorf("replay DROP_TABLE %d: %v", op.TableID, err)
		}
	case walog.OpSet:
		if err := e.backend.Set(txn.AutoCommitTxID, op.TableID, op.Key, op.Value, false); err != nil {
			e.log.Errorf("replay SET table=%d: %v", op.TableID, err)
		}
	case walog.OpDel:
		if err := e.backend.Del(txn.AutoCommitTxID, op.TableID, op.Key, false); err != nil {
			e.log.Errorf("replay DEL table=%d: %v", op.TableID, err)
		}
	case walog.OpStartTransaction, walog.OpCommitTransaction, walog.OpRollbackTransaction:
		// Transaction boundaries carry no state of their own once their
		// SET/DEL effects have already been applied above: KVT logs one
		// record per committed mutation, not per lock acquisition, so
		// replaying the boundary markers is a no-op by construction.
	}
}

func (e *Engine) openActiveLog() error {
	path := e.ckpt.LogPath(e.curLogID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "kvt: open active log %d", e.curLogID)
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	startID := uint64(1)
	if info.Size() > 0 {
		startID = e.countExistingRecords(f) + 1
	}

	policy := walog.SyncInterval
	if e.opts.FsyncEachWrite {
		policy = walog.SyncEveryWrite
	}
	e.writer = walog.NewWriter(f, e.framing, policy, startID)
	return nil
}

// countExistingRecords scans a reopened log file to determine the next
// log_id to assign, since the file may already hold records from before
// the process restarted.
func (e *Engine) countExistingRecords(f *os.File) uint64 {
	if _, err := f.Seek(0, 0); err != nil {
		return 0
	}
	r := walog.NewReader(f, e.framing)
	var last uint64
	for {
		rec, err := r.ReadEntry()
		if err != nil {
			break
		}
		last = rec.LogID
		walog.ReleaseRecord(rec)
	}
	f.Seek(0, 2)
	return last
}

func (e *Engine) backgroundSync() {
	defer e.syncWG.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.writerMu.Lock()
			if e.writer != nil {
				e.writer.Sync()
			}
			e.writerMu.Unlock()
		case <-e.stopSync:
			return
		}
	}
}

func (e *Engine) appendLog(payload []byte) error {
	if !e.opts.Persist {
		return nil
	}
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	timer := prometheus.NewTimer(e.metrics.WALAppendSeconds)
	_, err := e.writer.WriteEntry(payload)
	timer.ObserveDuration()
	if err != nil {
		return errors.Wrap(err, "kvt: append WAL record")
	}

	size, err := e.writer.Size()
	if err == nil && size >= e.opts.LogSizeLimit {
		if err := e.checkpointLocked(); err != nil {
			e.log.Errorf("automatic checkpoint failed: %v", err)
		}
	}
	return nil
}

// checkpointLocked performs the size-triggered checkpoint (§4.9). Caller
// must hold writerMu.
func (e *Engine) checkpointLocked() error {
	timer := prometheus.NewTimer(e.metrics.CheckpointSeconds)
	defer timer.ObserveDuration()

	snapshot := checkpoint.BuildSnapshot(e.cat, e.store, 0)
	id := atomic.AddUint64(&e.nextCkptID, 1) - 1
	if err := e.ckpt.Write(id, snapshot, e.opts.KeepHistory); err != nil {
		return err
	}

	if err := e.writer.Close(); err != nil {
		return err
	}
	e.curLogID = id
	f, err := os.OpenFile(e.ckpt.LogPath(e.curLogID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	policy := walog.SyncInterval
	if e.opts.FsyncEachWrite {
		policy = walog.SyncEveryWrite
	}
	e.writer = walog.NewWriter(f, e.framing, policy, 1)
	e.log.Infof("checkpoint %d written, rotated to log %d", id, e.curLogID)
	return nil
}

// Checkpoint manually triggers a checkpoint and log rotation, in addition
// to the automatic size-triggered path.
func (e *Engine) Checkpoint() error {
	if !e.opts.Persist {
		return nil
	}
	e.writerMu.Lock()
	defer e.writerMu.Unlock()
	return e.checkpointLocked()
}

// CreateTable registers a new table (§4.2).
func (e *Engine) CreateTable(name string, partition catalog.Partition) (uint64, error) {
	id, err := e.cat.CreateTable(name, partition)
	if err != nil {
		return 0, err
	}
	if err := e.appendLog(walog.PayloadCreateTable(name, string(partition), id)); err != nil {
		return id, err
	}
	return id, nil
}

// DropTable removes a table and every row belonging to it from the
// storage map.
func (e *Engine) DropTable(id uint64) error {
	if err := e.cat.DropTable(id); err != nil {
		return err
	}
	e.deleteTableRows(id)
	return e.appendLog(walog.PayloadDropTable(id))
}

// deleteTableRows erases every row in [start, end) for tableID, the
// table's own full encoded-key range (pkg/kvtkey), using Range rather
// than a full-map scan since table ids keep ranges disjoint.
func (e *Engine) deleteTableRows(tableID uint64) {
	start := kvtkey.EncodeStart(tableID, nil)
	end := kvtkey.EncodeEnd(tableID, nil)

	var dead [][]byte
	e.store.Range(start, end, func(key []byte, _ store.Entry) bool {
		dead = append(dead, append([]byte(nil), key...))
		return true
	})
	for _, k := range dead {
		e.store.Delete(k)
	}
}

// GetTableName resolves a table id to its name.
func (e *Engine) GetTableName(id uint64) (string, error) { return e.cat.GetTableName(id) }

// GetTableID resolves a table name to its id.
func (e *Engine) GetTableID(name string) (uint64, error) { return e.cat.GetTableID(name) }

// ListTables returns every registered table.
func (e *Engine) ListTables() []catalog.Table { return e.cat.ListTables() }

// Begin starts a new transaction under the active concurrency backend.
func (e *Engine) Begin() uint64 { return e.backend.Begin() }

// Get reads a key's value as seen by tx.
func (e *Engine) Get(tx uint64, tableID uint64, key []byte) ([]byte, error) {
	v, err := e.backend.Get(tx, tableID, key)
	e.recordConflict(err)
	return v, err
}

// Set writes key=value under tx.
func (e *Engine) Set(tx uint64, tableID uint64, key, value []byte) error {
	if err := e.backend.Set(tx, tableID, key, value, e.opts.StrictOneShot); err != nil {
		e.recordConflict(err)
		return err
	}
	return e.queueOrFlush(tx, walog.PayloadSet(tx, tableID, key, value))
}

// Del deletes key under tx.
func (e *Engine) Del(tx uint64, tableID uint64, key []byte) error {
	if err := e.backend.Del(tx, tableID, key, e.opts.StrictOneShot); err != nil {
		e.recordConflict(err)
		return err
	}
	return e.queueOrFlush(tx, walog.PayloadDel(tx, tableID, key))
}

// recordConflict increments the KEY_IS_LOCKED (2PL) / TRANSACTION_HAS_
// STALE_DATA (OCC) conflict counters whenever a backend call surfaces one
// of those codes to a caller, regardless of which operation triggered it.
func (e *Engine) recordConflict(err error) {
	switch kverrors.CodeOf(err) {
	case kverrors.CodeKeyIsLocked:
		e.metrics.KeyLockedTotal.Inc()
	case kverrors.CodeTransactionHasStaleData:
		e.metrics.StaleDataTotal.Inc()
	}
}

// queueOrFlush defers payload until tx commits (so a crash before commit
// never replays a write the transaction never finished), except for
// auto-commit (tx=0) where the Set/Del call itself already is the whole
// transaction and the record can be written immediately.
func (e *Engine) queueOrFlush(tx uint64, payload []byte) error {
	if tx == txn.AutoCommitTxID {
		return e.appendLog(payload)
	}
	e.pendingMu.Lock()
	e.pending[tx] = append(e.pending[tx], payload)
	e.pendingMu.Unlock()
	return nil
}

// Scan returns the ordered [start, end) view for tx, capped at limit. Under
// the 2PL backend, every row returned is locked for tx exactly as Get would
// lock it, released only at Commit or Rollback; a row scanned but never
// written still blocks a concurrent writer until tx ends.
func (e *Engine) Scan(tx uint64, tableID uint64, start, end []byte, limit int) ([]txn.KV, error) {
	results, err := e.backend.Scan(tx, tableID, start, end, limit)
	e.recordConflict(err)
	return results, err
}

// Process performs the read-modify-write composition of §4.7 against a
// single key. Any write/delete the callback triggers is routed through
// the engine's own Set/Del so it is queued for the WAL like any other
// mutation, even though Process itself is logged only as an audit marker
// (a no-op on replay).
func (e *Engine) Process(tx uint64, tableID uint64, key []byte, fn txn.ProcessFunc, param string) (string, error) {
	result, err := txn.Process(e.loggingBackend(), tx, tableID, key, fn, param)
	if logErr := e.queueOrFlush(tx, walog.PayloadNoop(walog.OpProcess, tx, tableID)); logErr != nil {
		e.log.Errorf("log PROCESS marker: %v", logErr)
	}
	return result, err
}

// RangeProcess drives the chunked scan-and-apply loop of §4.7 over
// [start, end).
func (e *Engine) RangeProcess(tx uint64, tableID uint64, start, end []byte, limit int, fn txn.ProcessFunc, param string) ([]txn.KV, error) {
	result, err := txn.RangeProcess(e.loggingBackend(), tx, tableID, start, end, limit, fn, param)
	if logErr := e.queueOrFlush(tx, walog.PayloadNoop(walog.OpRangeProcess, tx, tableID)); logErr != nil {
		e.log.Errorf("log RANGE_PROCESS marker: %v", logErr)
	}
	return result, err
}

// BatchExecute runs ops sequentially through tx.
func (e *Engine) BatchExecute(tx uint64, ops []txn.Op) ([]txn.OpResult, error) {
	var tableID uint64
	if len(ops) > 0 {
		tableID = ops[0].Table
	}
	results, err := txn.BatchExecute(e.loggingBackend(), tx, ops, e.opts.StrictOneShot)
	if logErr := e.queueOrFlush(tx, walog.PayloadNoop(walog.OpBatchExecute, tx, tableID)); logErr != nil {
		e.log.Errorf("log BATCH_EXECUTE marker: %v", logErr)
	}
	return results, err
}

// loggedBackend wraps the active concurrency backend so that every
// Set/Del performed through it (in particular, the ones Process,
// RangeProcess, and BatchExecute issue internally) still gets queued for
// the WAL exactly like a direct Engine.Set/Engine.Del call.
type loggedBackend struct {
	e *Engine
}

func (e *Engine) loggingBackend() txn.Backend { return loggedBackend{e: e} }

func (b loggedBackend) Begin() uint64 { return b.e.backend.Begin() }

func (b loggedBackend) Get(tx, tableID uint64, key []byte) ([]byte, error) {
	v, err := b.e.backend.Get(tx, tableID, key)
	b.e.recordConflict(err)
	return v, err
}

func (b loggedBackend) Set(tx, tableID uint64, key, value []byte, strictOneShot bool) error {
	if err := b.e.backend.Set(tx, tableID, key, value, strictOneShot); err != nil {
		b.e.recordConflict(err)
		return err
	}
	return b.e.queueOrFlush(tx, walog.PayloadSet(tx, tableID, key, value))
}

func (b loggedBackend) Del(tx, tableID uint64, key []byte, strictOneShot bool) error {
	if err := b.e.backend.Del(tx, tableID, key, strictOneShot); err != nil {
		b.e.recordConflict(err)
		return err
	}
	return b.e.queueOrFlush(tx, walog.PayloadDel(tx, tableID, key))
}

func (b loggedBackend) Scan(tx, tableID uint64, start, end []byte, limit int) ([]txn.KV, error) {
	return b.e.backend.Scan(tx, tableID, start, end, limit)
}

func (b loggedBackend) Commit(tx uint64) error   { return b.e.backend.Commit(tx) }
func (b loggedBackend) Rollback(tx uint64) error { return b.e.backend.Rollback(tx) }

// Commit commits tx, then makes every Set/Del it queued durable, in
// order, followed by the COMMIT_TRANSACTION marker.
func (e *Engine) Commit(tx uint64) error {
	if err := e.backend.Commit(tx); err != nil {
		e.metrics.Rollbacks.WithLabelValues(e.backendName).Inc()
		e.recordConflict(err)
		return err
	}
	e.metrics.Commits.WithLabelValues(e.backendName).Inc()

	for _, payload := range e.takePending(tx) {
		if err := e.appendLog(payload); err != nil {
			return err
		}
	}
	return e.appendLog(walog.PayloadCommitTransaction(tx))
}

// Rollback discards tx's effects, dropping any queued WAL payloads
// without ever writing them.
func (e *Engine) Rollback(tx uint64) error {
	if err := e.backend.Rollback(tx); err != nil {
		return err
	}
	e.metrics.Rollbacks.WithLabelValues(e.backendName).Inc()
	e.takePending(tx) // discard
	return e.appendLog(walog.PayloadRollbackTransaction(tx))
}

func (e *Engine) takePending(tx uint64) [][]byte {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	payloads := e.pending[tx]
	delete(e.pending, tx)
	return payloads
}

// Metrics exposes the engine's prometheus collectors for callers that
// want to register them with their own registry.
func (e *Engine) Metrics() *kvtmetrics.Collectors { return e.metrics }

// Close flushes and closes the active log, stopping the background sync
// goroutine. It collects (rather than discarding) the first error
// encountered while still attempting every close step, mirroring the
// teacher's StorageEngine.Close.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	if !e.opts.Persist {
		return nil
	}

	close(e.stopSync)
	e.syncWG.Wait()

	e.writerMu.Lock()
	defer e.writerMu.Unlock()
	if e.writer != nil {
		return e.writer.Close()
	}
	return nil
}

