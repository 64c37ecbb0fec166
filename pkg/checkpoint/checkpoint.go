// Package checkpoint implements C9: binary snapshots of the full engine
// state (catalog + storage map) and the recovery sequence that restores
// them plus replays any trailing log, the way the teacher's
// storage.CheckpointManager writes temp-then-rename snapshot files and
// loads the most recent one on startup (pkg/storage/checkpoint.go).
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/bobboyms/kvt/pkg/catalog"
	"github.com/bobboyms/kvt/pkg/kvtkey"
	"github.com/bobboyms/kvt/pkg/store"
)

const checkpointPrefix = "kvt_checkpoint_"
const logPrefix = "kvt_log_"

// Manager owns checkpoint file naming, writing, and loading for one data
// directory.
type Manager struct {
	dataPath string
	mu       sync.Mutex
}

// New creates a checkpoint manager rooted at dataPath.
func New(dataPath string) *Manager {
	return &Manager{dataPath: dataPath}
}

func (m *Manager) checkpointPath(n uint64) string {
	return filepath.Join(m.dataPath, fmt.Sprintf("%s%d", checkpointPrefix, n))
}

// LogPath returns the path of log file n.
func (m *Manager) LogPath(n uint64) string {
	return filepath.Join(m.dataPath, fmt.Sprintf("%s%d", logPrefix, n))
}

// Snapshot is the full in-memory state a checkpoint captures.
type Snapshot struct {
	NextTableID uint64
	NextTxID    uint64
	Tables      []TableSnapshot
}

// TableSnapshot is one table's catalog entry plus all of its live rows.
type TableSnapshot struct {
	Name      string
	TableID   uint64
	Partition string
	Entries   []EntrySnapshot
}

// EntrySnapshot is one (key, data, metadata) row, keyed by the table's
// user key (the C1 table-id prefix is reconstructed on load).
type EntrySnapshot struct {
	Key      []byte
	Data     []byte
	Metadata int32
}

// Write serializes snapshot as binary checkpoint n, writing to a
// UUID-suffixed temp file first and renaming into place (spec §6), then
// cleans up old checkpoints beyond keepHistory.
func (m *Manager) Write(n uint64, snapshot Snapshot, keepHistory int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	finalPath := m.checkpointPath(n)
	tmpPath := finalPath + "." + uuid.NewString() + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "checkpoint: create temp file")
	}

	if err := writeSnapshot(f, snapshot); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "checkpoint: write snapshot")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "checkpoint: fsync temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "checkpoint: close temp file")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "checkpoint: rename into place")
	}

	return m.pruneOlderThan(n, keepHistory)
}

func writeSnapshot(w io.Writer, s Snapshot) error {
	bw := bufio.NewWriterSize(w, 64*1024)

	if err := writeU64(bw, uint64(len(s.Tables))); err != nil {
		return err
	}
	if err := writeU64(bw, s.NextTableID); err != nil {
		return err
	}
	if err := writeU64(bw, s.NextTxID); err != nil {
		return err
	}

	for _, t := range s.Tables {
		if err := writeString(bw, t.Name); err != nil {
			return err
		}
		if err := writeU64(bw, t.TableID); err != nil {
			return err
		}
		if err := writeString(bw, t.Partition); err != nil {
			return err
		}
		if err := writeU64(bw, uint64(len(t.Entries))); err != nil {
			return err
		}
		for _, e := range t.Entries {
			if err := writeBytes(bw, e.Key); err != nil {
				return err
			}
			if err := writeBytes(bw, e.Data); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.LittleEndian, e.Metadata); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// Load reads checkpoint n back into a Snapshot.
func (m *Manager) Load(n uint64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.checkpointPath(n))
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "checkpoint: open")
	}
	defer f.Close()

	return readSnapshot(bufio.NewReaderSize(f, 64*1024))
}

func readSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot

	numTables, err := readU64(r)
	if err != nil {
		return s, err
	}
	if s.NextTableID, err = readU64(r); err != nil {
		return s, err
	}
	if s.NextTxID, err = readU64(r); err != nil {
		return s, err
	}

	s.Tables = make([]TableSnapshot, 0, numTables)
	for i := uint64(0); i < numTables; i++ {
		var t TableSnapshot
		if t.Name, err = readString(r); err != nil {
			return s, err
		}
		if t.TableID, err = readU64(r); err != nil {
			return s, err
		}
		if t.Partition, err = readString(r); err != nil {
			return s, err
		}
		numEntries, err := readU64(r)
		if err != nil {
			return s, err
		}
		t.Entries = make([]EntrySnapshot, 0, numEntries)
		for j := uint64(0); j < numEntries; j++ {
			var e EntrySnapshot
			if e.Key, err = readBytes(r); err != nil {
				return s, err
			}
			if e.Data, err = readBytes(r); err != nil {
				return s, err
			}
			if err := binary.Read(r, binary.LittleEndian, &e.Metadata); err != nil {
				return s, errors.Wrap(err, "checkpoint: read metadata")
			}
			t.Entries = append(t.Entries, e)
		}
		s.Tables = append(s.Tables, t)
	}

	return s, nil
}

// LatestCheckpointID returns the largest checkpoint number present in
// dataPath, or (0, false) if none exist.
func (m *Manager) LatestCheckpointID() (uint64, bool) {
	entries, err := os.ReadDir(m.dataPath)
	if err != nil {
		return 0, false
	}
	var max uint64
	found := false
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		numStr := strings.TrimPrefix(e.Name(), checkpointPrefix)
		if strings.Contains(numStr, ".") {
			continue // a leftover .tmp from an aborted write
		}
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || n > max {
			max, found = n, true
		}
	}
	return max, found
}

// ExistingLogIDs returns every log file number present in dataPath, sorted.
func (m *Manager) ExistingLogIDs() []uint64 {
	entries, err := os.ReadDir(m.dataPath)
	if err != nil {
		return nil
	}
	var ids []uint64
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), logPrefix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), logPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// pruneOlderThan removes checkpoint generations beyond keepHistory, along
// with every log file fully captured by the oldest surviving checkpoint
// (log id strictly less than that checkpoint's id): once a checkpoint is
// retained, any earlier log's effects are already folded into it
// transitively, so the log is redundant for recovery.
func (m *Manager) pruneOlderThan(keepUpTo uint64, keepHistory int) error {
	if keepHistory <= 0 {
		return nil
	}
	entries, err := os.ReadDir(m.dataPath)
	if err != nil {
		return err
	}
	var ids []uint64
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), checkpointPrefix) || strings.Contains(e.Name(), ".") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), checkpointPrefix), 10, 64)
		if err == nil {
			ids = append(ids, n)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) <= keepHistory {
		return nil
	}
	for _, n := range ids[keepHistory:] {
		os.Remove(m.checkpointPath(n))
	}

	oldestRetained := ids[keepHistory-1]
	for _, logID := range m.ExistingLogIDs() {
		if logID < oldestRetained {
			os.Remove(m.LogPath(logID))
		}
	}
	return nil
}

// BuildSnapshot captures the current catalog + store state into a Snapshot.
func BuildSnapshot(cat *catalog.Catalog, m *store.Map, nextTxID uint64) Snapshot {
	tables := cat.ListTables()
	s := Snapshot{
		NextTableID: cat.NextTableID(),
		NextTxID:    nextTxID,
		Tables:      make([]TableSnapshot, 0, len(tables)),
	}

	for _, t := range tables {
		ts := TableSnapshot{Name: t.Name, TableID: t.ID, Partition: string(t.Partition)}
		start := kvtkey.EncodeStart(t.ID, nil)
		end := kvtkey.EncodeEnd(t.ID, nil)
		m.Range(start, end, func(key []byte, entry store.Entry) bool {
			_, userKey := kvtkey.Decode(key)
			ts.Entries = append(ts.Entries, EntrySnapshot{
				Key:      append([]byte(nil), userKey...),
				Data:     append([]byte(nil), entry.Data...),
				Metadata: entry.Metadata,
			})
			return true
		})
		s.Tables = append(s.Tables, ts)
	}

	return s
}

// Restore installs snapshot into a fresh catalog and storage map.
func Restore(snapshot Snapshot) (*catalog.Catalog, *store.Map, error) {
	cat := catalog.New()
	m := store.New()

	for _, t := range snapshot.Tables {
		if err := cat.RestoreTable(catalog.Table{ID: t.TableID, Name: t.Name, Partition: catalog.Partition(t.Partition)}); err != nil {
			return nil, nil, err
		}
		for _, e := range t.Entries {
			key := kvtkey.Encode(t.TableID, e.Key)
			m.Set(key, store.Entry{Data: e.Data, Metadata: e.Metadata})
		}
	}
	cat.SetNextTableID(snapshot.NextTableID)

	return cat, m, nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "checkpoint: read u64")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "checkpoint: read bytes")
	}
	return b, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
