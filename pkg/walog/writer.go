package walog

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// SyncPolicy controls when Writer flushes and fsyncs to disk, mirroring
// the teacher's wal.Options sync knobs (pkg/wal/options.go) generalized
// from the two knobs the spec actually exposes (§6's persist and
// fsync_each_write).
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every WriteEntry (fsync_each_write=true).
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval relies on the engine's background ticker (see
	// internal/kvtlog-adjacent Engine wiring) to call Sync periodically
	// instead of after every write (fsync_each_write=false).
	SyncInterval
)

// Writer appends framed records to an open log file, either in Binary or
// Text framing, the way the teacher's wal.Writer owns the single append
// point for a log segment (pkg/wal/writer.go).
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	bw      *bufio.Writer
	framing Framing
	policy  SyncPolicy

	nextLogID uint64 // monotonic, starting at 1 per log file
}

// NewWriter opens (or resumes appending to) f for writing records under
// the given framing and sync policy. startLogID is the next log_id to
// assign, resuming past whatever the log already contains.
func NewWriter(f *os.File, framing Framing, policy SyncPolicy, startLogID uint64) *Writer {
	if startLogID == 0 {
		startLogID = 1
	}
	return &Writer{
		f:         f,
		bw:        bufio.NewWriterSize(f, 64*1024),
		framing:   framing,
		policy:    policy,
		nextLogID: startLogID,
	}
}

// WriteEntry frames payload, assigns it the next log_id, appends it, and
// (per policy) flushes/fsyncs before returning. It returns the assigned
// Record so callers can inspect LogID/Checksum without a separate read.
func (w *Writer) WriteEntry(payload []byte) (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	logID := atomic.AddUint64(&w.nextLogID, 1) - 1
	r := AcquireRecord()
	r.LogID = logID
	r.Payload = append(r.Payload[:0], payload...)
	r.Checksum = Checksum(payload)

	var err error
	switch w.framing {
	case Binary:
		err = w.writeBinary(r)
	case Text:
		err = w.writeText(r)
	default:
		err = ErrInvalidFraming
	}
	if err != nil {
		ReleaseRecord(r)
		return nil, err
	}

	if w.policy == SyncEveryWrite {
		if err := w.syncLocked(); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (w *Writer) writeBinary(r *Record) error {
	var header [FrameSize]byte
	binary.LittleEndian.PutUint64(header[0:8], r.LogID)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(r.Payload)))
	binary.LittleEndian.PutUint32(header[12:16], r.Checksum)

	if _, err := w.bw.Write(header[:]); err != nil {
		return errors.Wrap(err, "walog: write header")
	}
	if _, err := w.bw.Write(r.Payload); err != nil {
		return errors.Wrap(err, "walog: write payload")
	}
	return nil
}

func (w *Writer) writeText(r *Record) error {
	if _, err := w.bw.WriteString(EncodeTextLine(r)); err != nil {
		return errors.Wrap(err, "walog: write text line")
	}
	return nil
}

// Sync flushes buffered data and fsyncs the underlying file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "walog: flush")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "walog: fsync")
	}
	return nil
}

// Close flushes, fsyncs, and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "walog: flush on close")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "walog: fsync on close")
	}
	return w.f.Close()
}

// Offset returns the next log_id this writer will assign.
func (w *Writer) Offset() uint64 {
	return atomic.LoadUint64(&w.nextLogID)
}

// Size reports the writer's underlying file size, used by the engine to
// decide when a log has crossed log_size_limit and a checkpoint should be
// triggered (spec §4.9).
func (w *Writer) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return 0, err
	}
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
