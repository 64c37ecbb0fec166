// Package walog implements the write-ahead log (C8): a framed,
// append-only record stream with a per-record checksum, in either binary
// or text framing, the way the teacher's pkg/wal frames entries with a
// fixed header plus payload and a pool of reusable buffers
// (pkg/wal/pool.go). Writer and Reader live in writer.go/reader.go, the
// payload grammar in payload.go, and the text-framing hex escape in
// textframe.go, mirroring the teacher's one-concern-per-file layout.
package walog

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Checksum computes the spec's rolling polynomial hash over payload:
// c = 0; for each byte b: c = c*31 + b (unsigned 32-bit rollover). This is
// deliberately not a generic CRC implementation; the spec mandates this
// exact algorithm so every KVT implementation produces byte-identical log
// records, so no library (the teacher's own pkg/wal reaches for
// hash/crc32 Castagnoli for a similar purpose) would do.
func Checksum(payload []byte) uint32 {
	var c uint32
	for _, b := range payload {
		c = c*31 + uint32(b)
	}
	return c
}

// Record is one framed WAL entry: a monotonic per-file log id, the
// textual payload, and its checksum.
type Record struct {
	LogID    uint64
	Payload  []byte
	Checksum uint32
}

var recordPool = sync.Pool{
	New: func() interface{} {
		return &Record{Payload: make([]byte, 0, 256)}
	},
}

// AcquireRecord obtains a pooled Record, mirroring the teacher's
// AcquireEntry/ReleaseEntry pattern so WriteRecord can avoid a fresh
// allocation per mutating op.
func AcquireRecord() *Record {
	return recordPool.Get().(*Record)
}

// ReleaseRecord returns r to the pool after zeroing its reusable fields.
func ReleaseRecord(r *Record) {
	r.LogID = 0
	r.Checksum = 0
	r.Payload = r.Payload[:0]
	recordPool.Put(r)
}

var (
	ErrChecksumMismatch = errors.New("walog: checksum mismatch, log is corrupt")
	ErrTruncatedRecord  = errors.New("walog: truncated record")
	ErrInvalidFraming   = errors.New("walog: invalid record framing")
)

// Framing selects how records are written to (and read from) a log file.
type Framing int

const (
	// Binary is the default: log_id(u64 LE) || length(u32 LE) ||
	// checksum(u32 LE) || payload.
	Binary Framing = iota
	// Text is one line per record for human inspection: "log_id length
	// checksum hex_payload\n", where hex_payload keeps printable ASCII
	// as-is and hex-escapes everything else as \XX.
	Text
)

// FrameSize is the fixed-size portion of a binary frame (log_id + length
// + checksum), preceding the variable-length payload.
const FrameSize = 8 + 4 + 4
