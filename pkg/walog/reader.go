package walog

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Reader reads framed records sequentially from a log file, in whichever
// framing the file was written with, mirroring the teacher's wal.Reader
// (pkg/wal/reader.go) single-pass replay shape.
type Reader struct {
	br      *bufio.Reader
	framing Framing
}

// NewReader opens f for sequential reading under the given framing.
func NewReader(f *os.File, framing Framing) *Reader {
	return &Reader{br: bufio.NewReaderSize(f, 64*1024), framing: framing}
}

// ReadEntry returns the next record, or io.EOF when the log is
// exhausted. A record that fails its checksum or is truncated mid-frame
// returns ErrChecksumMismatch / ErrTruncatedRecord respectively; callers
// performing recovery treat either as "log ends here" (spec §4.9: a
// partially written final record from a crash is not itself a fatal
// error, the log is simply truncated to the last good record).
func (r *Reader) ReadEntry() (*Record, error) {
	switch r.framing {
	case Binary:
		return r.readBinary()
	case Text:
		return r.readText()
	default:
		return nil, ErrInvalidFraming
	}
}

func (r *Reader) readBinary() (*Record, error) {
	var header [FrameSize]byte
	n, err := io.ReadFull(r.br, header[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if n > 0 {
			return nil, ErrTruncatedRecord
		}
		return nil, errors.Wrap(err, "walog: read header")
	}

	logID := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint32(header[8:12])
	checksum := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, ErrTruncatedRecord
	}

	if Checksum(payload) != checksum {
		return nil, ErrChecksumMismatch
	}

	rec := AcquireRecord()
	rec.LogID = logID
	rec.Payload = append(rec.Payload[:0], payload...)
	rec.Checksum = checksum
	return rec, nil
}

func (r *Reader) readText() (*Record, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, errors.Wrap(err, "walog: read text line")
		}
		// A final line with no trailing newline is itself a truncated
		// write and must not be replayed.
		return nil, ErrTruncatedRecord
	}
	line = line[:len(line)-1] // drop '\n'
	return DecodeTextLine(line)
}
