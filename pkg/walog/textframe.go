package walog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// isPrintable reports whether b can appear as-is in a text-framed line:
// anything outside printable, non-space ASCII must be hex-escaped so a
// single line always holds exactly one record.
func isPrintable(b byte) bool {
	return b >= 0x21 && b <= 0x7e && b != '\\'
}

// hexEscape renders payload for text framing: printable ASCII passes
// through unchanged, everything else (including the space separators
// inside the payload grammar itself, and the backslash escape character)
// becomes \XX.
func hexEscape(payload []byte) string {
	var sb strings.Builder
	sb.Grow(len(payload))
	for _, b := range payload {
		if isPrintable(b) {
			sb.WriteByte(b)
			continue
		}
		fmt.Fprintf(&sb, "\\%02x", b)
	}
	return sb.String()
}

// hexUnescape reverses hexEscape, the decode half of the round-trip law
// that any encode(decode(x)) == x for the same effective payload.
func hexUnescape(s string) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, errors.Newf("walog: truncated hex escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "walog: invalid hex escape in %q", s)
		}
		out.WriteByte(byte(v))
		i += 2
	}
	return out.Bytes(), nil
}

// EncodeTextLine renders one record as a text-framed line: "log_id length
// checksum hex_payload\n" (spec §4.8).
func EncodeTextLine(r *Record) string {
	return fmt.Sprintf("%d %d %d %s\n", r.LogID, len(r.Payload), r.Checksum, hexEscape(r.Payload))
}

// DecodeTextLine parses one text-framed line (without its trailing
// newline) back into a Record, validating its checksum.
func DecodeTextLine(line string) (*Record, error) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) != 4 {
		return nil, ErrInvalidFraming
	}

	logID, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "walog: invalid log_id in text frame")
	}
	length, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "walog: invalid length in text frame")
	}
	checksum, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "walog: invalid checksum in text frame")
	}

	payload, err := hexUnescape(fields[3])
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) != length {
		return nil, ErrTruncatedRecord
	}
	if Checksum(payload) != uint32(checksum) {
		return nil, ErrChecksumMismatch
	}

	r := AcquireRecord()
	r.LogID = logID
	r.Payload = append(r.Payload[:0], payload...)
	r.Checksum = uint32(checksum)
	return r, nil
}
