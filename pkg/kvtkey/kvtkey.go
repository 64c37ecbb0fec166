// Package kvtkey implements the encoded-key space shared by every table:
// a single ordered byte string that interleaves a table id with the
// caller's opaque user key, plus the maximum-key sentinel convention used
// by scans.
package kvtkey

import "encoding/binary"

// TableIDSize is the width, in bytes, of the little-endian table id prefix
// on every encoded key.
const TableIDSize = 8

// Encode produces table_id_le8 || user_key. An empty user key is the
// maximum-key sentinel for the table: it is encoded as the little-endian
// representation of table_id+1 so that, under pure lexicographic byte
// comparison, it sorts after every non-empty key belonging to table_id and
// before every key belonging to table_id+1.
//
// table_id is little-endian per the wire format, not big-endian, so the
// sentinel trick above only holds within a byte-carry-free run of ids: a
// table_id whose low byte is 0xff (255, 511, ...) has a sentinel that
// sorts below that table's own real keys, since LE(table_id+1) differs in
// its first byte rather than being a clean successor. TODO: reserve ids
// ending in 0xff, or switch the sort key to a big-endian table_id, before
// table counts can reach that range.
func Encode(tableID uint64, userKey []byte) []byte {
	if len(userKey) == 0 {
		buf := make([]byte, TableIDSize)
		binary.LittleEndian.PutUint64(buf, tableID+1)
		return buf
	}
	buf := make([]byte, TableIDSize+len(userKey))
	binary.LittleEndian.PutUint64(buf[:TableIDSize], tableID)
	copy(buf[TableIDSize:], userKey)
	return buf
}

// Decode inverts Encode. An 8-byte encoded key (no user-key bytes) is
// recognized as the maximum-key sentinel and decoded back to
// (table_id-1, nil).
func Decode(encoded []byte) (tableID uint64, userKey []byte) {
	raw := binary.LittleEndian.Uint64(encoded[:TableIDSize])
	if len(encoded) == TableIDSize {
		return raw - 1, nil
	}
	return raw, encoded[TableIDSize:]
}

// MinKey is the smallest possible user key for any table: the single
// zero byte. It is smaller than every non-empty user key and is used as
// an explicit lower scan bound when a caller needs one distinct from the
// "from the first key" empty-string convention.
func MinKey() []byte { return []byte{0} }

// EncodeStart encodes the start bound of a scan: an empty start means
// "from the first key of the table", which is the table's own minimal
// encoded key (table_id_le8 with no user-key suffix; deliberately NOT
// routed through Encode's sentinel rule, which only applies to the
// end/maximum side).
func EncodeStart(tableID uint64, userKey []byte) []byte {
	if len(userKey) == 0 {
		buf := make([]byte, TableIDSize)
		binary.LittleEndian.PutUint64(buf, tableID)
		return buf
	}
	return Encode(tableID, userKey)
}

// EncodeEnd encodes the end bound of a scan, exclusive. An empty end means
// "to the last key of the table", i.e. the maximum-key sentinel, which is
// exactly what Encode already produces for an empty user key.
func EncodeEnd(tableID uint64, userKey []byte) []byte {
	return Encode(tableID, userKey)
}
