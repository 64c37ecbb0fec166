package walog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Opcode tags the space-separated payload grammar of §4.8.
type Opcode string

const (
	OpCreateTable        Opcode = "CREATE_TABLE"
	OpDropTable          Opcode = "DROP_TABLE"
	OpStartTransaction   Opcode = "START_TRANSACTION"
	OpCommitTransaction  Opcode = "COMMIT_TRANSACTION"
	OpRollbackTransaction Opcode = "ROLLBACK_TRANSACTION"
	OpSet                Opcode = "SET"
	OpDel                Opcode = "DEL"
	OpGet                Opcode = "GET"
	OpScan               Opcode = "SCAN"
	OpProcess            Opcode = "PROCESS"
	OpRangeProcess       Opcode = "RANGE_PROCESS"
	OpBatchExecute       Opcode = "BATCH_EXECUTE"
)

// replayable reports whether the opcode mutates catalog/table/transaction
// state and must be applied during recovery (§4.9's replay rules); the
// read-only opcodes are logged purely for an audit trail and are no-ops
// on replay.
func (o Opcode) replayable() bool {
	switch o {
	case OpGet, OpScan, OpProcess, OpRangeProcess, OpBatchExecute:
		return false
	default:
		return true
	}
}

// Replayable reports whether this opcode must be applied during recovery.
func (o Opcode) Replayable() bool { return o.replayable() }

// token-encodes a byte string for the space-separated payload grammar:
// base64 avoids embedding spaces/newlines/NULs in an otherwise
// whitespace-delimited format, while staying reversible for arbitrary
// binary keys/values.
func encodeToken(b []byte) string {
	if b == nil {
		return "-"
	}
	return base64Encode(b)
}

func decodeToken(tok string) ([]byte, error) {
	if tok == "-" {
		return nil, nil
	}
	return base64Decode(tok)
}

// PayloadCreateTable builds a "CREATE_TABLE <name> <partition> <id>" payload.
func PayloadCreateTable(name, partition string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s %s %s %d", OpCreateTable, encodeToken([]byte(name)), partition, id))
}

// PayloadDropTable builds a "DROP_TABLE <id>" payload.
func PayloadDropTable(id uint64) []byte {
	return []byte(fmt.Sprintf("%s %d", OpDropTable, id))
}

// PayloadStartTransaction builds a "START_TRANSACTION <tx_id>" payload.
func PayloadStartTransaction(txID uint64) []byte {
	return []byte(fmt.Sprintf("%s %d", OpStartTransaction, txID))
}

// PayloadCommitTransaction builds a "COMMIT_TRANSACTION <tx_id>" payload.
func PayloadCommitTransaction(txID uint64) []byte {
	return []byte(fmt.Sprintf("%s %d", OpCommitTransaction, txID))
}

// PayloadRollbackTransaction builds a "ROLLBACK_TRANSACTION <tx_id>" payload.
func PayloadRollbackTransaction(txID uint64) []byte {
	return []byte(fmt.Sprintf("%s %d", OpRollbackTransaction, txID))
}

// PayloadSet builds a "SET <tx_id> <table_id> <key> <value>" payload.
func PayloadSet(txID, tableID uint64, key, value []byte) []byte {
	return []byte(fmt.Sprintf("%s %d %d %s %s", OpSet, txID, tableID, encodeToken(key), encodeToken(value)))
}

// PayloadDel builds a "DEL <tx_id> <table_id> <key>" payload.
func PayloadDel(txID, tableID uint64, key []byte) []byte {
	return []byte(fmt.Sprintf("%s %d %d %s", OpDel, txID, tableID, encodeToken(key)))
}

// PayloadNoop builds a logged-but-ignored-on-replay payload for GET, SCAN,
// PROCESS, RANGE_PROCESS, and BATCH_EXECUTE: an opcode tag plus the
// tx/table ids, for audit purposes only.
func PayloadNoop(op Opcode, txID, tableID uint64) []byte {
	return []byte(fmt.Sprintf("%s %d %d", op, txID, tableID))
}

// ParsedOp is the decoded form of any payload.
type ParsedOp struct {
	Op        Opcode
	TableID   uint64
	TxID      uint64
	Name      string
	Partition string
	Key       []byte
	Value     []byte
}

// ParsePayload decodes a payload produced by the Payload* builders above.
func ParsePayload(payload []byte) (ParsedOp, error) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return ParsedOp{}, errors.New("walog: empty payload")
	}

	op := Opcode(fields[0])
	var out ParsedOp
	out.Op = op

	switch op {
	case OpCreateTable:
		if len(fields) != 4 {
			return out, errors.Newf("walog: malformed CREATE_TABLE payload: %q", payload)
		}
		name, err := decodeToken(fields[1])
		if err != nil {
			return out, err
		}
		out.Name = string(name)
		out.Partition = fields[2]
		id, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return out, err
		}
		out.TableID = id

	case OpDropTable:
		if len(fields) != 2 {
			return out, errors.Newf("walog: malformed DROP_TABLE payload: %q", payload)
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return out, err
		}
		out.TableID = id

	case OpStartTransaction, OpCommitTransaction, OpRollbackTransaction:
		if len(fields) != 2 {
			return out, errors.Newf("walog: malformed %s payload: %q", op, payload)
		}
		txID, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return out, err
		}
		out.TxID = txID

	case OpSet:
		if len(fields) != 5 {
			return out, errors.Newf("walog: malformed SET payload: %q", payload)
		}
		txID, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return out, err
		}
		tableID, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return out, err
		}
		key, err := decodeToken(fields[3])
		if err != nil {
			return out, err
		}
		value, err := decodeToken(fields[4])
		if err != nil {
			return out, err
		}
		out.TxID, out.TableID, out.Key, out.Value = txID, tableID, key, value

	case OpDel:
		if len(fields) != 4 {
			return out, errors.Newf("walog: malformed DEL payload: %q", payload)
		}
		txID, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return out, err
		}
		tableID, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return out, err
		}
		key, err := decodeToken(fields[3])
		if err != nil {
			return out, err
		}
		out.TxID, out.TableID, out.Key = txID, tableID, key

	case OpGet, OpScan, OpProcess, OpRangeProcess, OpBatchExecute:
		if len(fields) >= 3 {
			if txID, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				out.TxID = txID
			}
			if tableID, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
				out.TableID = tableID
			}
		}

	default:
		return out, errors.Newf("walog: unknown opcode %q", op)
	}

	return out, nil
}

// --- minimal base64url-ish token codec, isolated here so payload.go has
// no dependency on encoding/base64's padding/newline quirks inside a
// space-delimited grammar ---

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func base64Encode(b []byte) string {
	var buf bytes.Buffer
	for i := 0; i < len(b); i += 3 {
		chunk := b[i:min(i+3, len(b))]
		buf.WriteByte(tokenAlphabet[chunk[0]>>2])
		switch len(chunk) {
		case 1:
			buf.WriteByte(tokenAlphabet[(chunk[0]&0x03)<<4])
		case 2:
			buf.WriteByte(tokenAlphabet[(chunk[0]&0x03)<<4|chunk[1]>>4])
			buf.WriteByte(tokenAlphabet[(chunk[1]&0x0f)<<2])
		case 3:
			buf.WriteByte(tokenAlphabet[(chunk[0]&0x03)<<4|chunk[1]>>4])
			buf.WriteByte(tokenAlphabet[(chunk[1]&0x0f)<<2|chunk[2]>>6])
			buf.WriteByte(tokenAlphabet[chunk[2]&0x3f])
		}
	}
	if len(b) == 0 {
		return "."
	}
	return buf.String()
}

func base64Decode(s string) ([]byte, error) {
	if s == "." {
		return []byte{}, nil
	}
	var rev [256]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range tokenAlphabet {
		rev[byte(c)] = int8(i)
	}

	var out bytes.Buffer
	var buf uint32
	var bits int
	for i := 0; i < len(s); i++ {
		v := rev[s[i]]
		if v < 0 {
			return nil, errors.Newf("walog: invalid token byte %q", s[i])
		}
		buf = buf<<6 | uint32(v)
		bits += 6
		if bits >= 8 {
			bits -= 8
			out.WriteByte(byte(buf >> uint(bits)))
		}
	}
	return out.Bytes(), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
