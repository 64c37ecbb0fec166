package walog

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func TestChecksumDeterministic(t *testing.T) {
	payload := []byte("SET 1 2 aGVsbG8 d29ybGQ")
	a := Checksum(payload)
	b := Checksum(payload)
	if a != b {
		t.Fatalf("checksum not deterministic: %d != %d", a, b)
	}
	if Checksum([]byte("different")) == a {
		t.Fatalf("checksum collided unexpectedly")
	}
}

func TestChecksumMatchesRollingFormula(t *testing.T) {
	payload := []byte("abc")
	var want uint32
	for _, b := range payload {
		want = want*31 + uint32(b)
	}
	if got := Checksum(payload); got != want {
		t.Errorf("Checksum = %d, want %d", got, want)
	}
}

func TestTextLineRoundTrip(t *testing.T) {
	r := AcquireRecord()
	defer ReleaseRecord(r)
	r.LogID = 7
	r.Payload = []byte("SET 1 2 aGk gb29k")
	r.Checksum = Checksum(r.Payload)

	line := EncodeTextLine(r)
	if line[len(line)-1] != '\n' {
		t.Fatalf("text line must end in newline")
	}

	decoded, err := DecodeTextLine(line[:len(line)-1])
	if err != nil {
		t.Fatalf("DecodeTextLine: %v", err)
	}
	defer ReleaseRecord(decoded)

	if decoded.LogID != r.LogID || !bytes.Equal(decoded.Payload, r.Payload) || decoded.Checksum != r.Checksum {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, r)
	}
}

func TestTextLineEscapesNonPrintable(t *testing.T) {
	r := AcquireRecord()
	defer ReleaseRecord(r)
	r.LogID = 1
	r.Payload = []byte{'S', 'E', 'T', 0x00, 0x0a, 0x5c, 'x'}
	r.Checksum = Checksum(r.Payload)

	line := EncodeTextLine(r)
	decoded, err := DecodeTextLine(line[:len(line)-1])
	if err != nil {
		t.Fatalf("DecodeTextLine: %v", err)
	}
	defer ReleaseRecord(decoded)

	if !bytes.Equal(decoded.Payload, r.Payload) {
		t.Errorf("payload = %x, want %x", decoded.Payload, r.Payload)
	}
}

func TestDecodeTextLineRejectsChecksumMismatch(t *testing.T) {
	_, err := DecodeTextLine("1 5 999 hello")
	if err != ErrChecksumMismatch {
		t.Errorf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestPayloadSetRoundTrip(t *testing.T) {
	payload := PayloadSet(3, 1, []byte("key"), []byte("value"))
	parsed, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if parsed.Op != OpSet || parsed.TxID != 3 || parsed.TableID != 1 {
		t.Fatalf("parsed = %+v", parsed)
	}
	if string(parsed.Key) != "key" || string(parsed.Value) != "value" {
		t.Errorf("key/value = %q/%q", parsed.Key, parsed.Value)
	}
}

func TestPayloadSetRoundTripBinaryKey(t *testing.T) {
	key := []byte{0x00, 0x01, ' ', '\n', 0xff}
	value := []byte{}
	payload := PayloadSet(0, 5, key, value)
	parsed, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if !bytes.Equal(parsed.Key, key) {
		t.Errorf("key = %x, want %x", parsed.Key, key)
	}
	if len(parsed.Value) != 0 {
		t.Errorf("value = %x, want empty", parsed.Value)
	}
}

func TestPayloadCreateTableRoundTrip(t *testing.T) {
	payload := PayloadCreateTable("users", "hash", 42)
	parsed, err := ParsePayload(payload)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if parsed.Op != OpCreateTable || parsed.Name != "users" || parsed.Partition != "hash" || parsed.TableID != 42 {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestOpcodeReplayable(t *testing.T) {
	for _, op := range []Opcode{OpCreateTable, OpDropTable, OpSet, OpDel, OpStartTransaction, OpCommitTransaction, OpRollbackTransaction} {
		if !op.Replayable() {
			t.Errorf("%s should be replayable", op)
		}
	}
	for _, op := range []Opcode{OpGet, OpScan, OpProcess, OpRangeProcess, OpBatchExecute} {
		if op.Replayable() {
			t.Errorf("%s should not be replayable", op)
		}
	}
}

func TestWriterReaderBinaryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/log0"

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w := NewWriter(f, Binary, SyncEveryWrite, 1)

	payloads := [][]byte{
		PayloadCreateTable("users", "hash", 1),
		PayloadSet(0, 1, []byte("k1"), []byte("v1")),
		PayloadDel(0, 1, []byte("k1")),
	}
	for _, p := range payloads {
		if _, err := w.WriteEntry(p); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rf.Close()
	r := NewReader(rf, Binary)

	for i, want := range payloads {
		rec, err := r.ReadEntry()
		if err != nil {
			t.Fatalf("ReadEntry[%d]: %v", i, err)
		}
		if !bytes.Equal(rec.Payload, want) {
			t.Errorf("ReadEntry[%d] = %q, want %q", i, rec.Payload, want)
		}
		if rec.LogID != uint64(i+1) {
			t.Errorf("ReadEntry[%d].LogID = %d, want %d", i, rec.LogID, i+1)
		}
		ReleaseRecord(rec)
	}

	if _, err := r.ReadEntry(); err != io.EOF {
		t.Errorf("expected io.EOF at end of log, got %v", err)
	}
}

func TestWriterReaderTextRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/log0.txt"

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w := NewWriter(f, Text, SyncEveryWrite, 1)

	payload := PayloadSet(2, 1, []byte("k"), []byte("v with space"))
	if _, err := w.WriteEntry(payload); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rf.Close()
	r := NewReader(rf, Text)

	rec, err := r.ReadEntry()
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Errorf("ReadEntry = %q, want %q", rec.Payload, payload)
	}
}
