package kvtkey

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		tableID uint64
		key     []byte
	}{
		{1, []byte("hello")},
		{42, []byte{0x00, 0x01, 0xff}},
		{7, []byte("a")},
	}

	for _, c := range cases {
		enc := Encode(c.tableID, c.key)
		gotTable, gotKey := Decode(enc)
		if gotTable != c.tableID {
			t.Errorf("Decode table = %d, want %d", gotTable, c.tableID)
		}
		if !bytes.Equal(gotKey, c.key) {
			t.Errorf("Decode key = %q, want %q", gotKey, c.key)
		}
	}
}

func TestEncodeEmptyKeyIsMaxSentinel(t *testing.T) {
	enc := Encode(5, nil)
	if len(enc) != TableIDSize {
		t.Fatalf("sentinel length = %d, want %d", len(enc), TableIDSize)
	}
	gotTable, gotKey := Decode(enc)
	if gotTable != 5 {
		t.Errorf("sentinel decodes to table %d, want 5", gotTable)
	}
	if gotKey != nil {
		t.Errorf("sentinel decodes to non-nil key %q", gotKey)
	}
}

func TestSentinelOrdersAfterAllKeysOfTable(t *testing.T) {
	sentinel := Encode(5, nil)
	for _, k := range [][]byte{{0}, []byte("z"), bytes.Repeat([]byte{0xff}, 32)} {
		enc := Encode(5, k)
		if bytes.Compare(enc, sentinel) >= 0 {
			t.Errorf("key %x did not sort before sentinel", k)
		}
	}
	nextTable := Encode(6, []byte("a"))
	if bytes.Compare(sentinel, nextTable) >= 0 {
		t.Errorf("sentinel for table 5 did not sort before table 6's keys")
	}
}

func TestEncodeStartEndBounds(t *testing.T) {
	start := EncodeStart(3, nil)
	if len(start) != TableIDSize {
		t.Fatalf("EncodeStart with empty key should be the bare table prefix, got len %d", len(start))
	}
	end := EncodeEnd(3, nil)
	if bytes.Compare(start, end) >= 0 {
		t.Errorf("EncodeStart(nil) must sort before EncodeEnd(nil) for the same table")
	}

	withKey := Encode(3, []byte("mid"))
	if bytes.Compare(start, withKey) >= 0 || bytes.Compare(withKey, end) >= 0 {
		t.Errorf("a real key must sort within [start, end) for its table")
	}
}

func TestTablesPartitionDisjointRanges(t *testing.T) {
	a := Encode(1, []byte{0xff, 0xff, 0xff})
	b := Encode(2, []byte{0x00})
	if bytes.Compare(a, b) >= 0 {
		t.Errorf("table 1's key %x must sort before table 2's key %x", a, b)
	}
}
