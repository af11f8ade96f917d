package zedstore

import (
	"bytes"
	"testing"
)

var fixedAttr = AttrDesc{Attno: 1, Attlen: 4, Attbyval: true}
var textAttr = AttrDesc{Attno: 2, Attlen: varlenaAttlen}

func TestSingleItemRoundTrip(t *testing.T) {
	s := &SingleItem{TID: 42, Flags: FlagDeleted, Undo: 99, Payload: []byte{1, 2, 3, 4}}
	got := decodeItem(s.encode()).(*SingleItem)
	if got.TID != s.TID || got.Flags != s.Flags || got.Undo != s.Undo || !bytes.Equal(got.Payload, s.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
}

func TestArrayItemRoundTrip(t *testing.T) {
	a := &ArrayItem{TID: 100, Flags: FlagArray, Undo: 5, NElements: 3, Payload: []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}}
	got := decodeItem(a.encode()).(*ArrayItem)
	if got.TID != a.TID || got.NElements != a.NElements || !bytes.Equal(got.Payload, a.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, a)
	}
	if got.LastTID() != 102 {
		t.Fatalf("LastTID() = %d, want 102", got.LastTID())
	}
}

func TestCompressedItemRoundTrip(t *testing.T) {
	c := &CompressedItem{FirstTIDv: 10, LastTIDv: 20, UncompressedSize: 123, Compressed: []byte("blob")}
	got := decodeItem(c.encode()).(*CompressedItem)
	if got.FirstTIDv != 10 || got.LastTIDv != 20 || got.UncompressedSize != 123 || string(got.Compressed) != "blob" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.GetFlags() != FlagCompressed {
		t.Fatalf("GetFlags() = %v, want FlagCompressed", got.GetFlags())
	}
}

func TestMarshalVarlenaShortAndLong(t *testing.T) {
	short := marshalVarlena([]byte("hi"))
	total, data := varlenaDecode(short)
	if total != len(short) || string(data) != "hi" {
		t.Fatalf("short varlena round trip failed: total=%d data=%q", total, data)
	}

	long := make([]byte, 200)
	for i := range long {
		long[i] = byte(i)
	}
	enc := marshalVarlena(long)
	total2, data2 := varlenaDecode(enc)
	if total2 != len(enc) || !bytes.Equal(data2, long) {
		t.Fatal("long varlena round trip failed")
	}
}

func TestCreateItemSingleVsArray(t *testing.T) {
	single := createItem(fixedAttr, 1, 0, 1, []byte{1, 2, 3, 4}, false)
	if _, ok := single.(*SingleItem); !ok {
		t.Fatalf("nelements=1 should create *SingleItem, got %T", single)
	}

	arr := createItem(fixedAttr, 1, 0, 3, make([]byte, 12), false)
	a, ok := arr.(*ArrayItem)
	if !ok {
		t.Fatalf("nelements=3 should create *ArrayItem, got %T", arr)
	}
	if a.LastTID() != 3 {
		t.Fatalf("LastTID() = %d, want 3", a.LastTID())
	}
}

func TestSplitArrayFixedWidth(t *testing.T) {
	// 5 elements of 4-byte ints: 10,20,30,40,50 at TIDs 100..104.
	payload := []byte{
		10, 0, 0, 0,
		20, 0, 0, 0,
		30, 0, 0, 0,
		40, 0, 0, 0,
		50, 0, 0, 0,
	}
	a := &ArrayItem{TID: 100, Flags: FlagArray, Undo: 1, NElements: 5, Payload: payload}

	left, right := splitArray(fixedAttr, a, 2) // cut out element at TID 102 (value 30)

	leftArr, ok := left.(*ArrayItem)
	if !ok {
		t.Fatalf("left should be *ArrayItem, got %T", left)
	}
	if leftArr.TID != 100 || leftArr.NElements != 2 {
		t.Fatalf("left = %+v", leftArr)
	}
	if !bytes.Equal(leftArr.Payload, payload[0:8]) {
		t.Fatalf("left payload = %v, want %v", leftArr.Payload, payload[0:8])
	}

	rightArr, ok := right.(*ArrayItem)
	if !ok {
		t.Fatalf("right should be *ArrayItem, got %T", right)
	}
	if rightArr.TID != 103 || rightArr.NElements != 2 {
		t.Fatalf("right = %+v", rightArr)
	}
	if !bytes.Equal(rightArr.Payload, payload[12:20]) {
		t.Fatalf("right payload = %v, want %v", rightArr.Payload, payload[12:20])
	}
}

func TestSplitArrayAtEdges(t *testing.T) {
	payload := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	a := &ArrayItem{TID: 0, Flags: FlagArray, NElements: 3, Payload: payload}

	left, right := splitArray(fixedAttr, a, 0)
	if left != nil {
		t.Fatalf("cutting the first element should leave no left side, got %+v", left)
	}
	if right == nil || right.FirstTID() != 1 {
		t.Fatalf("right side should start at TID 1, got %+v", right)
	}

	left2, right2 := splitArray(fixedAttr, a, 2)
	if right2 != nil {
		t.Fatalf("cutting the last element should leave no right side, got %+v", right2)
	}
	if left2 == nil || left2.LastTID() != 1 {
		t.Fatalf("left side should end at TID 1, got %+v", left2)
	}
}
