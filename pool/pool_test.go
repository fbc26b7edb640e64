package pool

import "testing"

func TestGetReturnsFixedSize(t *testing.T) {
	bs := Get()
	if len(bs) != BufferSize {
		t.Fatalf("got buffer of size %d, want %d", len(bs), BufferSize)
	}
	Put(bs)
}

func TestReuseAfterPut(t *testing.T) {
	bs := Get()
	Put(bs)
	bs2 := Get()
	if len(bs2) != BufferSize {
		t.Fatalf("got buffer of size %d, want %d", len(bs2), BufferSize)
	}
	Put(bs2)
}
