package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(RTPBufferSize)

	buf := pool.Get()
	if len(buf) != RTPBufferSize {
		t.Errorf("expected buffer size %d, got %d", RTPBufferSize, len(buf))
	}

	// a resliced buffer comes back at full length
	pool.Put(buf[:12])

	buf2 := pool.Get()
	if len(buf2) != RTPBufferSize {
		t.Errorf("expected buffer size %d, got %d", RTPBufferSize, len(buf2))
	}
	if pool.Size() != RTPBufferSize {
		t.Errorf("unexpected pool size %d", pool.Size())
	}
}

func TestBytePool_DropsUndersized(t *testing.T) {
	pool := NewBytePool(64)
	pool.Put(make([]byte, 8))

	if got := len(pool.Get()); got != 64 {
		t.Errorf("expected 64-byte buffer, got %d", got)
	}
}

func TestPool_ResetsOnPut(t *testing.T) {
	pool := NewPool(
		func() []string { return make([]string, 0, 4) },
		func(s []string) []string { return s[:0] },
	)

	s := pool.Get()
	s = append(s, "producer-1", "producer-2")
	pool.Put(s)

	if got := pool.Get(); len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}
