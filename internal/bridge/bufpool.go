package bridge

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// staging buffers come in power of two classes from 512B to 1MiB, anything
// bigger is allocated and left to the GC.
const (
	minClassShift = 9
	maxClassShift = 20
)

var (
	classes     [maxClassShift - minClassShift + 1]sync.Pool
	outstanding atomic.Int64
)

func class(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(size-1)) - minClassShift
}

// getBuf returns a buffer of exactly size bytes.
func getBuf(size int) []byte {
	outstanding.Add(1)
	c := class(size)
	if c >= len(classes) {
		return make([]byte, size)
	}
	if b, ok := classes[c].Get().(*[]byte); ok {
		return (*b)[:size]
	}
	return make([]byte, size, 1<<(c+minClassShift))
}

func putBuf(b []byte) {
	if b == nil {
		return
	}
	outstanding.Add(-1)
	c := class(cap(b))
	if c >= len(classes) || cap(b) != 1<<(c+minClassShift) {
		return
	}
	b = b[:0]
	classes[c].Put(&b)
}

// Outstanding is the number of staging buffers currently owned by a
// connection or an engine.
func Outstanding() int64 {
	return outstanding.Load()
}
