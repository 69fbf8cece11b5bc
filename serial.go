package dbusconn

import (
	"sync/atomic"
)

// serialAllocator hands out the serials for outbound messages: non-zero and
// strictly increasing until 32-bit wrap-around. Zero is reserved as the
// "unassigned" marker, so the counter skips it when it wraps; a collision
// would additionally require the serial from four billion messages ago to
// still be waiting for its reply.
type serialAllocator struct {
	last uint32
}

func (a *serialAllocator) next() uint32 {
	s := atomic.AddUint32(&a.last, 1)
	if s == 0 {
		s = atomic.AddUint32(&a.last, 1)
	}
	return s
}
