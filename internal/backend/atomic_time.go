package backend

import (
	"sync/atomic"
	"time"
)

// atomicTime is a lock-free time.Time, stored as UnixNano. The Session
// Manager's last_used timestamp is a pure write on the hot path (spec.md
// §4.1: "need not be synchronized beyond the natural atomicity of a
// timestamp word"), so a single int64 word is the idiomatic fit.
type atomicTime struct {
	nanos atomic.Int64
}

func (t *atomicTime) Store(v time.Time) { t.nanos.Store(v.UnixNano()) }

func (t *atomicTime) Load() time.Time {
	n := t.nanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
