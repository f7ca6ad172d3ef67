package types

import (
	"sync"
	"time"
)

var idMu struct {
	sync.Mutex
	lastMillis int64
	seq        int64
}

// NextID generates a process-unique, roughly time-ordered 64-bit id.
// It is called only on the node that originates a write; the generated
// id then travels inside the replicated command, so replicas never
// generate ids themselves.
func NextID() int64 {
	idMu.Lock()
	defer idMu.Unlock()

	ms := time.Now().UnixMilli()
	if ms == idMu.lastMillis {
		idMu.seq++
	} else {
		idMu.lastMillis = ms
		idMu.seq = 0
	}
	// 12 bits of sequence gives 4096 ids per millisecond.
	return ms<<12 | (idMu.seq & 0xfff)
}
