//go:build unix && !linux

package shm

import (
	"sync/atomic"
	"time"
)

const pollInterval = 200 * time.Microsecond

func futexWait(addr *uint32, val uint32, d time.Duration) {
	deadline := time.Now().Add(d)
	for atomic.LoadUint32(addr) == val && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
}

func futexWakeAll(*uint32) {}
