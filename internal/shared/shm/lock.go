package shm

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const spinsBeforeCheck = 1000

// spinLock is a cross-process lock word holding the PID of its owner. A word
// owned by a PID that no longer exists is taken over by the next locker.
type spinLock struct {
	word *uint32
	pid  uint32
}

func (l spinLock) lock() {
	for spins := 0; ; spins++ {
		if atomic.CompareAndSwapUint32(l.word, 0, l.pid) {
			return
		}
		if spins < spinsBeforeCheck {
			runtime.Gosched()
			continue
		}

		holder := atomic.LoadUint32(l.word)
		if holder != 0 && !alive(int(holder)) {
			if atomic.CompareAndSwapUint32(l.word, holder, l.pid) {
				return
			}
		}
		spins = 0
		time.Sleep(50 * time.Microsecond)
	}
}

func (l spinLock) unlock() {
	atomic.StoreUint32(l.word, 0)
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
