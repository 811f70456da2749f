// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package rtpi provides priority-inheritance synchronization primitives: a
// mutex (Mutex) and a condition variable (Cond) built on the kernel's
// PI-aware futex operations.
//
// The rtpi primitives differ from those in sync in that the kernel knows
// which thread owns a Mutex: a high-priority thread blocking on a Mutex
// held by a lower-priority thread boosts the owner until it releases, so
// priority inversion is bounded.  Cond waits suspend on the kernel and are
// requeued atomically onto the associated Mutex by Signal and Broadcast,
// so a woken waiter returns already owning the mutex, with priority
// inheritance applied across the hand-off.
//
// Because ownership is recorded per kernel thread, a goroutine is pinned to
// its OS thread with runtime.LockOSThread for as long as it owns a Mutex,
// including across a Cond wait.  The pin is released by Unlock.
//
// The primitives are caller-allocated and fixed-layout: Mutex is 64 bytes
// and Cond is 128 bytes.  NewMutex and NewCond place them on a cache-line
// boundary; a Mutex or Cond declared inside another struct works too, at
// the cost of possible false sharing.  With the Pshared flag the records
// may live in memory mapped by several processes.
package rtpi

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"v.io/x/rtpi/internal/pifutex"
)

// Flag bits accepted by Init.  A Cond must carry the same Pshared setting
// as its mutex.
const (
	// Pshared declares the primitive may be shared across processes via
	// mapped memory.
	Pshared uint32 = 1 << 0

	// ClockRealtime makes TimedWait interpret deadlines on the wall-clock
	// timeline instead of the monotonic one.  Cond only.
	ClockRealtime uint32 = 1 << 1
)

const (
	mutexFlagsMask = Pshared
	condFlagsMask  = Pshared | ClockRealtime
)

// A Mutex is a priority-inheritance mutex.  A zeroed Mutex (optionally with
// its flags word set via Init) is valid and unlocked.
//
// The futex word is written only by the kernel and by the owning thread's
// compare-and-swap fast paths: zero when unlocked, otherwise the owner's
// kernel thread id, with the high bit set by the kernel while waiters are
// queued.  flags is immutable after Init.
type Mutex struct {
	futex uint32
	flags uint32
	_     [56]byte // pad to a cache line to avoid false sharing
}

// Layout is kernel ABI; hold it at exactly one cache line.
const (
	_ = uint(64 - unsafe.Sizeof(Mutex{}))
	_ = uint(unsafe.Sizeof(Mutex{}) - 64)
)

// Init initializes *mu as unlocked with the given flags.  Only Pshared is
// accepted.  No syscall is made.
func (mu *Mutex) Init(flags uint32) error {
	if mu == nil || flags&^mutexFlagsMask != 0 {
		return ErrInvalid
	}
	*mu = Mutex{flags: flags}
	return nil
}

// Destroy zeroes *mu.  It returns ErrBusy if the mutex is currently owned.
func (mu *Mutex) Destroy() error {
	if atomic.LoadUint32(&mu.futex) != 0 {
		return ErrBusy
	}
	*mu = Mutex{}
	return nil
}

func (mu *Mutex) private() bool { return mu.flags&Pshared == 0 }

// Lock blocks until the calling goroutine owns *mu.  While it waits, the
// kernel boosts the current owner to the caller's priority.  On success the
// goroutine is pinned to its OS thread until Unlock.  Locking a mutex the
// caller already owns returns ErrDeadlock.
func (mu *Mutex) Lock() error {
	runtime.LockOSThread()
	if err := mu.rawLock(); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	return nil
}

// rawLock acquires *mu without adjusting the caller's OS thread pin.  The
// condition variable wait path uses it to re-acquire while keeping the pin
// taken by the original Lock.
func (mu *Mutex) rawLock() error {
	tid := uint32(unix.Gettid())
	if atomic.CompareAndSwapUint32(&mu.futex, 0, tid) { // acquire CAS
		return nil
	}
	for {
		e := pifutex.LockPI(&mu.futex, mu.private())
		if e == unix.EINTR {
			// Signal delivery interrupted the slow path; the lock has no
			// deadline to honor, so go back to sleep.
			continue
		}
		return errnoErr(e)
	}
}

// TryLock acquires *mu if it is free, without blocking.  It returns ErrBusy
// if the mutex is held by another thread and ErrDeadlock if it is held by
// the caller.  On success the goroutine is pinned to its OS thread until
// Unlock.
func (mu *Mutex) TryLock() error {
	runtime.LockOSThread()
	tid := uint32(unix.Gettid())
	if atomic.CompareAndSwapUint32(&mu.futex, 0, tid) { // acquire CAS
		return nil
	}
	e := pifutex.TryLockPI(&mu.futex, mu.private())
	if e == 0 {
		return nil
	}
	runtime.UnlockOSThread()
	if e == unix.EAGAIN {
		return ErrBusy
	}
	return errnoErr(e)
}

// Unlock releases *mu and unpins the goroutine from its OS thread.  If
// waiters are queued, ownership transfers to the highest-priority one.  A
// caller that does not own the mutex gets ErrNotOwner.
func (mu *Mutex) Unlock() error {
	if err := mu.rawUnlock(); err != nil {
		return err
	}
	runtime.UnlockOSThread()
	return nil
}

// rawUnlock releases *mu without adjusting the caller's OS thread pin.
func (mu *Mutex) rawUnlock() error {
	tid := uint32(unix.Gettid())
	word := atomic.LoadUint32(&mu.futex)
	if word&pifutex.TIDMask != tid {
		return ErrNotOwner
	}
	if word == tid && atomic.CompareAndSwapUint32(&mu.futex, tid, 0) { // release CAS
		return nil
	}
	// Waiters are queued (or arrived between the load and the CAS); the
	// kernel must pick the next owner.
	return errnoErr(pifutex.UnlockPI(&mu.futex, mu.private()))
}

// lockSave acquires *mu unless the calling thread already owns it, in which
// case it reports owned == true and acquires nothing.  Paired with
// unlockRestore it makes an acquisition idempotent with respect to
// recursive calls from the same thread, without making the mutex recursive.
// The condition variable destroy path depends on this.
func (mu *Mutex) lockSave() (owned bool, err error) {
	switch err := mu.TryLock(); err {
	case nil:
		return false, nil
	case ErrDeadlock:
		return true, nil
	case ErrBusy:
		return false, mu.Lock()
	default:
		return false, err
	}
}

// unlockRestore undoes lockSave: it unlocks iff lockSave acquired.
func (mu *Mutex) unlockRestore(owned bool) error {
	if owned {
		return nil
	}
	return mu.Unlock()
}
