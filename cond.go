// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package rtpi

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"v.io/x/rtpi/internal/pifutex"
)

// A Cond is a condition variable in the style of Mesa, POSIX, and Go's
// sync.Cond, bound at Init to a single priority-inheritance Mutex.  Signal
// and Broadcast do not merely wake waiters: the kernel atomically requeues
// them onto the mutex, so a waiter returning from Wait already owns it and
// priority inheritance was applied throughout the hand-off.
//
// As with all Mesa-style condition variables, waits must run in a loop that
// re-tests the predicate:
//
//	mu.Lock()
//	for !somePredicateProtectedByMu {
//		if err := cond.Wait(); err != nil {
//			// mutex is still held; decide whether to keep waiting
//		}
//	}
//	// predicate is true, mutex held
//	mu.Unlock()
//
// TimedWait takes an absolute deadline rather than a relative timeout; a
// wait retried in a loop then does not need the deadline recomputed each
// iteration, and scheduling delays cannot stretch the total wait past the
// caller's intent.  Deadlines are read on the monotonic clock unless the
// Cond was initialized with ClockRealtime.
//
// Callers of Signal and Broadcast are not required to hold the mutex.
// Those that do get the classical guarantee that predicate changes and
// wakes cannot interleave badly; those that do not are still safe, because
// the generation counter protocol below tolerates the race.
//
// The record is two cache lines: the bound mutex reference, a generation
// counter advanced by every wait arrival and every wake, and the wake
// generation stamped by the most recent signaler.  A waiter that loses the
// kernel's compare (the counter moved while it was releasing the mutex)
// compares the signaler's stamp with the snapshot it took at arrival to
// decide between "a wake after my arrival covers me" and "that wake was for
// someone else, sleep again".  Because the stamp strictly advances, the
// comparison is immune to ABA, and only ever tests equality, so 32-bit
// wrap is harmless.
//
// With Pshared set the record may be placed in shared memory.  It embeds
// the address of its mutex, so every process must map the region at the
// same virtual address.
type Cond struct {
	mutex  *Mutex
	cond   uint32
	flags  uint32
	wakeID uint32
	_      [128 - unsafe.Sizeof(uintptr(0)) - 12]byte // pad to two cache lines
}

const (
	_ = uint(128 - unsafe.Sizeof(Cond{}))
	_ = uint(unsafe.Sizeof(Cond{}) - 128)
)

// Init binds *c to mu with the given flags.  It fails with ErrInvalid if
// unknown flag bits are set or if the Pshared flag does not match the
// mutex's.  The binding is permanent; no syscall is made.
func (c *Cond) Init(mu *Mutex, flags uint32) error {
	if c == nil || mu == nil || flags&^condFlagsMask != 0 {
		return ErrInvalid
	}
	if (flags^mu.flags)&Pshared != 0 {
		return ErrInvalid
	}
	*c = Cond{mutex: mu, flags: flags}
	return nil
}

func (c *Cond) private() bool  { return c.flags&Pshared == 0 }
func (c *Cond) realtime() bool { return c.flags&ClockRealtime != 0 }

// Wait atomically releases the bound mutex and suspends the caller until a
// Signal or Broadcast that started after the wait began.  On every return,
// error or not, the caller owns the mutex again; a nil return means the
// caller was woken by a Signal or Broadcast, either with ownership handed
// to it by the kernel or, when that wake raced its arrival, after
// re-acquiring the mutex itself.  The
// caller must own the mutex on entry, or Wait returns ErrNotOwner without
// touching it.
func (c *Cond) Wait() error {
	return c.wait(nil)
}

// TimedWait is Wait with an absolute deadline, interpreted on the monotonic
// clock, or the wall clock if the Cond has ClockRealtime set.  At or after
// the deadline it returns ErrTimeout with the mutex re-acquired.  A
// malformed deadline returns ErrInvalid without releasing the mutex.
func (c *Cond) TimedWait(abstime unix.Timespec) error {
	if abstime.Sec < 0 || abstime.Nsec < 0 || abstime.Nsec >= 1e9 {
		return ErrInvalid
	}
	return c.wait(&abstime)
}

// wait implements the generation-stamped requeue-PI protocol.
//
// The arrival increment of c.cond forces any signaler that runs between
// here and the kernel's compare to miss (EAGAIN), because the signaler
// bumps the counter again and the kernel re-checks it against our stale
// futexID.  On that miss we re-acquire the mutex and consult c.wakeID: a
// stamp different from our arrival snapshot proves some wake happened after
// we arrived, and the kernel counted us out of it only because of the
// race, so we consume it and return.  An unchanged stamp means the counter
// moved for some other reason (another waiter arriving); re-stamp and sleep
// again.
func (c *Cond) wait(abstime *unix.Timespec) error {
	mu := c.mutex
	atomic.AddUint32(&c.cond, 1)
	wakeSnapshot := atomic.LoadUint32(&c.wakeID)
	for {
		futexID := atomic.LoadUint32(&c.cond)
		if err := mu.rawUnlock(); err != nil {
			return err
		}
		e := pifutex.WaitRequeuePI(&c.cond, futexID, abstime, &mu.futex, c.private(), c.realtime())
		if e == 0 {
			// Proper wakeup; the kernel made us the owner of mu.
			return nil
		}
		if err := mu.rawLock(); err != nil {
			return err
		}
		if e == unix.EAGAIN {
			if atomic.LoadUint32(&c.wakeID) != wakeSnapshot {
				return nil
			}
			atomic.AddUint32(&c.cond, 1)
			continue
		}
		return errnoErr(e)
	}
}

// Signal wakes at most one waiter and requeues it onto the bound mutex.
func (c *Cond) Signal() error {
	_, err := c.signalCommon(false)
	return err
}

// Broadcast wakes all waiters: the kernel hands the mutex (or the right to
// contend for it) to one, and requeues the rest onto the mutex's wait
// queue, where priority inheritance applies to each in turn.
func (c *Cond) Broadcast() error {
	_, err := c.signalCommon(true)
	return err
}

// signalCommon stamps a wake generation and asks the kernel to wake one
// waiter and requeue the rest (all of them for broadcast, none otherwise).
// EAGAIN means a concurrent signaler or arriving waiter moved the counter
// between our stamp and the kernel's compare; re-stamp and retry.  It
// returns the number of threads woken or requeued.
func (c *Cond) signalCommon(broadcast bool) (int, error) {
	var nrRequeue int
	if broadcast {
		// The kernel takes nr_requeue as a 32-bit int.
		nrRequeue = int(^uint32(0) >> 1)
	}
	for {
		id := atomic.AddUint32(&c.cond, 1)
		atomic.StoreUint32(&c.wakeID, id)
		n, e := pifutex.CmpRequeuePI(&c.cond, id, 1, nrRequeue, &c.mutex.futex, c.private())
		if e == 0 {
			return n, nil
		}
		if e != unix.EAGAIN {
			return 0, errnoErr(e)
		}
	}
}

// Destroy broadcasts to flush current waiters and zeroes the record.  The
// bound mutex is acquired idempotently for the duration, so Destroy may be
// called with or without it held.  If the broadcast reports waiters that
// could not be drained, Destroy returns ErrBusy and leaves the record
// intact.
func (c *Cond) Destroy() error {
	mu := c.mutex
	owned, err := mu.lockSave()
	if err != nil {
		return err
	}
	woken, err := c.signalCommon(true)
	if rerr := mu.unlockRestore(owned); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	if woken > 0 {
		return ErrBusy
	}
	*c = Cond{}
	return nil
}

// DeadlineAfter returns the absolute deadline d from now on the clock this
// Cond uses for TimedWait.
func (c *Cond) DeadlineAfter(d time.Duration) (unix.Timespec, error) {
	clock := int32(unix.CLOCK_MONOTONIC)
	if c.realtime() {
		clock = unix.CLOCK_REALTIME
	}
	var now unix.Timespec
	if err := unix.ClockGettime(clock, &now); err != nil {
		return unix.Timespec{}, err
	}
	return unix.NsecToTimespec(now.Nano() + d.Nanoseconds()), nil
}
