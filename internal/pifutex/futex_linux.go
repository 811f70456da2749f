// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package pifutex provides thin, typed wrappers over the kernel's
// priority-inheritance futex operations: LOCK_PI, TRYLOCK_PI, UNLOCK_PI,
// WAIT_REQUEUE_PI and CMP_REQUEUE_PI.
//
// A PI futex is a 32-bit cell whose value is owned by the kernel contract:
// zero means unlocked, and a nonzero value holds the owner's kernel thread
// id in the low bits, with the high bit reserved for the kernel to flag the
// presence of waiters.  All wrappers return the raw errno; callers translate
// into their own taxonomy.  An errno of zero means success.
package pifutex

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex word encoding, from the kernel ABI (linux/futex.h).
const (
	// TIDMask extracts the owner thread id from a futex word.
	TIDMask = 0x3fffffff
	// Waiters is set by the kernel when the futex has blocked waiters, which
	// forces unlock through the kernel so ownership can be handed off.
	Waiters = 0x80000000
	// OwnerDied is set by the kernel when a robust-futex owner exited.
	OwnerDied = 0x40000000
)

// cmd assembles the futex op word.  The kernel treats every futex as
// process-shared unless FUTEX_PRIVATE_FLAG is set, so "private" is the
// inverse of the caller's PSHARED flag.  FUTEX_CLOCK_REALTIME is honored
// only by the timed wait operations.
func cmd(op int, private, realtime bool) uintptr {
	if private {
		op |= unix.FUTEX_PRIVATE_FLAG
	}
	if realtime {
		op |= unix.FUTEX_CLOCK_REALTIME
	}
	return uintptr(op)
}

// LockPI blocks until the calling thread owns the futex, boosting the
// current owner to the caller's priority while it waits.  The kernel
// installs the caller's tid in the word on success.
func LockPI(uaddr *uint32, private bool) unix.Errno {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(uaddr)),
		cmd(unix.FUTEX_LOCK_PI, private, false),
		0, 0, 0, 0)
	return e
}

// TryLockPI attempts a non-blocking acquisition.  EAGAIN means the futex is
// held by another thread; EDEADLK means it is held by the caller.
func TryLockPI(uaddr *uint32, private bool) unix.Errno {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(uaddr)),
		cmd(unix.FUTEX_TRYLOCK_PI, private, false),
		0, 0, 0, 0)
	return e
}

// UnlockPI releases the futex, transferring ownership to the
// highest-priority waiter if there is one.  The caller must be the owner.
func UnlockPI(uaddr *uint32, private bool) unix.Errno {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(uaddr)),
		cmd(unix.FUTEX_UNLOCK_PI, private, false),
		0, 0, 0, 0)
	return e
}

// WaitRequeuePI atomically checks *uaddr == val and suspends the caller if
// they are equal; EAGAIN is returned if they differ.  A waker using
// CmpRequeuePI moves the suspended thread onto the PI futex at uaddr2, and
// the call returns success only once the caller owns uaddr2.  abstime, if
// non-nil, is an absolute deadline on the monotonic clock, or on the
// realtime clock when realtime is set; expiry is reported as ETIMEDOUT.
// uaddr2 must match the target passed by the waker.
func WaitRequeuePI(uaddr *uint32, val uint32, abstime *unix.Timespec, uaddr2 *uint32, private, realtime bool) unix.Errno {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(uaddr)),
		cmd(unix.FUTEX_WAIT_REQUEUE_PI, private, realtime),
		uintptr(val),
		uintptr(unsafe.Pointer(abstime)),
		uintptr(unsafe.Pointer(uaddr2)),
		0)
	return e
}

// CmpRequeuePI verifies *uaddr == expected, wakes up to nrWake waiters
// blocked on uaddr (the kernel requires nrWake == 1), and requeues up to
// nrRequeue more onto the PI futex at uaddr2, applying priority inheritance
// as each acquires it.  It returns the number of threads woken plus
// requeued.  EAGAIN means expected no longer matched, which callers treat
// as a retry.
func CmpRequeuePI(uaddr *uint32, expected uint32, nrWake, nrRequeue int, uaddr2 *uint32, private bool) (int, unix.Errno) {
	// The timeout argument slot carries nrRequeue for this op.
	n, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(uaddr)),
		cmd(unix.FUTEX_CMP_REQUEUE_PI, private, false),
		uintptr(nrWake),
		uintptr(nrRequeue),
		uintptr(unsafe.Pointer(uaddr2)),
		uintptr(expected))
	if e != 0 {
		return 0, e
	}
	return int(n), 0
}
