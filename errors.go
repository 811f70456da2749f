// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package rtpi

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errors returned by the rtpi primitives.  Kernel errnos outside this set
// pass through as unix.Errno values.
var (
	// ErrInvalid reports unknown flag bits, a PSHARED mismatch between a
	// condition variable and its mutex, or a malformed deadline.
	ErrInvalid = errors.New("rtpi: invalid argument")

	// ErrBusy reports a TryLock on a mutex held elsewhere, a Destroy of a
	// held mutex, or a condition variable destroy with lingering waiters.
	ErrBusy = errors.New("rtpi: resource busy")

	// ErrDeadlock reports a lock attempt by the thread that already owns
	// the mutex.
	ErrDeadlock = errors.New("rtpi: resource deadlock would occur")

	// ErrTimeout reports that a TimedWait reached its absolute deadline.
	// The associated mutex has been re-acquired.
	ErrTimeout = errors.New("rtpi: wait timed out")

	// ErrInterrupted reports that a wait was interrupted by signal
	// delivery.  The associated mutex has been re-acquired.
	ErrInterrupted = errors.New("rtpi: wait interrupted")

	// ErrNotOwner reports an unlock attempt by a thread that does not own
	// the mutex.
	ErrNotOwner = errors.New("rtpi: caller does not own mutex")
)

// errnoErr translates a kernel errno into the package taxonomy.  EAGAIN is
// deliberately absent: it is either a transient requeue race recovered by
// the caller, or trylock contention, and each call site maps it itself.
func errnoErr(e unix.Errno) error {
	switch e {
	case 0:
		return nil
	case unix.EINVAL:
		return ErrInvalid
	case unix.EBUSY:
		return ErrBusy
	case unix.EDEADLK:
		return ErrDeadlock
	case unix.ETIMEDOUT:
		return ErrTimeout
	case unix.EINTR:
		return ErrInterrupted
	case unix.EPERM:
		return ErrNotOwner
	}
	return e
}
