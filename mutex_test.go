// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package rtpi_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"v.io/x/rtpi"
)

func TestMutexInitFlags(t *testing.T) {
	var mu rtpi.Mutex
	require.ErrorIs(t, mu.Init(1<<7), rtpi.ErrInvalid)
	require.ErrorIs(t, mu.Init(rtpi.ClockRealtime), rtpi.ErrInvalid) // condvar-only bit
	require.NoError(t, mu.Init(0))
	require.NoError(t, mu.Destroy())
	require.NoError(t, mu.Init(rtpi.Pshared))
	require.NoError(t, mu.Destroy())
}

func TestMutexLockUnlock(t *testing.T) {
	mu, err := rtpi.NewMutex(0)
	require.NoError(t, err)
	require.NoError(t, mu.Lock())
	require.NoError(t, mu.Unlock())
	require.NoError(t, mu.Destroy())
}

func TestMutexSelfDeadlock(t *testing.T) {
	mu, err := rtpi.NewMutex(0)
	require.NoError(t, err)
	require.NoError(t, mu.Lock())
	require.ErrorIs(t, mu.Lock(), rtpi.ErrDeadlock)
	require.ErrorIs(t, mu.TryLock(), rtpi.ErrDeadlock)
	require.NoError(t, mu.Unlock())
}

func TestMutexTryLockContended(t *testing.T) {
	mu, err := rtpi.NewMutex(0)
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		if err := mu.Lock(); err != nil {
			done <- err
			return
		}
		close(locked)
		<-release
		done <- mu.Unlock()
	}()

	<-locked
	require.ErrorIs(t, mu.TryLock(), rtpi.ErrBusy)
	close(release)
	require.NoError(t, <-done)

	require.NoError(t, mu.TryLock())
	require.NoError(t, mu.Unlock())
}

func TestMutexUnlockNotOwner(t *testing.T) {
	mu, err := rtpi.NewMutex(0)
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		if err := mu.Lock(); err != nil {
			done <- err
			return
		}
		close(locked)
		<-release
		done <- mu.Unlock()
	}()

	<-locked
	require.ErrorIs(t, mu.Unlock(), rtpi.ErrNotOwner)
	close(release)
	require.NoError(t, <-done)

	// Unlocking a free mutex is a non-owner unlock too.
	require.ErrorIs(t, mu.Unlock(), rtpi.ErrNotOwner)
}

func TestMutexDestroyHeld(t *testing.T) {
	mu, err := rtpi.NewMutex(0)
	require.NoError(t, err)
	require.NoError(t, mu.Lock())
	require.ErrorIs(t, mu.Destroy(), rtpi.ErrBusy)
	require.NoError(t, mu.Unlock())
	require.NoError(t, mu.Destroy())
}

// TestMutexMutualExclusion has several threads increment a plain integer
// under the mutex, checking that no two are ever inside the critical
// section at once.
func TestMutexMutualExclusion(t *testing.T) {
	const threads = 8
	const iters = 5000

	mu, err := rtpi.NewMutex(0)
	if err != nil {
		t.Fatalf("NewMutex: %v", err)
	}
	var count int  // protected by mu
	var inside int // protected by mu; 1 while a thread is in the critical section

	var wg sync.WaitGroup
	for i := 0; i != threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j != iters; j++ {
				if err := mu.Lock(); err != nil {
					t.Errorf("Lock: %v", err)
					return
				}
				inside++
				if inside != 1 {
					t.Errorf("mutual exclusion violated: %d threads inside", inside)
				}
				count++
				inside--
				if err := mu.Unlock(); err != nil {
					t.Errorf("Unlock: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if count != threads*iters {
		t.Errorf("count: got %d, want %d", count, threads*iters)
	}
}

// TestMutexLockWhileContended checks that a lock blocked in the kernel is
// granted when the owner releases.
func TestMutexLockWhileContended(t *testing.T) {
	mu, err := rtpi.NewMutex(0)
	require.NoError(t, err)
	require.NoError(t, mu.Lock())

	acquired := make(chan error, 1)
	go func() {
		if err := mu.Lock(); err != nil {
			acquired <- err
			return
		}
		acquired <- mu.Unlock()
	}()

	// Give the second thread time to reach the kernel slow path.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mu.Unlock())
	require.NoError(t, <-acquired)
}
