// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package rtpi_test

import (
	"io/ioutil"
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
	"v.io/x/lib/gosh"

	"v.io/x/rtpi"
)

// Cross-process PSHARED test: parent and child map the same file, which
// holds a Pshared mutex in its first cache line and a plain counter after
// it.  Both hammer non-atomic increments on the counter under the mutex; a
// final count equal to the sum of the iterations proves exclusion held
// across address spaces.

const (
	psharedMapLen        = 128
	psharedCounterOffset = 64
	psharedIters         = 2000
)

func mapPshared(path string) ([]byte, *rtpi.Mutex, *uint32, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), 0, psharedMapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, nil, err
	}
	mu := (*rtpi.Mutex)(unsafe.Pointer(&data[0]))
	counter := (*uint32)(unsafe.Pointer(&data[psharedCounterOffset]))
	return data, mu, counter, nil
}

func psharedHammerLoop(mu *rtpi.Mutex, counter *uint32, iters int) error {
	for i := 0; i != iters; i++ {
		if err := mu.Lock(); err != nil {
			return err
		}
		*counter++
		if err := mu.Unlock(); err != nil {
			return err
		}
	}
	return nil
}

var psharedHammer = gosh.RegisterFunc("psharedHammer", func(path string) error {
	data, mu, counter, err := mapPshared(path)
	if err != nil {
		return err
	}
	defer unix.Munmap(data)
	return psharedHammerLoop(mu, counter, psharedIters)
})

func TestMutexPsharedAcrossProcesses(t *testing.T) {
	sh := gosh.NewShell(t)
	defer sh.Cleanup()

	f, err := ioutil.TempFile("", "rtpi-pshared-")
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if err := f.Truncate(psharedMapLen); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, mu, counter, err := mapPshared(path)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer unix.Munmap(data)
	if err := mu.Init(rtpi.Pshared); err != nil {
		t.Fatalf("Init: %v", err)
	}

	c := sh.FuncCmd(psharedHammer, path)
	c.Start()
	if err := psharedHammerLoop(mu, counter, psharedIters); err != nil {
		t.Fatalf("hammer: %v", err)
	}
	c.Wait()

	if got, want := *counter, uint32(2*psharedIters); got != want {
		t.Errorf("counter: got %d, want %d (lost increments imply broken exclusion)", got, want)
	}
}

func TestMain(m *testing.M) {
	gosh.InitMain()
	os.Exit(m.Run())
}
