// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package rtpi

import "unsafe"

const cacheLine = 64

// alignedBlock returns n bytes of zeroed storage starting on a cache-line
// boundary.  The returned pointer keeps the backing array reachable.
func alignedBlock(n uintptr) unsafe.Pointer {
	buf := make([]byte, n+cacheLine-1)
	off := uintptr(unsafe.Pointer(&buf[0])) % cacheLine
	if off != 0 {
		off = cacheLine - off
	}
	return unsafe.Pointer(&buf[off])
}

// NewMutex returns an initialized Mutex placed on a cache-line boundary.
// Go cannot over-align a declared struct, so this is the supported way to
// get the aligned layout; a Mutex declared inline still works, with
// possible false sharing.
func NewMutex(flags uint32) (*Mutex, error) {
	mu := (*Mutex)(alignedBlock(unsafe.Sizeof(Mutex{})))
	if err := mu.Init(flags); err != nil {
		return nil, err
	}
	return mu, nil
}

// NewCond returns an initialized Cond bound to mu, placed on a cache-line
// boundary.
func NewCond(mu *Mutex, flags uint32) (*Cond, error) {
	c := (*Cond)(alignedBlock(unsafe.Sizeof(Cond{})))
	if err := c.Init(mu, flags); err != nil {
		return nil, err
	}
	return c, nil
}
