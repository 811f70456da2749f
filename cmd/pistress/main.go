// Copyright 2022 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Command pistress exercises the rtpi priority-inheritance primitives.
//
// Usage: pistress [flags] [pingpong|storm|timeout]
//
// pingpong bounces ownership of a mutex between two threads through a pair
// of condition variables and reports signal-to-wake latency percentiles.
// With --fifo it runs the threads under SCHED_FIFO (the waiter one priority
// above the signaler), which needs privilege, and makes the latencies a
// direct observation of the kernel's PI hand-off.
//
// storm runs many waiters against many signalers, optionally rate limited,
// mixing Signal and Broadcast, and fails if the waiters stop making
// progress.
//
// timeout runs waiters with randomized absolute deadlines and no
// signalers, and fails if any wait returns before its deadline.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"v.io/x/lib/cmd/pflagvar"
	"v.io/x/lib/vlog"

	"v.io/x/rtpi"
)

var flags struct {
	Duration       time.Duration `flag:"duration,2s,how long each mode runs"`
	Waiters        int           `flag:"waiters,4,waiter threads for the storm and timeout modes"`
	Signalers      int           `flag:"signalers,2,signaler threads for the storm mode"`
	Rate           float64       `flag:"rate,0,signals per second per signaler in storm mode; 0 means unpaced"`
	BroadcastEvery int           `flag:"broadcast-every,16,every n-th wake in storm mode is a broadcast; 0 disables broadcasts"`
	Pshared        bool          `flag:"pshared,false,use the process-shared futex ops"`
	Realtime       bool          `flag:"clock-realtime,false,interpret deadlines on the wall clock"`
	FIFOPriority   int           `flag:"fifo,0,run threads under SCHED_FIFO at this priority; 0 disables"`
}

func main() {
	if err := pflagvar.RegisterFlagsInStruct(pflag.CommandLine, "flag", &flags, nil, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine) // vlog's flags
	pflag.Parse()
	if err := vlog.ConfigureLibraryLoggerFromFlags(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	mode := "pingpong"
	if pflag.NArg() > 0 {
		mode = pflag.Arg(0)
	}
	var err error
	switch mode {
	case "pingpong":
		err = runPingpong()
	case "storm":
		err = runStorm()
	case "timeout":
		err = runTimeout()
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		vlog.Errorf("pistress %s: %v", mode, err)
		os.Exit(1)
	}
}

func condFlags() uint32 {
	f := uint32(0)
	if flags.Pshared {
		f |= rtpi.Pshared
	}
	if flags.Realtime {
		f |= rtpi.ClockRealtime
	}
	return f
}

func mutexFlags() uint32 {
	return condFlags() & rtpi.Pshared
}

// setSchedFIFO moves the calling thread to SCHED_FIFO at the given
// priority.  x/sys has no wrapper for sched_setscheduler at the pinned
// version, so the raw call lives here.
func setSchedFIFO(priority int) error {
	param := struct{ priority int32 }{int32(priority)}
	_, _, e := unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, 0,
		uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(&param)))
	if e != 0 {
		return e
	}
	return nil
}

// applyFIFO is called at the start of each worker thread; boost ranks the
// thread above its peers (the pingpong waiter sits above the signaler so
// that blocking on the held mutex exercises the PI boost).
func applyFIFO(boost int) error {
	if flags.FIFOPriority == 0 {
		return nil
	}
	return setSchedFIFO(flags.FIFOPriority + boost)
}

// ---------------------------

// reportLatencies prints percentiles of the collected signal-to-wake
// latencies.
func reportLatencies(name string, lat []time.Duration) {
	if len(lat) == 0 {
		fmt.Printf("%s: no samples\n", name)
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	pct := func(p int) time.Duration { return lat[(len(lat)-1)*p/100] }
	fmt.Printf("%s: %d wakes  p50 %v  p90 %v  p99 %v  max %v\n",
		name, len(lat), pct(50), pct(90), pct(99), lat[len(lat)-1])
}

// pingpongState is the shared state of the two pingpong threads.
type pingpongState struct {
	mu *rtpi.Mutex
	cv [2]*rtpi.Cond

	i       int       // parity decides whose turn it is; protected by mu
	stamp   time.Time // taken just before each Signal; protected by mu
	stopped bool      // protected by mu
}

func (pp *pingpongState) run(parity int, boost int, lat *[]time.Duration) error {
	if err := applyFIFO(boost); err != nil {
		return fmt.Errorf("SCHED_FIFO: %v", err)
	}
	if err := pp.mu.Lock(); err != nil {
		return err
	}
	for !pp.stopped {
		for (pp.i&1) == parity && !pp.stopped {
			if err := pp.cv[parity].Wait(); err != nil {
				pp.mu.Unlock()
				return err
			}
		}
		if pp.stopped {
			break
		}
		if !pp.stamp.IsZero() {
			*lat = append(*lat, time.Since(pp.stamp))
		}
		pp.i++
		pp.stamp = time.Now()
		if err := pp.cv[1-parity].Signal(); err != nil {
			pp.mu.Unlock()
			return err
		}
	}
	return pp.mu.Unlock()
}

func runPingpong() error {
	pp := &pingpongState{}
	var err error
	if pp.mu, err = rtpi.NewMutex(mutexFlags()); err != nil {
		return err
	}
	for i := range pp.cv {
		if pp.cv[i], err = rtpi.NewCond(pp.mu, condFlags()); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	lats := make([][]time.Duration, 2)
	for parity := 0; parity != 2; parity++ {
		parity := parity
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The even thread waits first; give it the priority boost.
			errs[parity] = pp.run(parity, 1-parity, &lats[parity])
		}()
	}

	time.Sleep(flags.Duration)
	if err := pp.mu.Lock(); err != nil {
		return err
	}
	pp.stopped = true
	for i := range pp.cv {
		if err := pp.cv[i].Broadcast(); err != nil {
			pp.mu.Unlock()
			return err
		}
	}
	if err := pp.mu.Unlock(); err != nil {
		return err
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	reportLatencies("pingpong", append(lats[0], lats[1]...))
	return nil
}

// ---------------------------

// stormState is the storm mode's shared state.
type stormState struct {
	mu *rtpi.Mutex
	cv *rtpi.Cond

	pending int  // wake tokens produced by signalers; protected by mu
	wakes   int  // tokens consumed by waiters; protected by mu
	stopped bool // protected by mu
}

func (s *stormState) waiter() error {
	if err := applyFIFO(1); err != nil {
		return fmt.Errorf("SCHED_FIFO: %v", err)
	}
	if err := s.mu.Lock(); err != nil {
		return err
	}
	for !s.stopped {
		for s.pending == 0 && !s.stopped {
			ts, err := s.cv.DeadlineAfter(100 * time.Millisecond)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			switch err := s.cv.TimedWait(ts); err {
			case nil, rtpi.ErrTimeout:
			default:
				s.mu.Unlock()
				return err
			}
		}
		if s.pending > 0 {
			s.pending--
			s.wakes++
		}
	}
	return s.mu.Unlock()
}

func (s *stormState) signaler(n int) error {
	if err := applyFIFO(0); err != nil {
		return fmt.Errorf("SCHED_FIFO: %v", err)
	}
	var limiter *rate.Limiter
	if flags.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(flags.Rate), 1)
	}
	ctx := context.Background()
	for i := 0; ; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.mu.Lock(); err != nil {
			return err
		}
		if s.stopped {
			return s.mu.Unlock()
		}
		broadcast := flags.BroadcastEvery > 0 && i%flags.BroadcastEvery == flags.BroadcastEvery-1
		if broadcast {
			s.pending += flags.Waiters
		} else {
			s.pending++
		}
		if err := s.mu.Unlock(); err != nil {
			return err
		}
		// Signal outside the mutex: the generation protocol must tolerate
		// racing with waiter arrivals.
		if broadcast {
			if err := s.cv.Broadcast(); err != nil {
				return err
			}
		} else if err := s.cv.Signal(); err != nil {
			return err
		}
	}
}

func runStorm() error {
	s := &stormState{}
	var err error
	if s.mu, err = rtpi.NewMutex(mutexFlags()); err != nil {
		return err
	}
	if s.cv, err = rtpi.NewCond(s.mu, condFlags()); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, flags.Waiters+flags.Signalers)
	for i := 0; i != flags.Waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.waiter()
		}()
	}
	for i := 0; i != flags.Signalers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[flags.Waiters+i] = s.signaler(i)
		}()
	}

	// Watch for stalls while the clock runs.
	deadline := time.Now().Add(flags.Duration)
	lastWakes, lastProgress := 0, time.Now()
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		if err := s.mu.Lock(); err != nil {
			return err
		}
		w := s.wakes
		if err := s.mu.Unlock(); err != nil {
			return err
		}
		if w != lastWakes {
			lastWakes, lastProgress = w, time.Now()
		} else if time.Since(lastProgress) > 5*time.Second {
			return fmt.Errorf("no waiter progress for %v (%d wakes so far)", time.Since(lastProgress), w)
		}
	}

	if err := s.mu.Lock(); err != nil {
		return err
	}
	s.stopped = true
	total := s.wakes
	if err := s.cv.Broadcast(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.mu.Unlock(); err != nil {
		return err
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if total == 0 {
		return fmt.Errorf("no wakes in %v", flags.Duration)
	}
	fmt.Printf("storm: %d wakes in %v (%.0f/s)\n", total, flags.Duration, float64(total)/flags.Duration.Seconds())
	return nil
}

// ---------------------------

func runTimeout() error {
	mu, err := rtpi.NewMutex(mutexFlags())
	if err != nil {
		return err
	}
	cv, err := rtpi.NewCond(mu, condFlags())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, flags.Waiters)
	early := make([]int, flags.Waiters)
	waits := make([]int, flags.Waiters)
	stop := time.Now().Add(flags.Duration)
	for i := 0; i != flags.Waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(i)))
			for time.Now().Before(stop) {
				d := time.Duration(1+rng.Intn(10000)) * time.Microsecond
				start := time.Now()
				ts, err := cv.DeadlineAfter(d)
				if err != nil {
					errs[i] = err
					return
				}
				if err := mu.Lock(); err != nil {
					errs[i] = err
					return
				}
				werr := cv.TimedWait(ts)
				if uerr := mu.Unlock(); uerr != nil {
					errs[i] = uerr
					return
				}
				if werr != rtpi.ErrTimeout {
					errs[i] = fmt.Errorf("wait with no signaler: %v", werr)
					return
				}
				if time.Since(start) < d {
					early[i]++
				}
				waits[i]++
			}
		}()
	}
	wg.Wait()

	totalEarly, totalWaits := 0, 0
	for i := range errs {
		if errs[i] != nil {
			return errs[i]
		}
		totalEarly += early[i]
		totalWaits += waits[i]
	}
	fmt.Printf("timeout: %d timed waits, %d early returns\n", totalWaits, totalEarly)
	if totalEarly > 0 {
		return fmt.Errorf("%d waits returned before their deadline", totalEarly)
	}
	return nil
}
