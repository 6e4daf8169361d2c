// Package osal provides the operating system primitives the session layer
// is written against: a mutex acquired with a timeout and an event-flag group
// that can be set from callback context without blocking.
package osal

import (
	"errors"
	"time"

	"code.hybscloud.com/atomix"
)

// WaitForever disables the timeout of Acquire and Wait.
const WaitForever time.Duration = -1

var (
	ErrTimeout  = errors.New("osal: timeout")
	ErrNotOwned = errors.New("osal: release of unlocked mutex")
)

// Mutex is a non-reentrant lock whose acquisition can time out.
// The zero value is not usable; create one with NewMutex.
type Mutex struct {
	sem chan struct{}
}

func NewMutex() *Mutex {
	return &Mutex{sem: make(chan struct{}, 1)}
}

// Acquire locks m, waiting at most timeout. A zero timeout tries once.
func (m *Mutex) Acquire(timeout time.Duration) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	default:
	}
	switch {
	case timeout == 0:
		return ErrTimeout
	case timeout < 0:
		m.sem <- struct{}{}
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// Release unlocks m. It fails if m is not locked.
func (m *Mutex) Release() error {
	select {
	case <-m.sem:
		return nil
	default:
		return ErrNotOwned
	}
}

// WaitOption modifies the behavior of EventFlags.Wait.
type WaitOption uint8

const (
	// WaitAny returns when any of the requested flags is set.
	WaitAny WaitOption = 0
	// WaitAll returns when all of the requested flags are set.
	WaitAll WaitOption = 1 << 0
	// NoClear leaves the matched flags set on return.
	NoClear WaitOption = 1 << 1
)

// EventFlags is a 32 bit event-flag group. Set and Clear never block and may
// be called from any goroutine. Wait supports a single waiter at a time.
type EventFlags struct {
	bits atomix.Uint32
	wake chan struct{}
}

func NewEventFlags() *EventFlags {
	return &EventFlags{wake: make(chan struct{}, 1)}
}

// Set ORs flags into the group and returns the resulting flags.
func (ef *EventFlags) Set(flags uint32) uint32 {
	var v uint32
	for {
		old := ef.bits.Load()
		v = old | flags
		if ef.bits.CompareAndSwap(old, v) {
			break
		}
	}
	select {
	case ef.wake <- struct{}{}:
	default:
	}
	return v
}

// Clear clears flags and returns the flags as they were before clearing.
func (ef *EventFlags) Clear(flags uint32) uint32 {
	for {
		old := ef.bits.Load()
		if ef.bits.CompareAndSwap(old, old&^flags) {
			return old
		}
	}
}

// Get returns the current flags.
func (ef *EventFlags) Get() uint32 { return ef.bits.Load() }

// Wait blocks until the flags selected by opt are set or timeout elapses.
// It returns the flags as they were when the condition was met. Unless
// NoClear is given the awaited flags are cleared atomically on return.
func (ef *EventFlags) Wait(flags uint32, opt WaitOption, timeout time.Duration) (uint32, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if v, ok := ef.take(flags, opt); ok {
			return v, nil
		}
		if timeout == 0 {
			return ef.bits.Load(), ErrTimeout
		}
		if timeout < 0 {
			<-ef.wake
			continue
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return ef.bits.Load(), ErrTimeout
		}
		t := time.NewTimer(remain)
		select {
		case <-ef.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

func (ef *EventFlags) take(flags uint32, opt WaitOption) (uint32, bool) {
	for {
		old := ef.bits.Load()
		match := old & flags
		if match == 0 || (opt&WaitAll != 0 && match != flags) {
			return old, false
		}
		if opt&NoClear != 0 || ef.bits.CompareAndSwap(old, old&^flags) {
			return old, true
		}
	}
}
