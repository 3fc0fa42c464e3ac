package worker

import "sync/atomic"

// DrainFlag is set once when the worker stops taking new work and is never
// cleared. The zero value is unset.
type DrainFlag struct {
	v atomic.Bool
}

// Set raises the flag. It reports true only for the call that raised it.
func (f *DrainFlag) Set() bool { return f.v.CompareAndSwap(false, true) }

func (f *DrainFlag) IsSet() bool { return f.v.Load() }
