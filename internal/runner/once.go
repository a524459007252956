package runner

import (
	"sync/atomic"
	"time"
)

// onceTime is a first-write-wins timestamp. Later Sets are ignored, so a
// late chunk can never overwrite the first-token instant.
type onceTime struct {
	p atomic.Pointer[time.Time]
}

// Set reports whether t was stored.
func (o *onceTime) Set(t time.Time) bool {
	return o.p.CompareAndSwap(nil, &t)
}

func (o *onceTime) Get() (time.Time, bool) {
	t := o.p.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// Ptr returns a copy suitable for a RequestResult, or nil if unset.
func (o *onceTime) Ptr() *time.Time {
	t, ok := o.Get()
	if !ok {
		return nil
	}
	return &t
}
