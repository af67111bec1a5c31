package sync

import (
	"fmt"
	base "sync"
)

const vnodesPerStripe = 200

// StripedLock maps an unbounded key space onto a fixed set of mutexes. Keys
// sharing a stripe serialize, so stripes should comfortably outnumber the
// expected concurrency.
type StripedLock struct {
	locks   []base.RWMutex
	stripes *ring[int]
}

// NewStripedLock returns a StripedLock with the given number of stripes
func NewStripedLock(stripes uint) *StripedLock {
	members := make(map[string]int, stripes)
	for i := 0; i < int(stripes); i++ {
		members[fmt.Sprintf("lock%d", i)] = i
	}

	return &StripedLock{
		locks:   make([]base.RWMutex, stripes),
		stripes: newRing(members, vnodesPerStripe),
	}
}

// Get returns the mutex guarding key
func (l *StripedLock) Get(key []byte) *base.RWMutex {
	return &l.locks[l.stripes.get(key)]
}

// Lock acquires the write lock for key and returns the function releasing it
func (l *StripedLock) Lock(key string) func() {
	mu := l.Get([]byte(key))
	mu.Lock()
	return mu.Unlock
}
