package sync

import (
	"encoding/binary"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/spaolacci/murmur3"
)

// ring is a consistent hash ring of virtual nodes keyed by murmur3 hashes
type ring[T any] struct {
	nodes *treemap.Map

	// first wraps lookups past the largest hash. Cached since Min is O(log n).
	first T
}

// newRing places vnodes virtual nodes on the ring for every member
func newRing[T any](members map[string]T, vnodes int) *ring[T] {
	nodes := treemap.NewWith(utils.Int64Comparator)
	for name, member := range members {
		seed, _ := murmur3.Sum128([]byte(name))
		for i := 0; i < vnodes; i++ {
			nodes.Put(vnodeHash(seed, uint32(i)), member)
		}
	}

	r := &ring[T]{nodes: nodes}
	if _, first := nodes.Min(); first != nil {
		r.first = first.(T)
	}
	return r
}

func vnodeHash(seed uint64, index uint32) int64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint32(buf[8:], index)

	hash, _ := murmur3.Sum128(buf[:])
	return int64(hash)
}

// get returns the member owning key, the first node clockwise from its hash
func (r *ring[T]) get(key []byte) T {
	hash, _ := murmur3.Sum128(key)
	if _, member := r.nodes.Ceiling(int64(hash)); member != nil {
		return member.(T)
	}
	return r.first
}
