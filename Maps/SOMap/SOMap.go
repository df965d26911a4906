/*
Package SOMap implements a lock-free hash map as a single split-ordered
linked list (Shalev–Shavit) with lazily materialized bucket dummies. Keys
are 32-bit hashes; hash equality is key equality, so the distribution is the
caller's responsibility. Safe traversal and node reclamation are mediated by
the Hazards package: all operations go through an Accessor, which owns the
three hazard slots its traversals publish into.
*/
package SOMap

import (
	"sync/atomic"
	"unsafe"

	"github.com/g-m-twostay/hazmap/Hazards"
)

// anchor is one published bucket entry: the address of that bucket's dummy
// node in the list, nil until lazily initialized. Dummies are never deleted,
// so a published anchor stays valid across table growth.
type anchor struct {
	p unsafe.Pointer
}

func (a *anchor) get() *node {
	return (*node)(atomic.LoadPointer(&a.p))
}

func (a *anchor) publish(n *node) bool {
	return atomic.CompareAndSwapPointer(&a.p, nil, unsafe.Pointer(n))
}

// table pairs the bucket array with its size so readers always observe a
// matching pair; growth publishes a whole new descriptor.
type table struct {
	anchors []anchor
	mask    uint32
}

func (t *table) slot(h uint32) uint32 {
	return h & t.mask
}

// SOMap is the split-ordered hash map. Create Accessors with Access; the
// zero SOMap is not usable.
type SOMap[V any] struct {
	// MaxBucketLen is the target bucket length; an insert that walks past
	// more data nodes is a candidate for table doubling or an eager
	// single-bucket split. When neither condition in expand holds, the
	// insert leaves the table as it is.
	MaxBucketLen uint32
	tab          atomic.Pointer[table]
	size         atomic.Uintptr
	dom          *Hazards.Domain
}

// New SOMap with the given initial bucket count (a power of 2) and target
// bucket length (at least 1). The key-0 dummy is installed eagerly and
// remains the permanent list head; every other bucket materializes on first
// use.
func New[V any](buckets, maxBucketLen uint32) *SOMap[V] {
	if buckets == 0 || buckets&(buckets-1) != 0 {
		panic("SOMap: bucket count must be a power of 2")
	}
	if maxBucketLen < 1 {
		panic("SOMap: max bucket length must be at least 1")
	}
	m := &SOMap[V]{MaxBucketLen: maxBucketLen, dom: Hazards.NewDomain()}
	t := &table{anchors: make([]anchor, buckets), mask: buckets - 1}
	t.anchors[0].p = unsafe.Pointer(new(node))
	m.tab.Store(t)
	return m
}

// Size isn't linearizable; reading it during concurrent Insert and Remove
// calls can observe intermediate values.
func (m *SOMap[V]) Size() uint {
	return uint(m.size.Load())
}

// Buckets reports the current bucket count.
func (m *SOMap[V]) Buckets() uint32 {
	return uint32(len(m.tab.Load().anchors))
}

// Domain is the reclamation domain backing this map's nodes.
func (m *SOMap[V]) Domain() *Hazards.Domain {
	return m.dom
}

// grow doubles the bucket table, carrying the published anchors over. An
// anchor published into the old table while the copy runs may be missed;
// that is benign because initialization adopts a dummy already in the list,
// so a later re-initialization converges to the same node address.
func (m *SOMap[V]) grow(old *table) {
	nt := &table{anchors: make([]anchor, len(old.anchors)<<1), mask: old.mask<<1 | 1}
	for i := range old.anchors {
		nt.anchors[i].p = atomic.LoadPointer(&old.anchors[i].p)
	}
	m.tab.CompareAndSwap(old, nt)
}
