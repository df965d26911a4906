package SOMap

import (
	"math/bits"
	"unsafe"

	"github.com/g-m-twostay/hazmap/Hazards"
)

// slot roles within an accessor's hazard block.
const (
	hpPrev = iota
	hpCur
	hpNext
	hpLen
)

// Accessor is a single-goroutine handle over one SOMap. It owns the three
// hazard slots (prev/cur/next) its traversals publish into and the local
// retired list for nodes it unlinks. Like its context, an Accessor moves
// between owners but is never shared.
type Accessor[V any] struct {
	m     *SOMap[V]
	ctx   *Hazards.Context[node]
	steps uint32
}

// Access creates an Accessor. retired bounds the accessor-local retired
// list; 0 retires unlinked nodes straight to the map's domain.
func (m *SOMap[V]) Access(retired int) *Accessor[V] {
	return &Accessor[V]{m: m, ctx: Hazards.NewContext[node](m.dom, hpLen, retired)}
}

// Drop releases the accessor's hazard slots and flushes its retired list.
// Pointers returned by Find are dead afterwards.
func (a *Accessor[V]) Drop() {
	a.ctx.Drop()
}

// find positions the traversal at the first node with key >= at, starting
// from the dummy b. It returns (prev, cur, found); cur stays protected by
// the cur slot until the accessor's next operation. Every pointer is
// published to its slot and then revalidated against the link it was loaded
// from before being dereferenced. Tombstoned nodes met on the way are
// unlinked and retired, so marked nodes never outnumber in-flight deletes.
func (a *Accessor[V]) find(b *node, at uint32) (prev, cur *node, found bool) {
retry:
	prev = b
	a.ctx.Hazard(hpPrev).Set(unsafe.Pointer(prev))
	a.steps = 0
	curPtr, _ := prev.nx.load()
	for {
		if cur = (*node)(curPtr); cur == nil {
			return prev, nil, false
		}
		a.ctx.Hazard(hpCur).Set(curPtr)
		if p, mk := prev.nx.load(); p != curPtr || mk {
			goto retry // prev moved or died under us; curPtr may be unreachable
		}
		nxtPtr, mk := cur.nx.load()
		a.ctx.Hazard(hpNext).Set(nxtPtr)
		if p, mk2 := cur.nx.load(); p != nxtPtr || mk2 != mk {
			continue
		}
		if mk {
			if !prev.nx.cas(curPtr, nxtPtr) {
				goto retry
			}
			a.ctx.Retire(cur)
			curPtr = nxtPtr
			continue
		}
		if cur.key >= at {
			return prev, cur, cur.key == at
		}
		if !cur.isDummy() {
			a.steps++
		}
		prev = cur
		a.ctx.Hazard(hpPrev).Set(curPtr)
		curPtr = nxtPtr
	}
}

// Find the value stored under hash h. The returned pointer is valid only
// while the accessor's cur slot protects its node, i.e. until the next
// operation on this accessor.
func (a *Accessor[V]) Find(h uint32) *V {
	b := a.bucket(a.m.tab.Load(), h)
	if _, cur, found := a.find(b, dataKey(h)); found {
		return (*V)(cur.v)
	}
	return nil
}

// Has reports whether hash h is present.
func (a *Accessor[V]) Has(h uint32) bool {
	_, _, found := a.find(a.bucket(a.m.tab.Load(), h), dataKey(h))
	return found
}

// Insert v under hash h, failing when h is already present.
func (a *Accessor[V]) Insert(h uint32, v V) bool {
	key := dataKey(h)
	nd := &node{key: key, hash: h, v: unsafe.Pointer(&v)}
	for {
		t := a.m.tab.Load()
		prev, cur, found := a.find(a.bucket(t, h), key)
		if found {
			return false
		}
		nd.nx.p = unsafe.Pointer(cur)
		// protect nd before it becomes reachable: a racing delete may
		// unlink and retire it while the expansion check still walks it.
		a.ctx.Hazard(hpCur).Set(unsafe.Pointer(nd))
		if prev.nx.cas(unsafe.Pointer(cur), unsafe.Pointer(nd)) {
			a.m.size.Add(1)
			a.expand(t, h, nd)
			return true
		}
	}
}

// Remove the entry under hash h, reporting whether this call logically
// deleted it. The unlink is best-effort; a loser leaves it to the next
// traversal.
func (a *Accessor[V]) Remove(h uint32) bool {
	key := dataKey(h)
	for {
		t := a.m.tab.Load()
		prev, cur, found := a.find(a.bucket(t, h), key)
		if !found {
			return false
		}
		nxtPtr, mk := cur.nx.load()
		if mk || !cur.nx.casTag(nxtPtr, false, nxtPtr, true) {
			continue
		}
		a.m.size.Add(^uintptr(0))
		if prev.nx.cas(unsafe.Pointer(cur), nxtPtr) {
			a.ctx.Retire(cur)
		}
		return true
	}
}

// Range calls yield with each present (hash, value) until it returns false.
// Range isn't linearizable: entries inserted or removed while it runs may or
// may not be observed, and a traversal race can revisit a prefix.
func (a *Accessor[V]) Range(yield func(uint32, *V) bool) {
retry:
	prev := a.m.tab.Load().anchors[0].get()
	a.ctx.Hazard(hpPrev).Set(unsafe.Pointer(prev))
	curPtr, _ := prev.nx.load()
	for {
		cur := (*node)(curPtr)
		if cur == nil {
			return
		}
		a.ctx.Hazard(hpCur).Set(curPtr)
		if p, mk := prev.nx.load(); p != curPtr || mk {
			goto retry
		}
		nxtPtr, mk := cur.nx.load()
		a.ctx.Hazard(hpNext).Set(nxtPtr)
		if p, mk2 := cur.nx.load(); p != nxtPtr || mk2 != mk {
			continue
		}
		if !mk && !cur.isDummy() {
			if !yield(cur.hash, (*V)(cur.v)) {
				return
			}
		}
		prev = cur
		a.ctx.Hazard(hpPrev).Set(curPtr)
		curPtr = nxtPtr
	}
}

// bucket returns the dummy anchoring h's bucket in t, materializing it on
// first use.
func (a *Accessor[V]) bucket(t *table, h uint32) *node {
	s := t.slot(h)
	if b := t.anchors[s].get(); b != nil {
		return b
	}
	return a.initBucket(t, s)
}

// initBucket materializes the dummy for bucket s: find the nearest
// initialized parent by stepping the anchor key down, link a fresh dummy at
// its ordered position, and publish it. A lost race adopts the incumbent, so
// the anchor always ends up at the unique dummy with key dummyKey(s).
func (a *Accessor[V]) initBucket(t *table, s uint32) *node {
	key := dummyKey(s)
	step := dummyKey(uint32(len(t.anchors)) >> 1)
	var parent *node
	for k := key; ; {
		k -= step
		if parent = t.anchors[bits.Reverse32(k)].get(); parent != nil {
			break
		}
	}
	nd := &node{key: key, hash: s}
	for {
		if b := t.anchors[s].get(); b != nil {
			return b
		}
		prev, cur, found := a.find(parent, key)
		if found {
			t.anchors[s].publish(cur)
			return t.anchors[s].get()
		}
		nd.nx.p = unsafe.Pointer(cur)
		if prev.nx.cas(unsafe.Pointer(cur), unsafe.Pointer(nd)) {
			t.anchors[s].publish(nd)
			return t.anchors[s].get()
		}
	}
}

// bucketRun counts the data nodes chained through nd, continuing the count
// begun by the inserting traversal. It gives up, returning what it has, when
// the neighborhood changes mid-walk; the expansion policy tolerates an
// undercount.
func (a *Accessor[V]) bucketRun(nd *node) uint32 {
	n := a.steps + 1
	for cur := nd; ; {
		nxtPtr, mk := cur.nx.load()
		a.ctx.Hazard(hpNext).Set(nxtPtr)
		if p, mk2 := cur.nx.load(); p != nxtPtr || mk2 != mk {
			return n
		}
		nxt := (*node)(nxtPtr)
		if mk || nxt == nil || nxt.isDummy() {
			return n
		}
		n++
		cur = nxt
		a.ctx.Hazard(hpCur).Set(nxtPtr)
	}
}

// expand applies the growth policy after a successful insert of h into the
// table t it was found through. Doubling publishes a new descriptor and
// eagerly splits the inserted key's bucket; a mere overflow without global
// pressure splits just that bucket when its sibling slot already exists.
func (a *Accessor[V]) expand(t *table, h uint32, nd *node) {
	steps := a.bucketRun(nd)
	if steps <= a.m.MaxBucketLen {
		return
	}
	n := uint32(len(t.anchors))
	s := t.slot(h)
	if steps >= a.m.MaxBucketLen*2 || uint32(a.m.Size()) >= a.m.MaxBucketLen*n {
		a.m.grow(t)
		if nt := a.m.tab.Load(); s+n < uint32(len(nt.anchors)) && nt.anchors[s+n].get() == nil {
			a.initBucket(nt, s+n)
		}
	} else if s+n/2 < n && t.anchors[s+n/2].get() == nil {
		a.initBucket(t, s+n/2)
	}
}
