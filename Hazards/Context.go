package Hazards

import "unsafe"

// Context is a single-goroutine handle over a Domain: a reserved block of
// hazard slots plus a bounded local retired list. Hand one to each worker;
// sharing a Context between goroutines aliases slot ownership and is a
// caller bug. Pass it around freely within its goroutine, but never copy a
// live Context.
type Context[T any] struct {
	// Free destroys retired objects once unprotected. Nil leaves them to the
	// garbage collector.
	Free Reclaimer
	dom  *Domain
	hp   []Slot
	dead []unsafe.Pointer
	n    int
}

// NewContext reserves a block of slots hazard slots from dom and a local
// retired list of capacity retired. retired==0 forwards every Retire call
// straight to the domain.
func NewContext[T any](dom *Domain, slots, retired int) *Context[T] {
	return &Context[T]{dom: dom, hp: dom.Reserve(slots), dead: make([]unsafe.Pointer, retired)}
}

// Hazard returns slot i of this context's block. Out of range panics.
func (c *Context[T]) Hazard(i int) *Slot {
	return &c.hp[i]
}

// Slots reports the size of the reserved block.
func (c *Context[T]) Slots() int {
	return len(c.hp)
}

// Domain this context reserves from.
func (c *Context[T]) Domain() *Domain {
	return c.dom
}

// Retire p for deferred destruction. When the local list fills and a reclaim
// pass frees nothing, the whole list moves to the domain's shared stack.
func (c *Context[T]) Retire(p *T) {
	if len(c.dead) == 0 {
		c.dom.Retire(unsafe.Pointer(p), c.Free)
		return
	}
	c.dead[c.n] = unsafe.Pointer(p)
	if c.n++; c.n == len(c.dead) {
		c.reclaim()
	}
}

// reclaim frees every local entry absent from the hazard snapshot and
// compacts the survivors to the front.
func (c *Context[T]) reclaim() {
	s := c.dom.Snapshot()
	kept := 0
	for _, p := range c.dead[:c.n] {
		if s.Has(p) {
			c.dead[kept] = p
			kept++
		} else if c.Free != nil {
			c.Free.Reclaim(p)
		}
	}
	for i := kept; i < c.n; i++ {
		c.dead[i] = nil
	}
	if c.n = kept; kept == len(c.dead) {
		c.dom.RetireAll(c.dead, c.Free)
		c.n = 0
	}
}

// Drop releases the slot block back to the domain, hands any remaining
// retired entries over, and runs a collection pass. The context is dead
// afterwards.
func (c *Context[T]) Drop() {
	c.dom.Release(c.hp)
	c.hp = nil
	c.dom.RetireAll(c.dead[:c.n], c.Free)
	c.n = 0
	c.dom.Collect()
}
