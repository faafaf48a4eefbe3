package proxy

import "sync/atomic"

// atomicCounter is a tiny wrapper kept solely to avoid repeating the
// atomic.Uint64 incantation at every call site.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) add(n uint64) { c.v.Add(n) }
func (c *atomicCounter) load() uint64 { return c.v.Load() }
