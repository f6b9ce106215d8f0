package pf

import "sync"

// Limits bounds the number of live objects per pool. Zero is unlimited.
type Limits [limitCount]int

// DefaultLimits returns the stock pool sizes.
func DefaultLimits() Limits {
	var l Limits
	l[LimitStates] = 10000
	l[LimitSrcNodes] = 10000
	l[LimitFrags] = 5000
	return l
}

// objPool recycles objects of one type and refuses allocations past its
// limit.
type objPool[T any] struct {
	pool  sync.Pool
	limit int
	inUse int
}

func newObjPool[T any](limit int) *objPool[T] {
	p := &objPool[T]{limit: limit}
	p.pool.New = func() any { return new(T) }
	return p
}

// get returns a zeroed object, or nil when the pool is exhausted.
func (p *objPool[T]) get() *T {
	if p.limit > 0 && p.inUse >= p.limit {
		return nil
	}
	p.inUse++
	x := p.pool.Get().(*T)
	var zero T
	*x = zero
	return x
}

func (p *objPool[T]) put(x *T) {
	var zero T
	*x = zero
	p.inUse--
	p.pool.Put(x)
}

func (p *objPool[T]) setLimit(limit int) { p.limit = limit }
