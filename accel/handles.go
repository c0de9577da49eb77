package accel

import (
	"sync"

	"github.com/pkg/errors"
)

// HandlePool is a bounded array of handles addressed by index. It is safe for concurrent use.
//
// The runtime keeps one pool for event handles and one for memory handles on behalf of the layers above
// it, and one for the live kernels it compiled, so Finalize can release them.
type HandlePool[T any] struct {
	name  string
	mu    sync.Mutex
	items []T
	used  []bool
	free  []int
	count int
}

// NewHandlePool creates a pool with capacity entries.
func NewHandlePool[T any](name string, capacity int) *HandlePool[T] {
	p := &HandlePool[T]{
		name:  name,
		items: make([]T, capacity),
		used:  make([]bool, capacity),
		free:  make([]int, capacity),
	}
	// Lower indices are handed out first.
	for ii := range p.free {
		p.free[ii] = capacity - 1 - ii
	}
	return p
}

// Acquire stores value in a free entry and returns its index.
// It returns an error wrapping ErrResourceExhausted if the pool is full.
func (p *HandlePool[T]) Acquire(value T) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return -1, errors.Wrapf(ErrResourceExhausted, "%s pool full (%d entries)", p.name, len(p.items))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.items[idx] = value
	p.used[idx] = true
	p.count++
	return idx, nil
}

// Get returns the value stored at index, and whether the entry is in use.
func (p *HandlePool[T]) Get(index int) (value T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.items) || !p.used[index] {
		return value, false
	}
	return p.items[index], true
}

// Release frees the entry at index and returns the value it held.
func (p *HandlePool[T]) Release(index int) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	if index < 0 || index >= len(p.items) || !p.used[index] {
		return zero, errors.Wrapf(ErrInvalidArgument, "%s handle %d not in use", p.name, index)
	}
	value := p.items[index]
	p.items[index] = zero
	p.used[index] = false
	p.free = append(p.free, index)
	p.count--
	return value, nil
}

// Len returns the number of entries in use.
func (p *HandlePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Cap returns the capacity of the pool.
func (p *HandlePool[T]) Cap() int { return len(p.items) }

// Drain releases all entries, calling fn (if not nil) for each value in use, in index order.
func (p *HandlePool[T]) Drain(fn func(index int, value T)) {
	p.mu.Lock()
	var indices []int
	var values []T
	for ii, used := range p.used {
		if used {
			indices = append(indices, ii)
			values = append(values, p.items[ii])
		}
	}
	p.mu.Unlock()
	for ii, idx := range indices {
		if fn != nil {
			fn(idx, values[ii])
		}
		_, _ = p.Release(idx)
	}
}
