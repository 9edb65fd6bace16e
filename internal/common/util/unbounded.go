package util

import (
	"sync"
)

// Unbounded is a FIFO channel without a capacity limit: Push never blocks.
// Values are delivered on Out in push order. After Close, values already pushed are still
// delivered and then Out is closed.
type Unbounded[T any] struct {
	mu     sync.Mutex
	buffer []T
	closed bool
	wake   chan struct{}
	out    chan T
}

func NewUnbounded[T any]() *Unbounded[T] {
	u := &Unbounded[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go u.pump()
	return u
}

// Push appends v. It returns false if the channel has been closed.
func (u *Unbounded[T]) Push(v T) bool {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return false
	}
	u.buffer = append(u.buffer, v)
	u.mu.Unlock()
	u.signal()
	return true
}

func (u *Unbounded[T]) Close() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.signal()
}

func (u *Unbounded[T]) Out() <-chan T {
	return u.out
}

// Len is the number of values waiting to be received, not counting one the pump may be holding.
func (u *Unbounded[T]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buffer)
}

func (u *Unbounded[T]) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Unbounded[T]) pump() {
	defer close(u.out)
	for {
		u.mu.Lock()
		if len(u.buffer) == 0 {
			closed := u.closed
			u.mu.Unlock()
			if closed {
				return
			}
			<-u.wake
			continue
		}
		var zero T
		next := u.buffer[0]
		u.buffer[0] = zero
		u.buffer = u.buffer[1:]
		u.mu.Unlock()

		u.out <- next
	}
}
