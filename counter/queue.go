// Copyright © 2022-2024 Wei Shen <shenwei356@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package counter

import (
	"context"
	"sync"
	"sync/atomic"
)

// errBroker latches the first fatal error of any worker and cancels every
// blocked queue operation, so a failure cannot deadlock the pipeline.
type errBroker struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	err    atomic.Value
}

func newErrBroker() *errBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &errBroker{ctx: ctx, cancel: cancel}
}

// Fail records err (first one wins) and wakes all blocked queue operations.
func (b *errBroker) Fail(err error) {
	if err == nil {
		return
	}
	b.once.Do(func() {
		b.err.Store(err)
		b.cancel()
	})
}

// Err returns the recorded error, or nil.
func (b *errBroker) Err() error {
	if e := b.err.Load(); e != nil {
		return e.(error)
	}
	return nil
}

// Canceled reports whether the pipeline is shutting down.
func (b *errBroker) Canceled() bool {
	select {
	case <-b.ctx.Done():
		return true
	default:
		return false
	}
}

// Queue is a bounded multi-writer queue. Each writer calls Done once; the
// last Done lets blocked Pops drain and return false. Ownership of pushed
// values passes to the consumer.
type Queue[T any] struct {
	ch      chan T
	writers int32
	broker  *errBroker
}

func newQueue[T any](capacity, writers int, broker *errBroker) *Queue[T] {
	return &Queue[T]{
		ch:      make(chan T, capacity),
		writers: int32(writers),
		broker:  broker,
	}
}

// Push enqueues v, blocking while the queue is full. It returns false when
// the pipeline has been canceled.
func (q *Queue[T]) Push(v T) bool {
	select {
	case q.ch <- v:
		return true
	case <-q.broker.ctx.Done():
		return false
	}
}

// Pop dequeues into v, blocking until a value arrives, every writer is done,
// or the pipeline is canceled.
func (q *Queue[T]) Pop() (v T, ok bool) {
	select {
	case v, ok = <-q.ch:
		return v, ok
	case <-q.broker.ctx.Done():
		// drain remaining buffered items is pointless after a fatal error
		return v, false
	}
}

// Done marks one writer as completed.
func (q *Queue[T]) Done() {
	if atomic.AddInt32(&q.writers, -1) == 0 {
		close(q.ch)
	}
}

// AddWriter registers one more writer; used when the writer count is not
// known upfront.
func (q *Queue[T]) AddWriter() {
	atomic.AddInt32(&q.writers, 1)
}

// OrderedQueue serializes pushes by a sequence key: a writer blocks until
// every key before its own has been pushed and released. Used by the
// strict-memory sub-bin writer to keep per-bin ordering stable.
type OrderedQueue[T any] struct {
	*Queue[T]
	mu   sync.Mutex
	cond *sync.Cond
	next int64
}

func newOrderedQueue[T any](capacity, writers int, broker *errBroker) *OrderedQueue[T] {
	q := &OrderedQueue[T]{Queue: newQueue[T](capacity, writers, broker)}
	q.cond = sync.NewCond(&q.mu)
	// wake waiters on cancellation
	go func() {
		<-broker.ctx.Done()
		q.cond.Broadcast()
	}()
	return q
}

// PushOrdered enqueues v once all keys below key have been pushed. Keys must
// form a gapless sequence starting at 0.
func (q *OrderedQueue[T]) PushOrdered(key int64, v T) bool {
	q.mu.Lock()
	for q.next != key && !q.broker.Canceled() {
		q.cond.Wait()
	}
	if q.broker.Canceled() {
		q.mu.Unlock()
		return false
	}
	ok := q.Push(v)
	q.next++
	q.cond.Broadcast()
	q.mu.Unlock()
	return ok
}
