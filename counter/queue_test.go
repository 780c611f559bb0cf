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
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueMultiWriter(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()

	const writers = 4
	const perWriter = 100
	q := newQueue[int](8, writers, broker)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			defer q.Done()
			for i := 0; i < perWriter; i++ {
				if !q.Push(w*perWriter + i) {
					t.Error("push failed without cancellation")
					return
				}
			}
		}(w)
	}

	seen := make(map[int]bool)
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		if seen[v] {
			t.Fatalf("value %d delivered twice", v)
		}
		seen[v] = true
	}
	wg.Wait()
	if len(seen) != writers*perWriter {
		t.Errorf("delivered %d values, want %d", len(seen), writers*perWriter)
	}
}

func TestQueueCancellationUnblocks(t *testing.T) {
	broker := newErrBroker()
	q := newQueue[int](1, 1, broker)

	done := make(chan bool)
	go func() {
		_, ok := q.Pop() // blocks: nothing pushed
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	broker.Fail(errors.New("boom"))

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop returned a value after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop still blocked after cancellation")
	}
	if broker.Err() == nil {
		t.Error("broker lost the error")
	}
}

func TestErrBrokerFirstErrorWins(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()
	first := errors.New("first")
	broker.Fail(first)
	broker.Fail(errors.New("second"))
	if broker.Err() != first {
		t.Errorf("Err() = %v, want %v", broker.Err(), first)
	}
	if !broker.Canceled() {
		t.Error("broker not canceled after Fail")
	}
}

func TestOrderedQueue(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()

	const n = 64
	q := newOrderedQueue[int64](n, 4, broker)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			defer q.Done()
			// each writer owns every 4th key
			for key := int64(w); key < n; key += 4 {
				if !q.PushOrdered(key, key) {
					return
				}
			}
		}(w)
	}

	var want int64
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		if v != want {
			t.Fatalf("popped %d, want %d", v, want)
		}
		want++
	}
	wg.Wait()
	if want != n {
		t.Errorf("delivered %d values, want %d", want, n)
	}
}
