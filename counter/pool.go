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

import "sync/atomic"

// memPool hands out fixed-size byte parts, allocating lazily up to its cap.
// Reserve blocks while every part is in use; parts travel through queues
// with their ownership and return here via Free.
type memPool struct {
	partSize  int
	free      chan []byte
	allocated int32
	max       int32
	broker    *errBroker
}

func newMemPool(nParts, partSize int, broker *errBroker) *memPool {
	return &memPool{
		partSize: partSize,
		free:     make(chan []byte, nParts),
		max:      int32(nParts),
		broker:   broker,
	}
}

// Reserve returns an empty part, blocking until one is free. It returns nil
// when the pipeline has been canceled.
func (p *memPool) Reserve() []byte {
	select {
	case part := <-p.free:
		return part[:0]
	default:
	}
	if atomic.AddInt32(&p.allocated, 1) <= p.max {
		return make([]byte, 0, p.partSize)
	}
	atomic.AddInt32(&p.allocated, -1)
	select {
	case part := <-p.free:
		return part[:0]
	case <-p.broker.ctx.Done():
		return nil
	}
}

// Free returns a part to the pool.
func (p *memPool) Free(part []byte) {
	if cap(part) < p.partSize {
		// foreign buffer; dropping it keeps the pool sane
		return
	}
	select {
	case p.free <- part[:0]:
	case <-p.broker.ctx.Done():
	}
}
