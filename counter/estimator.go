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
	"container/heap"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash"
	"github.com/will-rowe/nthash"
)

// kmv estimator size; larger tracks small datasets exactly.
const kmvSize = 4096

// count-min dimensions for the histogram estimate
const (
	cmRows  = 4
	cmWidth = 1 << 20
)

// maxHeap of hash values, largest on top.
type hashHeap []uint64

func (h hashHeap) Len() int            { return len(h) }
func (h hashHeap) Less(i, j int) bool  { return h[i] > h[j] }
func (h hashHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hashHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *hashHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// estimator predicts the distinct k-mer count (bottom-k of the ntHash
// stream) and, when asked, a count histogram (count-min rows over the same
// stream, queried at the bottom-k sample). One instance per splitter; Merge
// combines them after stage 1.
type estimator struct {
	k         int
	canonical bool
	histogram bool

	members map[uint64]struct{}
	heapArr hashHeap

	cm []uint32 // cmRows * cmWidth, row-major; nil unless histogram

	letters []byte
}

func newEstimator(k int, canonical, histogram bool) *estimator {
	e := &estimator{
		k:         k,
		canonical: canonical,
		histogram: histogram,
		members:   make(map[uint64]struct{}, kmvSize),
		heapArr:   make(hashHeap, 0, kmvSize),
	}
	if histogram {
		e.cm = make([]uint32, cmRows*cmWidth)
	}
	return e
}

// Process hashes every k-mer of an N-free run of the read.
func (e *estimator) Process(codes []byte) {
	start := 0
	for i := 0; i <= len(codes); i++ {
		if i < len(codes) && codes[i] < 4 {
			continue
		}
		if i-start >= e.k {
			e.processRun(codes[start:i])
		}
		start = i + 1
	}
}

func (e *estimator) processRun(codes []byte) {
	e.letters = e.letters[:0]
	for _, c := range codes {
		e.letters = append(e.letters, "ACGT"[c])
	}
	hasher, err := nthash.NewHasher(&e.letters, uint(e.k))
	if err != nil {
		return
	}
	for hash, ok := hasher.Next(e.canonical); ok; hash, ok = hasher.Next(e.canonical) {
		e.add(hash)
	}
}

func (e *estimator) add(hash uint64) {
	if e.cm != nil {
		var b [9]byte
		binary.BigEndian.PutUint64(b[1:], hash)
		for row := 0; row < cmRows; row++ {
			b[0] = byte(row)
			slot := xxhash.Sum64(b[:]) % cmWidth
			e.cm[row*cmWidth+int(slot)]++
		}
	}

	if _, ok := e.members[hash]; ok {
		return
	}
	if len(e.heapArr) < kmvSize {
		e.members[hash] = struct{}{}
		heap.Push(&e.heapArr, hash)
		return
	}
	if hash < e.heapArr[0] {
		delete(e.members, e.heapArr[0])
		e.members[hash] = struct{}{}
		e.heapArr[0] = hash
		heap.Fix(&e.heapArr, 0)
	}
}

// Merge folds another estimator into this one.
func (e *estimator) Merge(o *estimator) {
	for hash := range o.members {
		if _, ok := e.members[hash]; ok {
			continue
		}
		if len(e.heapArr) < kmvSize {
			e.members[hash] = struct{}{}
			heap.Push(&e.heapArr, hash)
		} else if hash < e.heapArr[0] {
			delete(e.members, e.heapArr[0])
			e.members[hash] = struct{}{}
			e.heapArr[0] = hash
			heap.Fix(&e.heapArr, 0)
		}
	}
	if e.cm != nil && o.cm != nil {
		for i, v := range o.cm {
			e.cm[i] += v
		}
	}
}

// Distinct returns the estimated number of distinct k-mers.
func (e *estimator) Distinct() uint64 {
	n := len(e.heapArr)
	if n == 0 {
		return 0
	}
	if n < kmvSize {
		return uint64(n)
	}
	kth := e.heapArr[0]
	if kth == 0 {
		return uint64(n)
	}
	// (R-1) * 2^64 / kth-smallest hash
	return uint64(float64(kmvSize-1) * (1 << 64) / float64(kth))
}

// cmCount returns the count-min estimate for one hash.
func (e *estimator) cmCount(hash uint64) uint32 {
	var b [9]byte
	binary.BigEndian.PutUint64(b[1:], hash)
	m := ^uint32(0)
	for row := 0; row < cmRows; row++ {
		b[0] = byte(row)
		slot := xxhash.Sum64(b[:]) % cmWidth
		if v := e.cm[row*cmWidth+int(slot)]; v < m {
			m = v
		}
	}
	return m
}

// Histogram estimates how many distinct k-mers occur i times, for
// i in [1, maxCount]. The bottom-k sample is a uniform sample of distinct
// k-mers, so each sampled count is scaled by distinct/sample size.
func (e *estimator) Histogram(maxCount int) []uint64 {
	hist := make([]uint64, maxCount+1)
	if e.cm == nil || len(e.members) == 0 {
		return hist
	}
	sample := make([]uint64, 0, len(e.members))
	for hash := range e.members {
		sample = append(sample, hash)
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })

	scale := float64(e.Distinct()) / float64(len(sample))
	for _, hash := range sample {
		c := int(e.cmCount(hash))
		if c < 1 {
			c = 1
		}
		if c > maxCount {
			c = maxCount
		}
		hist[c] += uint64(scale + 0.5)
	}
	return hist
}
