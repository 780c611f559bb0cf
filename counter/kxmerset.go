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

	"github.com/shenwei356/kmcount"
)

// kxEntry walks one slice of the sorted record array, extracting the k-mer
// at a fixed shift. The recursive partition set-up guarantees that within
// the slice these extracted k-mers appear in ascending order.
type kxEntry struct {
	pos, end int
	shr      int
	key      []uint64
}

// kxmerSet merges the k-mers hidden inside sorted (k+x)-mer records into one
// ascending stream. Records are first partitioned by their v field (binary
// search), each partition recursively by leading base; a heap of slice
// walkers then yields the global minimum, with the record position exposed
// so the caller can look up the record's occurrence count.
type kxmerSet struct {
	k, maxX  int
	recWords int
	data     []uint64 // sorted, pre-compacted records
	n        int

	entries []*kxEntry
}

func newKxmerSet(k, maxX int) *kxmerSet {
	return &kxmerSet{k: k, maxX: maxX, recWords: recordWords(k, maxX)}
}

func (s *kxmerSet) rec(i int) []uint64 {
	return s.data[i*s.recWords : (i+1)*s.recWords]
}

// findFirstBase binary-searches [start, end) for the first record whose base
// at position off (counted from the right) is >= c.
func (s *kxmerSet) findFirstBase(start, end int, off int, c byte) int {
	for start < end {
		mid := (start + end) / 2
		if kmcount.Get2Bits(s.rec(mid), off) < c {
			start = mid + 1
		} else {
			end = mid
		}
	}
	return end
}

func (s *kxmerSet) addEntry(start, end, shr int) {
	e := &kxEntry{pos: start, end: end, shr: shr, key: make([]uint64, s.recWords)}
	s.loadKey(e)
	s.entries = append(s.entries, e)
}

func (s *kxmerSet) loadKey(e *kxEntry) {
	kmcount.ShiftRightBases(e.key, s.rec(e.pos), e.shr)
	kmcount.MaskBases(e.key, s.k)
}

// initAdd registers [start, end) at the given offset depth: one walker for
// the whole slice, then sub-partitions by the next base while depth lasts.
func (s *kxmerSet) initAdd(start, end, offset, depth int) {
	if start == end {
		return
	}
	s.addEntry(start, end, s.maxX+1-offset)
	depth--
	if depth <= 0 {
		return
	}
	basePos := s.k + s.maxX - offset
	var pos [5]int
	pos[0], pos[4] = start, end
	for i := 1; i < 4; i++ {
		pos[i] = s.findFirstBase(pos[i-1], end, basePos, byte(i))
	}
	for i := 1; i < 5; i++ {
		s.initAdd(pos[i-1], pos[i], offset+1, depth)
	}
}

// Init prepares the merge over n sorted records.
func (s *kxmerSet) Init(data []uint64, n int) {
	s.data = data
	s.n = n
	s.entries = s.entries[:0]
	if n == 0 {
		return
	}
	// partition by the v field, the 2-bit value above the bases
	vPos := s.k + s.maxX
	var pos [5]int
	pos[0], pos[4] = 0, n
	for i := 1; i < 4; i++ {
		pos[i] = s.findFirstBase(pos[i-1], n, vPos, byte(i))
	}
	for i := 1; i < 5; i++ {
		s.initAdd(pos[i-1], pos[i], s.maxX+2-i, i)
	}
	heap.Init(s)
}

// heap.Interface over entries, keyed by the extracted k-mer.

func (s *kxmerSet) Len() int { return len(s.entries) }
func (s *kxmerSet) Less(i, j int) bool {
	return kmcount.Compare(s.entries[i].key, s.entries[j].key) < 0
}
func (s *kxmerSet) Swap(i, j int)      { s.entries[i], s.entries[j] = s.entries[j], s.entries[i] }
func (s *kxmerSet) Push(x interface{}) { s.entries = append(s.entries, x.(*kxEntry)) }
func (s *kxmerSet) Pop() interface{} {
	old := s.entries
	n := len(old)
	x := old[n-1]
	s.entries = old[:n-1]
	return x
}

// Min returns the smallest remaining k-mer and the index of its record
// (for the counter lookup), then advances. ok is false when drained.
func (s *kxmerSet) Min(kmer []uint64) (counterPos int, ok bool) {
	if len(s.entries) == 0 {
		return 0, false
	}
	e := s.entries[0]
	copy(kmer, e.key)
	counterPos = e.pos
	e.pos++
	if e.pos < e.end {
		s.loadKey(e)
		heap.Fix(s, 0)
	} else {
		heap.Pop(s)
	}
	return counterPos, true
}
