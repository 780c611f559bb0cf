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
	"sort"
	"sync"
)

// Region kinds a bin reserves inside the arena.
type arenaRegion int

const (
	regionInputFile arenaRegion = iota
	regionInputArray
	regionTmpArray
	regionSuffix
	regionLUT
	regionCounters
	numArenaRegions
)

// binReservation is one bin's contiguous slice of the arena, cut into the
// six per-bin regions of the sorting phase. Regions are 64-bit word slices;
// byte-oriented users view them through byteView.
type binReservation struct {
	offset, size int64 // in words
	regions      [numArenaRegions][]uint64
	taken        [numArenaRegions]bool
	nTaken       int
}

// binArena owns the single contiguous stage-2 buffer. Bins reserve
// variable-size regions with overlapping lifetimes; a free-space search over
// the sorted reservation list finds holes, preferring the tail after the
// latest release to limit fragmentation.
type binArena struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf       []uint64
	total     int64 // in words
	strict    bool
	reserved  []*binReservation // sorted by offset
	byBin     map[int32]*binReservation
	broker    *errBroker
	lastFreed int64 // preferred search start
}

func newBinArena(totalBytes int64, strict bool, broker *errBroker) *binArena {
	total := words(totalBytes)
	a := &binArena{
		buf:    make([]uint64, total),
		total:  total,
		strict: strict,
		byBin:  make(map[int32]*binReservation),
		broker: broker,
	}
	a.cond = sync.NewCond(&a.mu)
	go func() {
		<-broker.ctx.Done()
		a.cond.Broadcast()
	}()
	return a
}

// words converts a byte size to whole 64-bit words.
func words(bytes int64) int64 {
	return (bytes + 7) >> 3
}

// arenaRequest sizes one bin's regions. Even sorting phase counts let the
// sort's final output land atop its input, so the scratch array and the
// output regions may alias; odd counts must keep them apart.
type arenaRequest struct {
	FileSize     int64
	KxmerBytes   int64 // expanded records
	TmpBytes     int64 // scratch of an out-of-place sort; zero for in-place
	OutBytes     int64 // suffix output
	CounterBytes int64
	LUTBytes     int64
	SortPhases   int
}

func (r *arenaRequest) part1Words() int64 {
	return words(r.FileSize) + words(r.KxmerBytes)
}

func (r *arenaRequest) part2Words() int64 {
	if r.SortPhases%2 == 0 {
		// the result returns to the input array, so the scratch may double
		// as the output region
		return maxI64(words(r.TmpBytes), words(r.OutBytes)+words(r.CounterBytes)+words(r.LUTBytes))
	}
	return words(r.TmpBytes) + words(r.OutBytes) + words(r.CounterBytes) + words(r.LUTBytes)
}

func (r *arenaRequest) totalWords() int64 {
	return r.part1Words() + r.part2Words()
}

// Init reserves a region for binID, blocking until space frees up. In
// strict-memory mode a request beyond the arena returns false immediately
// and the caller reroutes the bin to the fallback engine. When the arena is
// otherwise empty and the request still does not fit, the arena regrows.
func (a *binArena) Init(binID int32, req *arenaRequest) bool {
	need := req.totalWords()
	a.mu.Lock()
	defer a.mu.Unlock()

	if need > a.total {
		if a.strict {
			return false
		}
		for len(a.reserved) > 0 && !a.broker.Canceled() {
			a.cond.Wait()
		}
		if a.broker.Canceled() {
			return false
		}
		a.buf = make([]uint64, need)
		a.total = need
	}

	var off int64 = -1
	for {
		if a.broker.Canceled() {
			return false
		}
		off = a.findHole(need)
		if off >= 0 {
			break
		}
		a.cond.Wait()
	}

	res := &binReservation{offset: off, size: need}
	a.insert(res)
	a.byBin[binID] = res
	a.slice(res, req)
	return true
}

// findHole returns an offset with need free words, or -1. The scan prefers
// the hole at lastFreed when it fits.
func (a *binArena) findHole(need int64) int64 {
	var prevEnd int64
	best := int64(-1)
	for _, r := range a.reserved {
		if r.offset-prevEnd >= need {
			if prevEnd == a.lastFreed {
				return prevEnd
			}
			if best < 0 {
				best = prevEnd
			}
		}
		prevEnd = r.offset + r.size
	}
	if a.total-prevEnd >= need {
		if best < 0 || prevEnd == a.lastFreed {
			best = prevEnd
		}
	}
	return best
}

func (a *binArena) insert(res *binReservation) {
	i := sort.Search(len(a.reserved), func(i int) bool {
		return a.reserved[i].offset > res.offset
	})
	a.reserved = append(a.reserved, nil)
	copy(a.reserved[i+1:], a.reserved[i:])
	a.reserved[i] = res
}

// slice cuts the reservation into the six regions.
func (a *binArena) slice(res *binReservation, req *arenaRequest) {
	base := res.offset
	cut := func(bytes int64) []uint64 {
		n := words(bytes)
		s := a.buf[base : base+n : base+n]
		base += n
		return s
	}
	res.regions[regionInputFile] = cut(req.FileSize)
	res.regions[regionInputArray] = cut(req.KxmerBytes)
	if req.SortPhases%2 == 0 {
		rest := a.buf[base : res.offset+res.size]
		res.regions[regionTmpArray] = rest[:words(req.TmpBytes)]
		res.regions[regionSuffix] = rest[:words(req.OutBytes)]
		o := words(req.OutBytes)
		res.regions[regionCounters] = rest[o : o+words(req.CounterBytes)]
		res.regions[regionLUT] = rest[o+words(req.CounterBytes) : o+words(req.CounterBytes)+words(req.LUTBytes)]
	} else {
		res.regions[regionTmpArray] = cut(req.TmpBytes)
		res.regions[regionSuffix] = cut(req.OutBytes)
		res.regions[regionCounters] = cut(req.CounterBytes)
		res.regions[regionLUT] = cut(req.LUTBytes)
	}
}

// Reserve returns one named region of a bin's reservation.
func (a *binArena) Reserve(binID int32, kind arenaRegion) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.byBin[binID]
	res.taken[kind] = true
	res.nTaken++
	return res.regions[kind]
}

// Free releases one named region; releasing the last one returns the whole
// reservation to the free list and wakes waiters.
func (a *binArena) Free(binID int32, kind arenaRegion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.byBin[binID]
	if res == nil || !res.taken[kind] {
		return
	}
	res.taken[kind] = false
	res.nTaken--
	if res.nTaken > 0 {
		return
	}
	delete(a.byBin, binID)
	for i, r := range a.reserved {
		if r == res {
			a.reserved = append(a.reserved[:i], a.reserved[i+1:]...)
			break
		}
	}
	a.lastFreed = res.offset
	a.cond.Broadcast()
}

// ReleaseAll drops every reservation; used during error teardown.
func (a *binArena) ReleaseAll() {
	a.mu.Lock()
	a.reserved = a.reserved[:0]
	a.byBin = make(map[int32]*binReservation)
	a.cond.Broadcast()
	a.mu.Unlock()
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
