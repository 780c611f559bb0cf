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
	"io"
	"sort"

	"github.com/shenwei356/kmcount"
	"github.com/twotwotwo/sorts"
)

// smallSortThreshold: below this many records a comparison sort beats the
// radix passes.
const smallSortThreshold = 64

// kxmerSlice adapts a flat record array (stride words per record) to the
// radix sorter: the most significant word is the radix key, the comparison
// fallback resolves full record order.
type kxmerSlice struct {
	data   []uint64
	stride int
	n      int
	tmp    []uint64
}

func (s *kxmerSlice) Len() int { return s.n }

func (s *kxmerSlice) Less(i, j int) bool {
	a := s.data[i*s.stride : (i+1)*s.stride]
	b := s.data[j*s.stride : (j+1)*s.stride]
	return kmcount.Compare(a, b) < 0
}

func (s *kxmerSlice) Swap(i, j int) {
	a := s.data[i*s.stride : (i+1)*s.stride]
	b := s.data[j*s.stride : (j+1)*s.stride]
	copy(s.tmp, a)
	copy(a, b)
	copy(b, s.tmp)
}

func (s *kxmerSlice) Key(i int) uint64 { return s.data[i*s.stride] }

// sortRecords sorts n records in place: radix by the top word with
// comparison fallback, or a plain comparison sort for small runs.
func sortRecords(data []uint64, stride, n int) {
	s := &kxmerSlice{data: data, stride: stride, n: n, tmp: make([]uint64, stride)}
	if n < smallSortThreshold {
		sort.Sort(s)
		return
	}
	sorts.ByUint64(s)
}

// preCompact folds runs of identical records into one record with a count.
// It returns the compacted record number; counters[i] belongs to record i.
func preCompact(data []uint64, stride, n int, counters []uint64) int {
	if n == 0 {
		return 0
	}
	out := 0
	counters[0] = 1
	for i := 1; i < n; i++ {
		cur := data[i*stride : (i+1)*stride]
		act := data[out*stride : (out+1)*stride]
		if kmcount.Equal(cur, act) {
			counters[out]++
		} else {
			out++
			copy(data[out*stride:(out+1)*stride], cur)
			counters[out] = 1
		}
	}
	return out + 1
}

// sortedBin is one bin's aggregation result on its way to the completer.
// suffix and lut live in the arena; the completer frees them.
type sortedBin struct {
	bin      int32
	suffix   []byte   // filtered suffix+counter records
	lut      []uint64 // per-prefix record counts; nil means all zero
	empty    bool     // no arena reservation to free
	deferred bool     // rerouted to the strict-memory engine

	nUnique, nBelow, nAbove, nTotal uint64
}

// sorter drains the bin work queue in record-count-descending order,
// loading each bin into the arena, expanding, sorting and compacting it.
type sorter struct {
	c      *Config
	bd     *binDescTable
	arena  *binArena
	out    *Queue[sortedBin]
	strict *Queue[int32] // bins too large for the arena
	exp    *expander
	set    *kxmerSet
	kmer   []uint64
	next   []uint64
}

func newSorter(c *Config, bd *binDescTable, arena *binArena, out *Queue[sortedBin], strict *Queue[int32]) *sorter {
	nw := recordWords(c.K, c.maxX)
	return &sorter{
		c:      c,
		bd:     bd,
		arena:  arena,
		out:    out,
		strict: strict,
		exp:    newExpander(c.K, c.maxX, c.Canonical),
		set:    newKxmerSet(c.K, c.maxX),
		kmer:   make([]uint64, nw),
		next:   make([]uint64, nw),
	}
}

// lutEntries returns the LUT length for the configured prefix.
func (c *Config) lutEntries() int {
	return 1 << uint(2*c.lutPrefixLen)
}

// ProcessBin runs the whole per-bin state machine: arena, load, expand,
// sort, compact, emit. Bins the strict arena rejects go to the fallback
// queue instead.
func (s *sorter) ProcessBin(binID int32) error {
	c := s.c
	d := s.bd.get(binID)

	if d.size == 0 {
		if !s.out.Push(sortedBin{bin: binID, empty: true}) {
			return errCanceled
		}
		return nil
	}

	recW := recordWords(c.K, c.maxX)
	nKx := int(d.nKxmers)
	req := &arenaRequest{
		FileSize:     d.size,
		KxmerBytes:   int64(nKx) * int64(recW) * 8,
		OutBytes:     int64(d.nKmers) * int64(c.suffixBytes()+c.counterSize),
		CounterBytes: int64(nKx) * 8,
		LUTBytes:     int64(c.lutEntries()) * 8,
		SortPhases:   1,
	}
	if !s.arena.Init(binID, req) {
		if s.arena.broker.Canceled() {
			return errCanceled
		}
		d.tooLarge = true
		if !s.strict.Push(binID) {
			return errCanceled
		}
		// the completer still expects one result per bin
		if !s.out.Push(sortedBin{bin: binID, deferred: true}) {
			return errCanceled
		}
		return nil
	}

	// load the temp file and delete it
	fileBuf := byteView(s.arena.Reserve(binID, regionInputFile), int(d.size))
	if err := d.file.ReadInto(fileBuf); err != nil {
		return err
	}
	d.file.Remove()
	d.file = nil

	// expand super-k-mers to records
	recs := s.arena.Reserve(binID, regionInputArray)
	n := 0
	scanner := kmcount.NewSuperKmerScanner(fileBuf, c.K)
	for {
		codes, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		n = s.exp.Expand(codes, recs, n)
	}
	s.arena.Free(binID, regionInputFile)

	sortRecords(recs, recW, n)

	counters := s.arena.Reserve(binID, regionCounters)
	nCompact := preCompact(recs, recW, n, counters)

	sufRegion := s.arena.Reserve(binID, regionSuffix)
	sufBuf := byteView(sufRegion, int(req.OutBytes))
	lut := s.arena.Reserve(binID, regionLUT)[:c.lutEntries()]
	for i := range lut {
		lut[i] = 0
	}

	res := sortedBin{bin: binID}
	used := s.mergeAndFilter(recs, counters, nCompact, sufBuf, lut, &res)

	s.arena.Free(binID, regionInputArray)
	s.arena.Free(binID, regionCounters)
	s.arena.Free(binID, regionTmpArray)

	res.suffix = sufBuf[:used]
	res.lut = lut
	if !s.out.Push(res) {
		return errCanceled
	}
	return nil
}

// mergeAndFilter walks the k-mer set in ascending order, sums counts of the
// overlapping records, applies the cutoffs and the clamp, and writes the
// surviving records. It returns the suffix bytes used.
func (s *sorter) mergeAndFilter(recs, counters []uint64, nCompact int, sufBuf []byte, lut []uint64, res *sortedBin) int {
	s.set.Init(recs, nCompact)

	pos, ok := s.set.Min(s.kmer)
	if !ok {
		return 0
	}
	count := counters[pos]
	used := 0
	for {
		pos, ok = s.set.Min(s.next)
		if ok && kmcount.Equal(s.kmer, s.next) {
			count += counters[pos]
			continue
		}
		used = s.writeRecord(s.kmer, count, sufBuf, lut, used, res)
		if !ok {
			break
		}
		copy(s.kmer, s.next)
		count = counters[pos]
	}
	return used
}

func (s *sorter) writeRecord(kmer []uint64, count uint64, sufBuf []byte, lut []uint64, used int, res *sortedBin) int {
	c := s.c
	res.nUnique++
	res.nTotal += count
	if count < uint64(c.CutoffMin) {
		res.nBelow++
		return used
	}
	if count > c.CutoffMax {
		res.nAbove++
		return used
	}
	if count > c.CounterMax {
		count = c.CounterMax
	}
	lut[kmcount.Prefix(kmer, c.K, c.lutPrefixLen)]++
	for j := c.suffixBytes() - 1; j >= 0; j-- {
		sufBuf[used] = kmcount.Byte(kmer, j)
		used++
	}
	for j := 0; j < c.counterSize; j++ {
		sufBuf[used] = byte(count >> uint(8*j))
		used++
	}
	return used
}
