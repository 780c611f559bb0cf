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
	"bufio"
	"container/heap"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shenwei356/kmcount"
)

// strictEngine handles bins the arena rejected: it re-reads them in fixed
// packs, expands and sorts bounded chunks into sorted sub-bin runs on disk,
// then k-way merges the runs straight into the completer. The configured
// memory ceiling holds because no allocation depends on the bin size.
type strictEngine struct {
	c      *Config
	bd     *binDescTable
	cp     *completer
	broker *errBroker

	recW      int
	kmerBytes int // ceil(k/4), sub-bin record sequence bytes
	chunkRecs int // records per sorting chunk
}

func newStrictEngine(c *Config, bd *binDescTable, cp *completer, broker *errBroker) *strictEngine {
	recW := recordWords(c.K, c.maxX)
	chunkBytes := c.MaxMem / 4 / int64(c.NUncompactors)
	chunkRecs := int(chunkBytes / int64(recW*8))
	if chunkRecs < 1024 {
		chunkRecs = 1024
	}
	return &strictEngine{
		c:         c,
		bd:        bd,
		cp:        cp,
		broker:    broker,
		recW:      recW,
		kmerBytes: (c.K + 3) / 4,
		chunkRecs: chunkRecs,
	}
}

// Run drains the too-large bins in ascending id order, one at a time.
func (e *strictEngine) Run(bins []int32) error {
	sort.Slice(bins, func(i, j int) bool { return bins[i] < bins[j] })
	for _, bin := range bins {
		if err := e.processBin(bin); err != nil {
			return err
		}
	}
	return nil
}

// kxChunk is one bounded buffer of expanded records, tagged with its
// submission index so sub-bins stay in a stable order.
type kxChunk struct {
	seq  int64
	data []uint64
	n    int
}

// sortedRun is one chunk's sorted (k-mer, count) byte stream.
type sortedRun struct {
	seq  int64
	data []byte
}

// subBin describes one sorted run on disk.
type subBin struct {
	path  string
	nRecs int64
}

func (e *strictEngine) subBinPath(bin int32, seq int64) string {
	return filepath.Join(e.c.TmpDir, fmt.Sprintf("kmcount_sm_%05d_%04d.bin", bin, seq))
}

func (e *strictEngine) processBin(bin int32) error {
	d := e.bd.get(bin)

	packs := newQueue[[]byte](2, 1, e.broker)
	chunks := newQueue[kxChunk](2, e.c.NUncompactors, e.broker)
	runs := newOrderedQueue[sortedRun](2, e.c.NUncompactors, e.broker)

	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		if err != nil && err != errCanceled {
			errOnce.Do(func() { firstErr = err })
			e.broker.Fail(err)
		}
	}

	// pack reader: the storer's write extents are record-aligned
	go func() {
		defer packs.Done()
		for _, ext := range d.extents {
			buf := make([]byte, ext[1]-ext[0])
			if _, err := d.file.ReadAt(buf, ext[0]); err != nil && err != io.EOF {
				fail(errors.Wrap(err, "strict-memory bin read"))
				return
			}
			if !packs.Push(buf) {
				return
			}
		}
	}()

	// uncompactors: super-k-mers to bounded record chunks. The sequence
	// number is assigned under the same lock as the push, so chunks leave
	// the queue in sequence order and the ordered writer can never starve.
	var chunkSeq int64
	var seqMu sync.Mutex
	var wgUnc sync.WaitGroup
	for i := 0; i < e.c.NUncompactors; i++ {
		wgUnc.Add(1)
		go func() {
			defer wgUnc.Done()
			defer chunks.Done()
			exp := newExpander(e.c.K, e.c.maxX, e.c.Canonical)
			buf := make([]uint64, e.chunkRecs*e.recW)
			n := 0
			flush := func() bool {
				if n == 0 {
					return true
				}
				seqMu.Lock()
				c := kxChunk{seq: chunkSeq, data: buf, n: n}
				chunkSeq++
				ok := chunks.Push(c)
				seqMu.Unlock()
				buf = make([]uint64, e.chunkRecs*e.recW)
				n = 0
				return ok
			}
			for {
				pack, ok := packs.Pop()
				if !ok {
					break
				}
				scanner := kmcount.NewSuperKmerScanner(pack, e.c.K)
				for {
					codes, err := scanner.Next()
					if err == io.EOF {
						break
					}
					if err != nil {
						fail(err)
						return
					}
					// worst case one record per k-mer
					if n+len(codes)-e.c.K+1 > e.chunkRecs {
						if !flush() {
							return
						}
					}
					n = exp.Expand(codes, buf, n)
				}
			}
			flush()
		}()
	}

	// chunk sorters: sort, compact, merge to a sorted (k-mer, count) run
	var wgSort sync.WaitGroup
	for i := 0; i < e.c.NUncompactors; i++ {
		wgSort.Add(1)
		go func() {
			defer wgSort.Done()
			defer runs.Done()
			set := newKxmerSet(e.c.K, e.c.maxX)
			kmer := make([]uint64, e.recW)
			next := make([]uint64, e.recW)
			for {
				ch, ok := chunks.Pop()
				if !ok {
					return
				}
				sortRecords(ch.data, e.recW, ch.n)
				counters := make([]uint64, ch.n)
				nc := preCompact(ch.data, e.recW, ch.n, counters)
				out := e.mergeChunk(set, ch.data, counters, nc, kmer, next)
				if !runs.PushOrdered(ch.seq, sortedRun{seq: ch.seq, data: out}) {
					return
				}
			}
		}()
	}

	// sub-bin writer
	var subBins []subBin
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			run, ok := runs.Pop()
			if !ok {
				return
			}
			path := e.subBinPath(bin, int64(len(subBins)))
			if err := e.writeSubBin(path, run.data); err != nil {
				fail(err)
				return
			}
			subBins = append(subBins, subBin{
				path:  path,
				nRecs: int64(len(run.data)) / int64(e.kmerBytes+8),
			})
		}
	}()

	wgUnc.Wait()
	wgSort.Wait()
	<-writerDone
	if firstErr != nil {
		return firstErr
	}
	if err := e.broker.Err(); err != nil {
		return err
	}

	if d.file != nil {
		d.file.Remove()
		d.file = nil
	}

	err := e.mergeSubBins(bin, subBins)
	for _, sb := range subBins {
		os.Remove(sb.path)
	}
	return err
}

// mergeChunk flattens one sorted chunk into (k-mer, count) records:
// kmerBytes big-endian sequence bytes, then a little-endian uint64 count.
func (e *strictEngine) mergeChunk(set *kxmerSet, data, counters []uint64, nc int, kmer, next []uint64) []byte {
	var out []byte

	set.Init(data, nc)
	pos, ok := set.Min(kmer)
	if !ok {
		return nil
	}
	count := counters[pos]
	emit := func() {
		for j := e.kmerBytes - 1; j >= 0; j-- {
			out = append(out, kmcount.Byte(kmer, j))
		}
		for j := 0; j < 8; j++ {
			out = append(out, byte(count>>uint(8*j)))
		}
	}
	for {
		pos, ok = set.Min(next)
		if ok && kmcount.Equal(kmer, next) {
			count += counters[pos]
			continue
		}
		emit()
		if !ok {
			break
		}
		copy(kmer, next)
		count = counters[pos]
	}
	return out
}

func (e *strictEngine) writeSubBin(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create sub-bin")
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if _, err = w.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write sub-bin")
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// subBinStream reads one sorted run back.
type subBinStream struct {
	id    int
	r     *bufio.Reader
	f     *os.File
	kmer  []uint64
	count uint64
	buf   []byte
}

// shiftLeftByte shifts a packed value left by one byte across its words.
func shiftLeftByte(w []uint64) {
	var carry uint64
	for i := len(w) - 1; i >= 0; i-- {
		next := w[i] >> 56
		w[i] = w[i]<<8 | carry
		carry = next
	}
}

func (s *subBinStream) advance(kmerBytes int) bool {
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		return false
	}
	kmcount.Clear(s.kmer)
	for _, b := range s.buf[:kmerBytes] {
		shiftLeftByte(s.kmer)
		s.kmer[len(s.kmer)-1] |= uint64(b)
	}
	s.count = 0
	for j := 0; j < 8; j++ {
		s.count |= uint64(s.buf[kmerBytes+j]) << uint(8*j)
	}
	return true
}

type subBinHeap struct {
	streams []*subBinStream
}

func (h subBinHeap) Len() int { return len(h.streams) }
func (h subBinHeap) Less(i, j int) bool {
	c := kmcount.Compare(h.streams[i].kmer, h.streams[j].kmer)
	if c != 0 {
		return c < 0
	}
	return h.streams[i].id < h.streams[j].id
}
func (h subBinHeap) Swap(i, j int) { h.streams[i], h.streams[j] = h.streams[j], h.streams[i] }
func (h *subBinHeap) Push(x interface{}) {
	h.streams = append(h.streams, x.(*subBinStream))
}
func (h *subBinHeap) Pop() interface{} {
	old := h.streams
	n := len(old)
	x := old[n-1]
	h.streams = old[:n-1]
	return x
}

// mergeSubBins streams the bin's sorted runs through a tournament keyed by
// (k-mer, sub-bin id), unifying counts and handing filtered records to the
// completer's second-stage entry.
func (e *strictEngine) mergeSubBins(bin int32, subBins []subBin) error {
	c := e.c

	h := &subBinHeap{}
	for i, sb := range subBins {
		f, err := os.Open(sb.path)
		if err != nil {
			return errors.Wrap(err, "open sub-bin")
		}
		s := &subBinStream{
			id:   i,
			f:    f,
			r:    bufio.NewReaderSize(f, 1<<20),
			kmer: make([]uint64, e.recW),
			buf:  make([]byte, e.kmerBytes+8),
		}
		if s.advance(e.kmerBytes) {
			h.streams = append(h.streams, s)
		} else {
			f.Close()
		}
	}
	defer func() {
		for _, s := range h.streams {
			s.f.Close()
		}
	}()
	heap.Init(h)

	lut := make([]uint64, c.lutEntries())
	var nUnique, nBelow, nAbove, nTotal uint64
	var out []byte

	kmer := make([]uint64, e.recW)
	var count uint64
	have := false

	flushRecord := func() error {
		nUnique++
		nTotal += count
		if count < uint64(c.CutoffMin) {
			nBelow++
			return nil
		}
		if count > c.CutoffMax {
			nAbove++
			return nil
		}
		v := count
		if v > c.CounterMax {
			v = c.CounterMax
		}
		lut[kmcount.Prefix(kmer, c.K, c.lutPrefixLen)]++
		for j := c.suffixBytes() - 1; j >= 0; j-- {
			out = append(out, kmcount.Byte(kmer, j))
		}
		for j := 0; j < c.counterSize; j++ {
			out = append(out, byte(v>>uint(8*j)))
		}
		if len(out) >= 1<<20 {
			if err := e.cp.writeChunk(out); err != nil {
				return err
			}
			out = out[:0]
		}
		return nil
	}

	for h.Len() > 0 {
		s := h.streams[0]
		if have && kmcount.Equal(kmer, s.kmer) {
			count += s.count
		} else {
			if have {
				if err := flushRecord(); err != nil {
					return err
				}
			}
			copy(kmer, s.kmer)
			count = s.count
			have = true
		}
		if s.advance(e.kmerBytes) {
			heap.Fix(h, 0)
		} else {
			s.f.Close()
			heap.Pop(h)
		}
	}
	if have {
		if err := flushRecord(); err != nil {
			return err
		}
	}
	if len(out) > 0 {
		if err := e.cp.writeChunk(out); err != nil {
			return err
		}
	}
	return e.cp.endBin(bin, lut, nUnique, nBelow, nAbove, nTotal)
}
