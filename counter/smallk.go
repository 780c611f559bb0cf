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
	"sync"

	"github.com/shenwei356/kmcount"
	"github.com/shenwei356/kmers"
)

// smallKCounter counts k-mers of one splitter directly into a 4^k array;
// the whole two-stage pipeline collapses to indexed increments when the
// array fits the budget.
type smallKCounter struct {
	k         int
	canonical bool
	hpc       bool
	counts    []uint64
	hpcBuf    []byte
	nReads    uint64
}

func newSmallKCounter(c *Config) *smallKCounter {
	return &smallKCounter{
		k:         c.K,
		canonical: c.Canonical,
		hpc:       c.HomopolymerCompressed,
		counts:    make([]uint64, 1<<uint(2*c.K)),
	}
}

// ProcessPart counts every k-mer of every read in a decoded part.
func (s *smallKCounter) ProcessPart(codes []byte) error {
	start := 0
	for i := 0; i <= len(codes); i++ {
		if i < len(codes) && codes[i] != codeSep {
			continue
		}
		if i > start {
			s.processRead(codes[start:i])
			s.nReads++
		}
		start = i + 1
	}
	return nil
}

func (s *smallKCounter) processRead(seq []byte) {
	if s.hpc {
		if len(seq) > 1 {
			buf := append(s.hpcBuf[:0], seq[0])
			for _, c := range seq[1:] {
				if c != buf[len(buf)-1] {
					buf = append(buf, c)
				}
			}
			s.hpcBuf = buf
			seq = buf
		}
	}
	k := s.k
	mask := uint64(1)<<uint(2*k) - 1
	var code uint64
	run := 0
	for _, c := range seq {
		if c >= 4 {
			run = 0
			code = 0
			continue
		}
		code = (code<<2 | uint64(c)) & mask
		run++
		if run < k {
			continue
		}
		v := code
		if s.canonical {
			if rc := kmers.RevComp(code, k); rc < v {
				v = rc
			}
		}
		s.counts[v]++
	}
}

// Merge folds another counter's array into this one.
func (s *smallKCounter) Merge(o *smallKCounter) {
	for i, v := range o.counts {
		s.counts[i] += v
	}
	s.nReads += o.nReads
}

// runSmallK replaces the external pipeline: parallel readers and counters,
// one merge, then a single pass emits the sorted table through the
// completer as bin 0 of an otherwise empty bin set.
func runSmallK(c *Config, broker *errBroker) (*Summary, error) {
	parts := newQueue[*seqPart](c.NReaders*2, c.NReaders, broker)
	pool := newMemPool(c.NReaders+c.NSplitter+2, readsBufferSize, broker)
	files := newQueue[string](len(c.InputFiles), 1, broker)
	for _, f := range c.InputFiles {
		files.Push(f)
	}
	files.Done()

	var stats readerStats
	var wgRead sync.WaitGroup
	for i := 0; i < c.NReaders; i++ {
		wgRead.Add(1)
		go func() {
			defer wgRead.Done()
			defer parts.Done()
			b := newPartBuilder(c.K, pool, parts)
			for {
				file, ok := files.Pop()
				if !ok {
					break
				}
				if err := c.readFile(file, b, &stats); err != nil {
					broker.Fail(err)
					return
				}
			}
			if err := b.close(); err != nil && err != errCanceled {
				broker.Fail(err)
			}
		}()
	}

	counters := make([]*smallKCounter, c.NSplitter)
	var wgCount sync.WaitGroup
	for i := 0; i < c.NSplitter; i++ {
		counters[i] = newSmallKCounter(c)
		wgCount.Add(1)
		go func(sc *smallKCounter) {
			defer wgCount.Done()
			for {
				part, ok := parts.Pop()
				if !ok {
					return
				}
				sc.ProcessPart(part.codes)
				pool.Free(part.codes)
			}
		}(counters[i])
	}

	wgRead.Wait()
	wgCount.Wait()
	if err := broker.Err(); err != nil {
		return nil, err
	}

	total := counters[0]
	for _, sc := range counters[1:] {
		total.Merge(sc)
	}

	var nDistinct uint64
	for _, v := range total.counts {
		if v > 0 {
			nDistinct++
		}
	}

	if c.OutputFormat == OutputKFF {
		c.lutPrefixLen = 0
		c.counterSize = kffCounterSize(c.CutoffMax, c.CounterMax)
	} else {
		c.lutPrefixLen = chooseLutPrefixLen(nDistinct, c.K, c.NumBins)
	}
	// no signature map exists on this path
	c.Scheme = kmcount.SchemeMinHash

	cp, err := newCompleter(c, nil, nil)
	if err != nil {
		return nil, err
	}
	if err = emitSmallK(c, cp, total.counts); err != nil {
		return nil, err
	}
	if err = cp.Close(nil); err != nil {
		return nil, err
	}

	sum := &Summary{
		K:            c.K,
		NReads:       uint64(stats.nReads),
		NUnique:      cp.NUnique,
		NBelowCutoff: cp.NBelow,
		NAboveCutoff: cp.NAbove,
		NKept:        cp.NUnique - cp.NBelow - cp.NAbove,
		NTotalKmers:  cp.NTotal,
	}
	return sum, nil
}

// emitSmallK streams the count array, already in ascending k-mer order, as
// one bin followed by empty ones.
func emitSmallK(c *Config, cp *completer, counts []uint64) error {
	lut := make([]uint64, c.lutEntries())
	sufBytes := c.suffixBytes()
	recBytes := sufBytes + c.counterSize
	buf := make([]byte, 0, 1<<20)
	var nUnique, nBelow, nAbove, nTotal uint64

	kmer := make([]uint64, 1)
	for code, count := range counts {
		if count == 0 {
			continue
		}
		nUnique++
		nTotal += count
		if count < uint64(c.CutoffMin) {
			nBelow++
			continue
		}
		if count > c.CutoffMax {
			nAbove++
			continue
		}
		v := count
		if v > c.CounterMax {
			v = c.CounterMax
		}
		kmer[0] = uint64(code)
		lut[kmcount.Prefix(kmer, c.K, c.lutPrefixLen)]++
		for j := sufBytes - 1; j >= 0; j-- {
			buf = append(buf, kmcount.Byte(kmer, j))
		}
		for j := 0; j < c.counterSize; j++ {
			buf = append(buf, byte(v>>uint(8*j)))
		}
		if len(buf)+recBytes > cap(buf) {
			if err := cp.writeChunk(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if err := cp.writeChunk(buf); err != nil {
			return err
		}
	}
	if err := cp.endBin(0, lut, nUnique, nBelow, nAbove, nTotal); err != nil {
		return err
	}
	for bin := int32(1); bin < int32(c.NumBins); bin++ {
		if err := cp.endBin(bin, nil, 0, 0, 0, 0); err != nil {
			return err
		}
	}
	return nil
}
