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

// chooseLutPrefixLen minimizes the database size estimate
// nEstUnique*(k-l)/4 + numBins*4^l*8 over prefix lengths keeping whole
// suffix bytes.
func chooseLutPrefixLen(nEstUnique uint64, k, numBins int) int {
	best := -1
	var bestCost uint64
	for l := 1; l < 16 && l <= k; l++ {
		if (k-l)%4 != 0 {
			continue
		}
		cost := nEstUnique*uint64(k-l)/4 + uint64(numBins)*(1<<uint(2*l))*8
		if best < 0 || cost < bestCost {
			best, bestCost = l, cost
		}
	}
	return best
}

// sortedBinHeap buffers out-of-order sorter outputs, smallest bin id first.
type sortedBinHeap []sortedBin

func (h sortedBinHeap) Len() int            { return len(h) }
func (h sortedBinHeap) Less(i, j int) bool  { return h[i].bin < h[j].bin }
func (h sortedBinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sortedBinHeap) Push(x interface{}) { *h = append(*h, x.(sortedBin)) }
func (h *sortedBinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// completer streams the aggregated bins to the final database and keeps the
// global counters. Bins are written in the order the sorters deliver them,
// not reordered by bin id; the write order is recorded in the database's
// bin-order vector. Bins deferred to the strict-memory
// engine skip the first stage and arrive through the streaming entry
// points during the second.
type completer struct {
	c     *Config
	arena *binArena
	in    *Queue[sortedBin]

	dbw  *kmcount.DBWriter
	kffw *kmcount.KFFWriter

	pending sortedBinHeap

	NUnique, NBelow, NAbove, NTotal uint64
}

func newCompleter(c *Config, arena *binArena, in *Queue[sortedBin]) (*completer, error) {
	cp := &completer{c: c, arena: arena, in: in}
	if c.WithoutOutput {
		return cp, nil
	}
	var err error
	switch c.OutputFormat {
	case OutputKFF:
		cp.kffw, err = kmcount.CreateKFF(c.Output, c.K, c.Canonical, c.counterSize)
	default:
		cp.dbw, err = kmcount.CreateDB(c.Output, kmcount.DBHeader{
			K:            c.K,
			CounterSize:  c.counterSize,
			LutPrefixLen: c.lutPrefixLen,
			SignatureLen: c.SignatureLen,
			CutoffMin:    c.CutoffMin,
			CutoffMax:    clampU32(c.CutoffMax),
			BothStrands:  c.Canonical,
			Scheme:       c.Scheme,
			NumBins:      c.NumBins,
		})
	}
	return cp, err
}

func clampU32(v uint64) uint32 {
	if v > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(v)
}

// Run consumes the first-stage outputs until every sorter is done. Each
// popped bin goes onto a heap keyed by bin id that is drained right away, so
// bins are written in arrival order, not in bin-id order; holding bins back
// for a strict id sequence would pin their arena regions while the missing
// bin starves for space. The write order lands in the database's bin-order
// vector.
func (cp *completer) Run() error {
	for {
		sb, ok := cp.in.Pop()
		if !ok {
			break
		}
		heap.Push(&cp.pending, sb)
		if err := cp.drain(); err != nil {
			return err
		}
	}
	if err := cp.in.broker.Err(); err != nil {
		return err
	}
	return cp.drain()
}

func (cp *completer) drain() error {
	for len(cp.pending) > 0 {
		sb := heap.Pop(&cp.pending).(sortedBin)
		if err := cp.emit(sb); err != nil {
			return err
		}
	}
	return nil
}

func (cp *completer) emit(sb sortedBin) error {
	if sb.deferred {
		// handled by the strict-memory engine in the second stage
		return nil
	}

	if err := cp.writeChunk(sb.suffix); err != nil {
		return err
	}
	if err := cp.endBin(sb.bin, sb.lut, sb.nUnique, sb.nBelow, sb.nAbove, sb.nTotal); err != nil {
		return err
	}
	if !sb.empty {
		cp.arena.Free(sb.bin, regionSuffix)
		cp.arena.Free(sb.bin, regionLUT)
	}
	return nil
}

// writeChunk appends raw suffix+counter records of the current bin.
func (cp *completer) writeChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch {
	case cp.dbw != nil:
		return cp.dbw.WriteSuffixes(data)
	case cp.kffw != nil:
		rec := cp.c.suffixBytes() + cp.c.counterSize
		return cp.kffw.StoreSection(data, uint64(len(data)/rec))
	}
	return nil
}

// endBin seals one bin: LUT chunk, write order, and the global counters.
func (cp *completer) endBin(bin int32, lut []uint64, nUnique, nBelow, nAbove, nTotal uint64) error {
	if cp.dbw != nil {
		chunk := lut
		if chunk == nil {
			chunk = make([]uint64, cp.c.lutEntries())
		} else {
			chunk = append([]uint64(nil), lut...)
		}
		if err := cp.dbw.WriteLUT(chunk); err != nil {
			return err
		}
		cp.dbw.BinDone(bin)
	}
	cp.NUnique += nUnique
	cp.NBelow += nBelow
	cp.NAbove += nAbove
	cp.NTotal += nTotal
	return nil
}

// Close seals the database files.
func (cp *completer) Close(sigMap *kmcount.SigToBinMap) error {
	switch {
	case cp.dbw != nil:
		cp.dbw.Header.NUniqueCounted = cp.NUnique - cp.NBelow - cp.NAbove
		return cp.dbw.Close(sigMap)
	case cp.kffw != nil:
		return cp.kffw.Close()
	}
	return nil
}
