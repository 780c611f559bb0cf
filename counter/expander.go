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
	"github.com/shenwei356/kmcount"
)

// expander turns super-k-mers into (k+x)-mer records.
//
// A record is a fixed-width packed integer: the low 2*(k+v) bits hold the
// bases of the (k+v)-mer (v additional bases beyond k), every bit above is
// zero, and the 2-bit field at base position k+maxX holds v. Sorting the
// records numerically therefore groups them by v first, then orders each
// group by its leading k-mer, which is what the k-mer-set merge relies on.
type expander struct {
	k, maxX   int
	recWords  int
	canonical bool

	rec, kmer, rev []uint64
}

// recordWords returns the words per (k+x)-mer record, including the v field.
func recordWords(k, maxX int) int {
	return kmcount.Words(k + maxX + 1)
}

func newExpander(k, maxX int, canonical bool) *expander {
	nw := recordWords(k, maxX)
	return &expander{
		k:         k,
		maxX:      maxX,
		recWords:  nw,
		canonical: canonical,
		rec:       make([]uint64, nw),
		kmer:      make([]uint64, nw),
		rev:       make([]uint64, nw),
	}
}

// Expand appends the records of one super-k-mer to dst (a flat array with
// recWords stride, n records used) and returns the new record count.
func (e *expander) Expand(codes []byte, dst []uint64, n int) int {
	if e.canonical {
		return e.expandBoth(codes, dst, n)
	}
	return e.expandAll(codes, dst, n)
}

func (e *expander) emit(dst []uint64, n int, rec []uint64) int {
	copy(dst[n*e.recWords:], rec)
	return n + 1
}

// expandAll cuts the run of k-mers into groups of maxX+1, one record each.
func (e *expander) expandAll(codes []byte, dst []uint64, n int) int {
	k, maxX := e.k, e.maxX
	add := len(codes) - k
	rec := e.rec

	kmcount.Clear(rec)
	for _, c := range codes[:k] {
		kmcount.AppendBase(rec, c)
	}
	tmp := min(maxX, add)
	for _, c := range codes[k : k+tmp] {
		kmcount.AppendBase(rec, c)
	}
	kmcount.Set2Bits(rec, k+maxX, byte(tmp))
	n = e.emit(dst, n, rec)

	pos := k + tmp
	rem := add - tmp
	groups := rem / (maxX + 1)
	rest := rem % (maxX + 1)

	for j := 0; j < groups; j++ {
		for i := 0; i <= maxX; i++ {
			kmcount.AppendBase(rec, codes[pos])
			pos++
		}
		kmcount.MaskBases(rec, k+maxX)
		kmcount.Set2Bits(rec, k+maxX, byte(maxX))
		n = e.emit(dst, n, rec)
	}
	if rest > 0 {
		// restart from a bare k-mer so the record keeps zeros above its
		// real bases
		kmcount.AppendBase(rec, codes[pos])
		pos++
		kmcount.MaskBases(rec, k)
		rest--
		for i := 0; i < rest; i++ {
			kmcount.AppendBase(rec, codes[pos])
			pos++
		}
		kmcount.Set2Bits(rec, k+maxX, byte(rest))
		n = e.emit(dst, n, rec)
	}
	return n
}

// expandBoth emits canonical k-mers: forward-canonical runs grow shared
// records of up to maxX+1 k-mers, reverse-canonical k-mers become single
// records of their reverse complement.
func (e *expander) expandBoth(codes []byte, dst []uint64, n int) int {
	k, maxX := e.k, e.maxX
	rec, kmer, rev := e.rec, e.kmer, e.rev

	kmcount.Clear(kmer)
	for _, c := range codes[:k] {
		kmcount.AppendBase(kmer, c)
	}
	kmcount.RevComp(rev, kmer, k)

	open := false // rec holds an unfinished forward record
	v := 0
	flush := func() {
		if open {
			kmcount.Set2Bits(rec, k+maxX, byte(v))
			n = e.emit(dst, n, rec)
			open = false
		}
	}

	for i := k; ; i++ {
		if kmcount.Compare(kmer, rev) <= 0 {
			if open && v < maxX {
				kmcount.AppendBase(rec, codes[i-1])
				v++
			} else {
				flush()
				copy(rec, kmer)
				open = true
				v = 0
			}
		} else {
			flush()
			// a lone record of the reverse complement, v = 0
			n = e.emit(dst, n, rev)
		}
		if i >= len(codes) {
			break
		}
		c := codes[i]
		kmcount.AppendBase(kmer, c)
		kmcount.MaskBases(kmer, k)
		kmcount.ShiftRightBase(rev)
		kmcount.Set2Bits(rev, k-1, c^3)
	}
	flush()
	return n
}
