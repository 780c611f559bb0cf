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
	"math/rand"
	"testing"

	"github.com/shenwei356/kmcount"
)

// recordKmers extracts the k-mers a record covers: shifts 0..v of its
// bases, where v sits in the 2-bit field above base k+maxX-1.
func recordKmers(rec []uint64, k, maxX int) [][]uint64 {
	v := int(kmcount.Get2Bits(rec, k+maxX))
	nw := len(rec)
	var kmers [][]uint64
	for shift := 0; shift <= v; shift++ {
		kmer := make([]uint64, nw)
		kmcount.ShiftRightBases(kmer, rec, shift)
		kmcount.MaskBases(kmer, k)
		kmers = append(kmers, kmer)
	}
	return kmers
}

func countKmers(recs []uint64, recW, n, k, maxX int) map[string]uint64 {
	counts := make(map[string]uint64)
	for i := 0; i < n; i++ {
		for _, kmer := range recordKmers(recs[i*recW:(i+1)*recW], k, maxX) {
			counts[string(kmcount.Decode(kmer, k))]++
		}
	}
	return counts
}

func randCodes(rng *rand.Rand, l int) []byte {
	codes := make([]byte, l)
	for i := range codes {
		codes[i] = byte(rng.Intn(4))
	}
	return codes
}

func codesString(codes []byte) string {
	b := make([]byte, len(codes))
	for i, c := range codes {
		b[i] = "ACGT"[c]
	}
	return string(b)
}

func TestExpandAllCoversRun(t *testing.T) {
	rng := rand.New(rand.NewSource(81))
	for _, k := range []int{15, 31, 40} {
		for _, maxX := range []int{0, 1, 3} {
			e := newExpander(k, maxX, false)
			for trial := 0; trial < 50; trial++ {
				l := k + rng.Intn(60)
				codes := randCodes(rng, l)
				dst := make([]uint64, (l-k+1)*e.recWords)
				n := e.Expand(codes, dst, 0)

				got := countKmers(dst, e.recWords, n, k, maxX)
				want := bruteCounts([]string{codesString(codes)}, k, false)
				diffCounts(t, got, want, "expand-all")
			}
		}
	}
}

func TestExpandBothCoversRun(t *testing.T) {
	rng := rand.New(rand.NewSource(82))
	k, maxX := 17, 3
	e := newExpander(k, maxX, true)
	for trial := 0; trial < 100; trial++ {
		l := k + rng.Intn(80)
		codes := randCodes(rng, l)
		dst := make([]uint64, (l-k+1)*e.recWords)
		n := e.Expand(codes, dst, 0)

		got := countKmers(dst, e.recWords, n, k, maxX)
		want := bruteCounts([]string{codesString(codes)}, k, true)
		diffCounts(t, got, want, "expand-both")
	}
}

// Records must keep zeros above their real bases so numeric sorting orders
// each v partition by its leading k-mer.
func TestExpandRecordInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(83))
	k, maxX := 15, 3
	e := newExpander(k, maxX, false)

	codes := randCodes(rng, k+50)
	dst := make([]uint64, 51*e.recWords)
	n := e.Expand(codes, dst, 0)

	for i := 0; i < n; i++ {
		rec := dst[i*e.recWords : (i+1)*e.recWords]
		v := int(kmcount.Get2Bits(rec, k+maxX))
		if v > maxX {
			t.Fatalf("record %d has v=%d beyond maxX", i, v)
		}
		for off := k + v; off < k+maxX; off++ {
			if kmcount.Get2Bits(rec, off) != 0 {
				t.Fatalf("record %d has a base above its extent at offset %d", i, off)
			}
		}
	}
}

// Sorting, compaction and the k-mer-set tournament must reproduce plain
// counting over a batch of super-k-mers.
func TestSortCompactMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	for _, canonical := range []bool{false, true} {
		for _, maxX := range []int{0, 2, 3} {
			k := 17
			e := newExpander(k, maxX, canonical)

			var runs []string
			var dst []uint64
			n := 0
			for i := 0; i < 200; i++ {
				l := k + rng.Intn(40)
				codes := randCodes(rng, l)
				runs = append(runs, codesString(codes))
				need := (n + l - k + 1) * e.recWords
				for len(dst) < need {
					dst = append(dst, make([]uint64, need-len(dst))...)
				}
				n = e.Expand(codes, dst, n)
			}

			sortRecords(dst, e.recWords, n)
			counters := make([]uint64, n)
			nc := preCompact(dst, e.recWords, n, counters)

			set := newKxmerSet(k, maxX)
			set.Init(dst, nc)
			got := make(map[string]uint64)
			kmer := make([]uint64, e.recWords)
			var prev []uint64
			for {
				pos, ok := set.Min(kmer)
				if !ok {
					break
				}
				if prev != nil && kmcount.Compare(prev, kmer) > 0 {
					t.Fatal("k-mer set emitted out of order")
				}
				prev = append(prev[:0], kmer...)
				got[string(kmcount.Decode(kmer, k))] += counters[pos]
			}

			want := bruteCounts(runs, k, canonical)
			diffCounts(t, got, want, "sort-compact-merge")
		}
	}
}
