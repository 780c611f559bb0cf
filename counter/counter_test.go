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
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shenwei356/kmcount"
)

func writeFasta(t *testing.T, dir, name string, seqs ...string) string {
	t.Helper()
	var sb strings.Builder
	for i, s := range seqs {
		fmt.Fprintf(&sb, ">read%d\n%s\n", i, s)
	}
	file := filepath.Join(dir, name)
	if err := os.WriteFile(file, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return file
}

// revComp reverses and complements a plain sequence.
func revComp(s string) string {
	comp := map[byte]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A'}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b[len(s)-1-i] = comp[s[i]]
	}
	return string(b)
}

// bruteCounts is the reference counter: every N-free window, optionally
// canonicalized, with plain map counting.
func bruteCounts(seqs []string, k int, canonical bool) map[string]uint64 {
	counts := make(map[string]uint64)
	for _, s := range seqs {
		for i := 0; i+k <= len(s); i++ {
			kmer := s[i : i+k]
			if strings.ContainsFunc(kmer, func(r rune) bool {
				return r != 'A' && r != 'C' && r != 'G' && r != 'T'
			}) {
				continue
			}
			if canonical {
				if rc := revComp(kmer); rc < kmer {
					kmer = rc
				}
			}
			counts[kmer]++
		}
	}
	return counts
}

// testConfig returns a small-footprint configuration writing into dir.
func testConfig(dir string, files []string, k int) Config {
	c := DefaultConfig()
	c.InputFiles = files
	c.Format = FormatFasta
	c.Output = filepath.Join(dir, "out")
	c.TmpDir = dir
	c.K = k
	c.SignatureLen = 7
	c.NumBins = 64
	c.MaxMem = 256 << 20
	c.CutoffMin = 1
	c.CutoffMax = 1e9
	c.CounterMax = 1e9
	c.Threads = 2
	c.HideProgress = true
	return c
}

// decodeDB lists the database, checking ascending order on the way.
func decodeDB(t *testing.T, prefix string, k int) map[string]uint64 {
	t.Helper()
	r, err := kmcount.OpenDB(prefix)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Header.K != k {
		t.Fatalf("database k = %d, want %d", r.Header.K, k)
	}

	counts := make(map[string]uint64)
	var prev []uint64
	for {
		kmer, count, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if prev != nil && kmcount.Compare(prev, kmer) >= 0 {
			t.Fatal("records are not in strictly ascending order")
		}
		prev = append(prev[:0], kmer...)
		counts[string(kmcount.Decode(kmer, k))] = count
	}
	return counts
}

func runAndDecode(t *testing.T, c *Config) map[string]uint64 {
	t.Helper()
	if _, err := Run(c); err != nil {
		t.Fatal(err)
	}
	return decodeDB(t, c.Output, c.K)
}

func diffCounts(t *testing.T, got, want map[string]uint64, label string) {
	t.Helper()
	for kmer, n := range want {
		if got[kmer] != n {
			t.Errorf("%s: %s = %d, want %d", label, kmer, got[kmer], n)
		}
	}
	for kmer := range got {
		if _, ok := want[kmer]; !ok {
			t.Errorf("%s: unexpected k-mer %s", label, kmer)
		}
	}
}

// The fixed end-to-end scenarios: tiny inputs with hand-checkable results.
func TestEndToEndScenarios(t *testing.T) {
	cases := []struct {
		name       string
		k          int
		canonical  bool
		seqs       []string
		cutoffMin  uint32
		cutoffMax  uint64
		counterMax uint64
	}{
		{"plain", 3, false, []string{"ACGTAC"}, 1, 1e9, 255},
		{"repeat", 3, false, []string{"ACGACG"}, 1, 1e9, 255},
		{"canonical-repeat", 3, true, []string{"ACGACG"}, 1, 1e9, 255},
		{"all-n", 2, false, []string{"ANNA"}, 1, 1e9, 255},
		{"clamp", 4, false, []string{"AAAAAA"}, 1, 1e9, 3},
		{"filter-high", 4, false, []string{"AAAAAAAAAAA"}, 2, 5, 255},
		{"no-filter-high", 4, false, []string{"AAAAAAAAAAA"}, 2, 1e9, 255},
		{"unit-clamp", 3, false, []string{"ACGTACGT"}, 1, 1e9, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			file := writeFasta(t, dir, "in.fa", tc.seqs...)
			c := testConfig(dir, []string{file}, tc.k)
			c.Canonical = tc.canonical
			c.CutoffMin = tc.cutoffMin
			c.CutoffMax = tc.cutoffMax
			c.CounterMax = tc.counterMax

			got := runAndDecode(t, &c)

			want := make(map[string]uint64)
			for kmer, n := range bruteCounts(tc.seqs, tc.k, tc.canonical) {
				if n < uint64(tc.cutoffMin) || n > tc.cutoffMax {
					continue
				}
				if n > tc.counterMax {
					n = tc.counterMax
				}
				want[kmer] = n
			}
			diffCounts(t, got, want, tc.name)
		})
	}
}

func randomReads(rng *rand.Rand, n, minLen, maxLen int, withN bool) []string {
	bases := "ACGT"
	reads := make([]string, n)
	for i := range reads {
		l := minLen + rng.Intn(maxLen-minLen+1)
		b := make([]byte, l)
		for j := range b {
			if withN && rng.Intn(97) == 0 {
				b[j] = 'N'
			} else {
				b[j] = bases[rng.Intn(4)]
			}
		}
		reads[i] = string(b)
	}
	return reads
}

// TestPipelineMatchesBruteForce drives the full two-stage pipeline (k above
// the direct-indexed range) against the reference counter.
func TestPipelineMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(51))
	reads := randomReads(rng, 200, 30, 400, true)

	for _, canonical := range []bool{false, true} {
		for _, scheme := range []kmcount.SignatureScheme{kmcount.SchemeKMC, kmcount.SchemeMinHash} {
			name := fmt.Sprintf("canonical=%v/scheme=%s", canonical, scheme)
			t.Run(name, func(t *testing.T) {
				dir := t.TempDir()
				file := writeFasta(t, dir, "in.fa", reads...)
				c := testConfig(dir, []string{file}, 17)
				c.Canonical = canonical
				c.Scheme = scheme

				got := runAndDecode(t, &c)
				diffCounts(t, got, bruteCounts(reads, 17, canonical), name)
			})
		}
	}
}

// Property: the (k-mer, count) multiset does not depend on the bin count.
func TestNumBinsIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(52))
	reads := randomReads(rng, 100, 50, 200, false)

	var ref map[string]uint64
	for _, numBins := range []int{64, 128, 517} {
		dir := t.TempDir()
		file := writeFasta(t, dir, "in.fa", reads...)
		c := testConfig(dir, []string{file}, 21)
		c.NumBins = numBins

		got := runAndDecode(t, &c)
		if ref == nil {
			ref = got
			continue
		}
		diffCounts(t, got, ref, fmt.Sprintf("num-bins=%d", numBins))
	}
}

// Property: the multiset does not depend on the signature length.
func TestSignatureLenIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	reads := randomReads(rng, 100, 50, 200, false)

	var ref map[string]uint64
	for _, p := range []int{5, 7, 9} {
		dir := t.TempDir()
		file := writeFasta(t, dir, "in.fa", reads...)
		c := testConfig(dir, []string{file}, 19)
		c.SignatureLen = p

		got := runAndDecode(t, &c)
		if ref == nil {
			ref = got
			continue
		}
		diffCounts(t, got, ref, fmt.Sprintf("signature-len=%d", p))
	}
}

// RAM-backed temp bins must behave exactly like disk-backed ones.
func TestRAMOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(54))
	reads := randomReads(rng, 80, 40, 150, true)

	dir := t.TempDir()
	file := writeFasta(t, dir, "in.fa", reads...)
	c := testConfig(dir, []string{file}, 17)
	c.RAMOnly = true

	got := runAndDecode(t, &c)
	diffCounts(t, got, bruteCounts(reads, 17, true), "ram-only")
}

// Cutoffs and clamping through the real pipeline.
func TestPipelineCutoffs(t *testing.T) {
	rng := rand.New(rand.NewSource(55))
	base := randomReads(rng, 20, 60, 120, false)
	// duplicate some reads so counts above 1 exist
	reads := append(append([]string{}, base...), base[:10]...)
	reads = append(reads, base[0], base[0])

	dir := t.TempDir()
	file := writeFasta(t, dir, "in.fa", reads...)
	c := testConfig(dir, []string{file}, 17)
	c.CutoffMin = 2
	c.CutoffMax = 3
	c.CounterMax = 2

	got := runAndDecode(t, &c)

	want := make(map[string]uint64)
	for kmer, n := range bruteCounts(reads, 17, true) {
		if n < 2 || n > 3 {
			continue
		}
		if n > 2 {
			n = 2
		}
		want[kmer] = n
	}
	diffCounts(t, got, want, "cutoffs")
}

// Re-counting an existing database reproduces it.
func TestRecountDatabase(t *testing.T) {
	rng := rand.New(rand.NewSource(56))
	reads := randomReads(rng, 60, 40, 120, false)

	dir := t.TempDir()
	file := writeFasta(t, dir, "in.fa", reads...)
	c := testConfig(dir, []string{file}, 17)
	first := runAndDecode(t, &c)

	dir2 := t.TempDir()
	c2 := testConfig(dir2, []string{c.Output}, 17)
	c2.Format = FormatKMC
	second := runAndDecode(t, &c2)

	diffCounts(t, second, first, "recount")
}

// The JSON summary accounting must balance (property 3).
func TestSummaryBalance(t *testing.T) {
	rng := rand.New(rand.NewSource(57))
	reads := randomReads(rng, 60, 40, 120, false)

	dir := t.TempDir()
	file := writeFasta(t, dir, "in.fa", reads...)
	c := testConfig(dir, []string{file}, 17)
	c.CutoffMin = 2

	sum, err := Run(&c)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NUnique != sum.NBelowCutoff+sum.NAboveCutoff+sum.NKept {
		t.Errorf("unique (%d) != below (%d) + above (%d) + kept (%d)",
			sum.NUnique, sum.NBelowCutoff, sum.NAboveCutoff, sum.NKept)
	}
	want := bruteCounts(reads, 17, true)
	if sum.NUnique != uint64(len(want)) {
		t.Errorf("NUnique = %d, want %d", sum.NUnique, len(want))
	}
	var total uint64
	for _, n := range want {
		total += n
	}
	if sum.NTotalKmers != total {
		t.Errorf("NTotalKmers = %d, want %d", sum.NTotalKmers, total)
	}
}
