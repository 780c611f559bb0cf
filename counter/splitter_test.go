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
	"bytes"
	"math/rand"
	"testing"

	"github.com/shenwei356/kmcount"
)

// minSignature computes a k-mer's signature the slow way: the smallest
// normalized p-mer among all its windows.
func minSignature(t *testing.T, codes []byte, p int) uint32 {
	t.Helper()
	m, err := kmcount.NewMmer(p)
	if err != nil {
		t.Fatal(err)
	}
	best := kmcount.SpecialSignature(p) + 1
	for i := 0; i+p <= len(codes); i++ {
		m.InsertAll(codes[i : i+p])
		if m.Get() < best {
			best = m.Get()
		}
	}
	return best
}

type emittedRun struct {
	sig   uint32
	codes []byte
}

func collectRuns(t *testing.T, k, p int, read []byte) []emittedRun {
	t.Helper()
	c := DefaultConfig()
	c.K = k
	c.SignatureLen = p
	spl, err := newSplitter(&c, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var runs []emittedRun
	emit := func(sig uint32, run []byte) error {
		runs = append(runs, emittedRun{sig, append([]byte(nil), run...)})
		return nil
	}
	if err = spl.processRead(read, emit, true); err != nil {
		t.Fatal(err)
	}
	return runs
}

// Every k-mer of the read must appear in exactly one super-k-mer, in read
// order, and every k-mer of a run must agree with the run's signature.
func TestSplitterCoversEveryKmer(t *testing.T) {
	rng := rand.New(rand.NewSource(71))
	k, p := 15, 7

	for trial := 0; trial < 30; trial++ {
		read := make([]byte, 50+rng.Intn(600))
		for i := range read {
			if rng.Intn(53) == 0 {
				read[i] = codeN
			} else {
				read[i] = byte(rng.Intn(4))
			}
		}

		// reference: k-mers of every N-free window, in order
		var want [][]byte
		for i := 0; i+k <= len(read); i++ {
			ok := true
			for _, c := range read[i : i+k] {
				if c >= 4 {
					ok = false
					break
				}
			}
			if ok {
				want = append(want, read[i:i+k])
			}
		}

		var got [][]byte
		for _, run := range collectRuns(t, k, p, read) {
			for i := 0; i+k <= len(run.codes); i++ {
				kmer := run.codes[i : i+k]
				got = append(got, kmer)
				if sig := minSignature(t, kmer, p); sig != run.sig {
					t.Fatalf("trial %d: k-mer routed with signature %d, own signature %d",
						trial, run.sig, sig)
				}
			}
		}

		if len(got) != len(want) {
			t.Fatalf("trial %d: %d k-mers emitted, want %d", trial, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("trial %d: k-mer %d mismatch", trial, i)
			}
		}
	}
}

// A run longer than k+255 must be cut so the length byte cannot overflow.
func TestSplitterLengthCap(t *testing.T) {
	k, p := 15, 7
	read := make([]byte, 2000)
	rng := rand.New(rand.NewSource(72))
	for i := range read {
		read[i] = byte(rng.Intn(4))
	}
	for _, run := range collectRuns(t, k, p, read) {
		if len(run.codes) > k+kmcount.MaxSuperKmerExtra {
			t.Fatalf("super-k-mer of %d bases exceeds the cap", len(run.codes))
		}
	}
}

// A read shorter than k yields nothing.
func TestSplitterShortRead(t *testing.T) {
	if runs := collectRuns(t, 15, 7, []byte{0, 1, 2, 3}); len(runs) != 0 {
		t.Fatalf("%d runs from a short read", len(runs))
	}
}

func TestHomopolymerCompress(t *testing.T) {
	c := DefaultConfig()
	c.K = 5
	c.SignatureLen = 5
	spl, err := newSplitter(&c, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	in := []byte{0, 0, 0, 1, 1, 2, 2, 2, 2, 3, 0, 0}
	want := []byte{0, 1, 2, 3, 0}
	if got := spl.homopolymerCompress(in); !bytes.Equal(got, want) {
		t.Errorf("homopolymerCompress = %v, want %v", got, want)
	}
}

// CalcStats must count exactly the k-mers each signature would route.
func TestCalcStatsTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(73))
	k, p := 15, 7
	c := DefaultConfig()
	c.K = k
	c.SignatureLen = p
	spl, err := newSplitter(&c, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	reads := randomReads(rng, 20, 30, 200, true)
	stats := make([]uint64, int(kmcount.SpecialSignature(p))+1)
	if err := spl.CalcStats(encodeReads(reads), stats); err != nil {
		t.Fatal(err)
	}

	var got uint64
	for _, v := range stats {
		got += v
	}
	var want uint64
	for _, counted := range bruteCounts(reads, k, false) {
		want += counted
	}
	if got != want {
		t.Errorf("CalcStats counted %d k-mers, want %d", got, want)
	}
}
