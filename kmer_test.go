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

package kmcount

import (
	"bytes"
	"math/rand"
	"testing"
)

func randSeq(rng *rand.Rand, k int) []byte {
	seq := make([]byte, k)
	for i := range seq {
		seq[i] = bit2base[rng.Intn(4)]
	}
	return seq
}

func TestEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, k := range []int{1, 5, 31, 32, 33, 63, 64, 65, 100, 255, 256} {
		for i := 0; i < 100; i++ {
			seq := randSeq(rng, k)
			w := make([]uint64, Words(k))
			if err := Encode(seq, w); err != nil {
				t.Fatalf("Encode error for k=%d: %s", k, err)
			}
			if !bytes.Equal(seq, Decode(w, k)) {
				t.Errorf("Decode error: %s != %s", seq, Decode(w, k))
			}
		}
	}

	w := make([]uint64, 1)
	if err := Encode([]byte("ACXT"), w); err != ErrIllegalBase {
		t.Errorf("expected ErrIllegalBase, got %v", err)
	}
	if err := Encode(nil, w); err != ErrKOverflow {
		t.Errorf("expected ErrKOverflow, got %v", err)
	}
}

func TestCompareMatchesLexicographicOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, k := range []int{3, 32, 33, 77} {
		nw := Words(k)
		a, b := make([]uint64, nw), make([]uint64, nw)
		for i := 0; i < 200; i++ {
			sa, sb := randSeq(rng, k), randSeq(rng, k)
			Encode(sa, a)
			Encode(sb, b)
			want := bytes.Compare(sa, sb)
			if got := Compare(a, b); got != want {
				t.Fatalf("Compare(%s, %s) = %d, want %d", sa, sb, got, want)
			}
		}
	}
}

func TestRevComp(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, k := range []int{1, 7, 32, 33, 65, 200} {
		nw := Words(k)
		w, rc, rcrc := make([]uint64, nw), make([]uint64, nw), make([]uint64, nw)
		for i := 0; i < 100; i++ {
			seq := randSeq(rng, k)
			Encode(seq, w)
			RevComp(rc, w, k)
			RevComp(rcrc, rc, k)
			if !Equal(w, rcrc) {
				t.Fatalf("RevComp twice != identity for %s", seq)
			}

			// naive reverse complement on the sequence level
			naive := make([]byte, k)
			comp := map[byte]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A'}
			for j := 0; j < k; j++ {
				naive[k-1-j] = comp[seq[j]]
			}
			if !bytes.Equal(naive, Decode(rc, k)) {
				t.Fatalf("RevComp(%s) = %s, want %s", seq, Decode(rc, k), naive)
			}
		}
	}
}

func TestCanonical(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for _, k := range []int{4, 32, 50} {
		nw := Words(k)
		w, tmp, orig, rc := make([]uint64, nw), make([]uint64, nw), make([]uint64, nw), make([]uint64, nw)
		for i := 0; i < 100; i++ {
			seq := randSeq(rng, k)
			Encode(seq, w)
			copy(orig, w)
			RevComp(rc, w, k)
			Canonical(w, tmp, k)
			if Compare(w, orig) > 0 || Compare(w, rc) > 0 {
				t.Fatalf("Canonical(%s) = %s is not the minimum", seq, Decode(w, k))
			}
			if !Equal(w, orig) && !Equal(w, rc) {
				t.Fatalf("Canonical(%s) is neither strand", seq)
			}
		}
	}
}

func TestSlidingWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	k := 41
	nw := Words(k)
	seq := randSeq(rng, 300)
	w := make([]uint64, nw)
	want := make([]uint64, nw)

	// prime the first k-1 bases, then slide
	for i := 0; i < k-1; i++ {
		AppendBase(w, Base2Bit(seq[i]))
	}
	for i := k - 1; i < len(seq); i++ {
		AppendBase(w, Base2Bit(seq[i]))
		MaskBases(w, k)
		Encode(seq[i-k+1:i+1], want)
		if !Equal(w, want) {
			t.Fatalf("sliding window mismatch at %d", i)
		}
	}
}

func TestPrefixAndBytes(t *testing.T) {
	k := 12
	w := make([]uint64, Words(k))
	Encode([]byte("ACGTACGTACGT"), w)
	// ACGT = 00 01 10 11
	if got := Prefix(w, k, 4); got != 0x1b {
		t.Errorf("Prefix = %#x, want 0x1b", got)
	}
	if got := Prefix(w, k, 2); got != 0x1 {
		t.Errorf("Prefix = %#x, want 0x1", got)
	}
	// low byte holds the last four bases ACGT
	if got := Byte(w, 0); got != 0x1b {
		t.Errorf("Byte(0) = %#x, want 0x1b", got)
	}
}

func TestGetSet2Bits(t *testing.T) {
	k := 70
	w := make([]uint64, Words(k))
	seq := make([]byte, k)
	for i := range seq {
		seq[i] = bit2base[i%4]
	}
	Encode(seq, w)
	for i := 0; i < k; i++ {
		want := byte((k - 1 - i) % 4)
		if got := Get2Bits(w, i); got != want {
			t.Fatalf("Get2Bits(%d) = %d, want %d", i, got, want)
		}
	}

	Clear(w)
	Set2Bits(w, 64, 3)
	if Get2Bits(w, 64) != 3 {
		t.Error("Set2Bits across word boundary failed")
	}
}
