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

// Package kmcount provides the data model and on-disk formats of the kmcount
// k-mer counter: packed k-mers of up to 256 bases, minimizer signatures,
// super-k-mer records, the signature-to-bin mapping, and the KMC/KFF database
// formats.
package kmcount

import (
	"errors"

	"github.com/shenwei356/kmers"
)

// MaxK is the maximum supported k-mer length.
const MaxK = 256

// ErrIllegalBase means a base beyond A/C/G/T/U was detected.
var ErrIllegalBase = errors.New("kmcount: illegal base")

// ErrKOverflow means K is not in range [1, MaxK].
var ErrKOverflow = errors.New("kmcount: K (1-256) overflow")

// Words returns the number of 64-bit words needed for a k-mer of length k.
// A k-mer is packed 2 bits per base, right-aligned within its words, with
// word 0 the most significant, so that comparing words from index 0 upward
// compares k-mers lexicographically.
func Words(k int) int {
	return (k + 31) >> 5
}

// base2bit maps a sequence byte to its 2-bit code, or 255 for anything that
// is not a plain nucleotide. N and the degenerate IUPAC codes map to 255 on
// purpose: a counted k-mer may not guess at ambiguous bases.
var base2bit [256]byte

// bit2base maps a 2-bit code back to a base.
var bit2base = [4]byte{'A', 'C', 'G', 'T'}

func init() {
	for i := range base2bit {
		base2bit[i] = 255
	}
	for b, code := range map[byte]byte{
		'A': 0, 'a': 0,
		'C': 1, 'c': 1,
		'G': 2, 'g': 2,
		'T': 3, 't': 3, 'U': 3, 'u': 3,
	} {
		base2bit[b] = code
	}
}

// Base2Bit returns the 2-bit code of a base byte, or 255 if the byte is not
// an unambiguous nucleotide.
func Base2Bit(b byte) byte {
	return base2bit[b]
}

// Encode packs seq into w, which must hold Words(len(seq)) words.
func Encode(seq []byte, w []uint64) error {
	k := len(seq)
	if k == 0 || k > MaxK {
		return ErrKOverflow
	}
	Clear(w)
	for _, b := range seq {
		c := base2bit[b]
		if c == 255 {
			return ErrIllegalBase
		}
		AppendBase(w, c)
	}
	return nil
}

// Decode converts the packed k-mer back to bases.
func Decode(w []uint64, k int) []byte {
	if k <= 0 || k > MaxK {
		panic(ErrKOverflow)
	}
	if k <= 32 {
		return kmers.Decode(w[len(w)-1], k)
	}
	seq := make([]byte, k)
	for i := 0; i < k; i++ {
		seq[k-1-i] = bit2base[Get2Bits(w, i)]
	}
	return seq
}

// Clear zeroes all words.
func Clear(w []uint64) {
	for i := range w {
		w[i] = 0
	}
}

// AppendBase shifts the whole value left by one base and inserts c (a 2-bit
// code) at the right end. The caller masks overflowing bases off with
// MaskBases when maintaining a sliding window.
func AppendBase(w []uint64, c byte) {
	carry := uint64(c)
	for i := len(w) - 1; i >= 0; i-- {
		next := w[i] >> 62
		w[i] = w[i]<<2 | carry
		carry = next
	}
}

// MaskBases zeroes everything above the low n bases.
func MaskBases(w []uint64, n int) {
	bits := uint(n) << 1
	for i := len(w) - 1; i >= 0; i-- {
		if bits >= 64 {
			bits -= 64
			continue
		}
		if bits == 0 {
			w[i] = 0
		} else {
			w[i] &= 1<<bits - 1
			bits = 0
		}
	}
}

// ShiftRightBase shifts the whole value right by one base.
func ShiftRightBase(w []uint64) {
	var carry uint64
	for i := 0; i < len(w); i++ {
		next := w[i] & 3
		w[i] = w[i]>>2 | carry<<62
		carry = next
	}
}

// ShiftRightBases writes src shifted right by n bases into dst. dst and src
// must have the same length and may alias only when n is 0.
func ShiftRightBases(dst, src []uint64, n int) {
	bits := uint(n) << 1
	wordShift := int(bits >> 6)
	bitShift := bits & 63
	for i := len(dst) - 1; i >= 0; i-- {
		j := i - wordShift
		var v uint64
		if j >= 0 {
			v = src[j] >> bitShift
			if bitShift > 0 && j > 0 {
				v |= src[j-1] << (64 - bitShift)
			}
		}
		dst[i] = v
	}
}

// Get2Bits returns the base code at base offset off, counted from the right
// end (offset 0 is the last base).
func Get2Bits(w []uint64, off int) byte {
	bit := uint(off) << 1
	return byte(w[len(w)-1-int(bit>>6)] >> (bit & 63) & 3)
}

// Set2Bits sets the 2-bit field at base offset off to c. The field must be
// zero beforehand.
func Set2Bits(w []uint64, off int, c byte) {
	bit := uint(off) << 1
	w[len(w)-1-int(bit>>6)] |= uint64(c) << (bit & 63)
}

// Byte returns the i-th byte of the packed value, byte 0 being the least
// significant. Used when emitting big-endian suffix bytes.
func Byte(w []uint64, i int) byte {
	return byte(w[len(w)-1-(i>>3)] >> uint((i&7)<<3))
}

// Compare compares two equally sized packed k-mers, returning -1, 0 or 1.
func Compare(a, b []uint64) int {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports whether two equally sized packed values are identical.
func Equal(a, b []uint64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Less reports whether a sorts before b.
func Less(a, b []uint64) bool {
	return Compare(a, b) < 0
}

// RevComp writes the reverse complement of the low k bases of src into dst.
// dst and src must not overlap.
func RevComp(dst, src []uint64, k int) {
	if k <= 32 {
		dst[len(dst)-1] = kmers.RevComp(src[len(src)-1], k)
		for i := 0; i < len(dst)-1; i++ {
			dst[i] = 0
		}
		return
	}
	Clear(dst)
	for i := 0; i < k; i++ {
		Set2Bits(dst, i, Get2Bits(src, k-1-i)^3)
	}
}

// Canonical overwrites w with the smaller of w and its reverse complement,
// using tmp as scratch space. It reports whether the reverse complement won.
func Canonical(w, tmp []uint64, k int) bool {
	RevComp(tmp, w, k)
	if Compare(tmp, w) < 0 {
		copy(w, tmp)
		return true
	}
	return false
}

// Prefix returns the top n bases of a k-length packed value as an integer,
// for LUT indexing. n must be at most 32.
func Prefix(w []uint64, k, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<2 | uint64(Get2Bits(w, k-1-i))
	}
	return v
}
