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
	"errors"
	"sync"
)

// MinSignatureLen and MaxSignatureLen bound the minimizer length p.
const (
	MinSignatureLen = 5
	MaxSignatureLen = 11
)

// ErrSignatureLen means p is not in range [MinSignatureLen, MaxSignatureLen].
var ErrSignatureLen = errors.New("kmcount: signature length (5-11) out of range")

// SignatureAllowed reports whether a p-mer may serve as a minimizer
// signature. Low-complexity p-mers are excluded: suffixes TTT, TGT and TT*,
// an AA pair anywhere below the top three bases, and prefixes AAA, ACA
// and *AA.
func SignatureAllowed(mmer uint32, p int) bool {
	if mmer&0x3f == 0x3f { // TTT suffix
		return false
	}
	if mmer&0x3f == 0x3b { // TGT suffix
		return false
	}
	if mmer&0x3c == 0x3c { // TT* suffix
		return false
	}
	for j := 0; j < p-3; j++ {
		if mmer&0xf == 0 { // AA inside
			return false
		}
		mmer >>= 2
	}
	if mmer == 0 { // AAA prefix
		return false
	}
	if mmer == 0x04 { // ACA prefix
		return false
	}
	if mmer&0xf == 0 { // *AA prefix
		return false
	}
	return true
}

// revMmer returns the reverse complement of a p-mer value.
func revMmer(mmer uint32, p int) uint32 {
	var rev uint32
	shift := uint(p*2 - 2)
	for i := 0; i < p; i++ {
		rev += (3 - mmer&3) << shift
		mmer >>= 2
		shift -= 2
	}
	return rev
}

var (
	normTables [MaxSignatureLen + 1][]uint32
	normOnce   [MaxSignatureLen + 1]sync.Once
)

// normTable returns the normalization table for signature length p.
// norm[v] is the smaller of v and its reverse complement among the allowed
// candidates, or SpecialSignature(p) when neither is allowed.
func normTable(p int) []uint32 {
	normOnce[p].Do(func() {
		special := uint32(1) << uint(p*2)
		norm := make([]uint32, special)
		for v := uint32(0); v < special; v++ {
			rev := revMmer(v, p)
			strVal := special
			if SignatureAllowed(v, p) {
				strVal = v
			}
			revVal := special
			if SignatureAllowed(rev, p) {
				revVal = rev
			}
			if revVal < strVal {
				norm[v] = revVal
			} else {
				norm[v] = strVal
			}
		}
		normTables[p] = norm
	})
	return normTables[p]
}

// SpecialSignature is the sentinel value all disallowed signatures
// normalize to; it routes to the last bin.
func SpecialSignature(p int) uint32 {
	return 1 << uint(p*2)
}

// Mmer maintains the normalized signature value of a sliding p-mer window.
type Mmer struct {
	str     uint32
	mask    uint32
	current uint32
	norm    []uint32
	p       int
}

// NewMmer returns a sliding signature of length p.
func NewMmer(p int) (*Mmer, error) {
	if p < MinSignatureLen || p > MaxSignatureLen {
		return nil, ErrSignatureLen
	}
	return &Mmer{
		mask: 1<<uint(p*2) - 1,
		norm: normTable(p),
		p:    p,
	}, nil
}

// Insert slides the window one base (a 2-bit code) to the right.
func (m *Mmer) Insert(c byte) {
	m.str = (m.str<<2 + uint32(c)) & m.mask
	m.current = m.norm[m.str]
}

// InsertAll rebuilds the window from exactly p base codes.
func (m *Mmer) InsertAll(codes []byte) {
	m.str = 0
	for _, c := range codes {
		m.str = m.str<<2 + uint32(c)
	}
	m.str &= m.mask
	m.current = m.norm[m.str]
}

// Get returns the normalized signature value of the current window.
func (m *Mmer) Get() uint32 {
	return m.current
}

// Set copies the state of another sliding window.
func (m *Mmer) Set(x *Mmer) {
	m.str = x.str
	m.current = x.current
}

// Clear resets the window.
func (m *Mmer) Clear() {
	m.str = 0
	m.current = m.norm[0]
}
