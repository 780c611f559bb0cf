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
	"io"
)

// MaxSuperKmerExtra is the number of bases a super-k-mer may extend beyond k.
// The record's single length byte stores l-k, so the cap holds on every path.
const MaxSuperKmerExtra = 255

// ErrSuperKmerLen means a super-k-mer is shorter than k or longer than
// k+MaxSuperKmerExtra.
var ErrSuperKmerLen = errors.New("kmcount: super-k-mer length out of range")

// ErrTruncatedRecord means a super-k-mer stream ended inside a record.
var ErrTruncatedRecord = errors.New("kmcount: truncated super-k-mer record")

// SuperKmerSize returns the encoded size of an l-base super-k-mer record:
// one length byte plus the packed bases, four to a byte.
func SuperKmerSize(l int) int {
	return 1 + (l+3)>>2
}

// AppendSuperKmer appends one record to buf and returns the extended slice.
// codes holds l 2-bit base codes, k <= l <= k+MaxSuperKmerExtra. Bases are
// packed big-endian within each byte: the first base occupies the two high
// bits.
func AppendSuperKmer(buf []byte, codes []byte, k int) ([]byte, error) {
	l := len(codes)
	if l < k || l > k+MaxSuperKmerExtra {
		return buf, ErrSuperKmerLen
	}
	buf = append(buf, byte(l-k))
	var b byte
	shift := 6
	for _, c := range codes {
		b |= c << uint(shift)
		if shift == 0 {
			buf = append(buf, b)
			b, shift = 0, 6
		} else {
			shift -= 2
		}
	}
	if shift != 6 {
		buf = append(buf, b)
	}
	return buf, nil
}

// SuperKmerScanner iterates super-k-mer records in a concatenated byte
// stream, yielding base codes.
type SuperKmerScanner struct {
	data  []byte
	k     int
	pos   int
	codes []byte
}

// NewSuperKmerScanner returns a scanner over data for k-mer length k.
func NewSuperKmerScanner(data []byte, k int) *SuperKmerScanner {
	return &SuperKmerScanner{
		data:  data,
		k:     k,
		codes: make([]byte, 0, k+MaxSuperKmerExtra),
	}
}

// Next returns the base codes of the next record, valid until the following
// call. It returns io.EOF at the end of the stream.
func (s *SuperKmerScanner) Next() ([]byte, error) {
	if s.pos >= len(s.data) {
		return nil, io.EOF
	}
	l := s.k + int(s.data[s.pos])
	s.pos++
	packed := (l + 3) >> 2
	if s.pos+packed > len(s.data) {
		return nil, ErrTruncatedRecord
	}
	s.codes = s.codes[:l]
	for i := 0; i < l; i++ {
		b := s.data[s.pos+(i>>2)]
		s.codes[i] = b >> uint(6-(i&3)<<1) & 3
	}
	s.pos += packed
	return s.codes, nil
}
