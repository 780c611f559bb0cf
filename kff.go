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
	"bufio"
	"encoding/binary"
	"os"
)

// ExtKFF is the KFF output file extension.
const ExtKFF = ".kff"

// kffEncoding declares A=0 C=1 G=2 T=3, two bits per base.
const kffEncoding = 0x1b

// KFFWriter emits a KFF v1 file: header, one variable section declaring k,
// max and data_size, raw sections of k-mer+counter records, and the footer
// magic. Records hold ceil(k/4) big-endian sequence bytes followed by the
// little-endian counter, one k-mer per block (max=1).
type KFFWriter struct {
	K           int
	CounterSize int

	f *os.File
	w *bufio.Writer
}

// CreateKFF creates the file and writes the header and variable section.
func CreateKFF(path string, k int, canonical bool, counterSize int) (*KFFWriter, error) {
	f, err := os.Create(path + ExtKFF)
	if err != nil {
		return nil, err
	}
	w := &KFFWriter{
		K:           k,
		CounterSize: counterSize,
		f:           f,
		w:           bufio.NewWriterSize(f, 1<<20),
	}
	w.w.WriteString("KFF")
	w.w.WriteByte(1) // major version
	w.w.WriteByte(0) // minor version
	w.w.WriteByte(kffEncoding)
	w.w.WriteByte(1) // k-mers are unique
	if canonical {
		w.w.WriteByte(1)
	} else {
		w.w.WriteByte(0)
	}
	var u32 [4]byte
	w.w.Write(u32[:]) // free block size: 0

	w.w.WriteByte('v')
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], 3)
	w.w.Write(u64[:])
	w.writeVar("k", uint64(k))
	w.writeVar("max", 1)
	w.writeVar("data_size", uint64(counterSize))
	return w, nil
}

func (w *KFFWriter) writeVar(name string, value uint64) {
	w.w.WriteString(name)
	w.w.WriteByte(0)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], value)
	w.w.Write(u64[:])
}

// StoreSection writes one raw section of n records. recs holds n blocks of
// ceil(k/4)+counter_size bytes.
func (w *KFFWriter) StoreSection(recs []byte, n uint64) error {
	if n == 0 {
		return nil
	}
	w.w.WriteByte('r')
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], n)
	w.w.Write(u64[:])
	_, err := w.w.Write(recs)
	return err
}

// Close writes the footer magic and closes the file.
func (w *KFFWriter) Close() error {
	if _, err := w.w.WriteString("KFF"); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}
