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
	"bytes"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// File name extensions of the two database files.
const (
	ExtPre = ".kmc_pre"
	ExtSuf = ".kmc_suf"
)

var (
	preMarker = [4]byte{'K', 'M', 'C', 'P'}
	sufMarker = [4]byte{'K', 'M', 'C', 'S'}
)

// formatTag identifies the database layout version.
const formatTag = 0x201

// ErrInvalidDB means a database file is missing its markers or is otherwise
// malformed.
var ErrInvalidDB = fmt.Errorf("kmcount: invalid database file format")

// DBHeader is the fixed-layout header stored at the tail of the prefix file.
type DBHeader struct {
	K              int
	Mode           uint32
	CounterSize    int
	LutPrefixLen   int
	SignatureLen   int
	CutoffMin      uint32
	CutoffMax      uint32
	NUniqueCounted uint64
	BothStrands    bool // true when k-mers were canonicalized
	Scheme         SignatureScheme
	NumBins        int
}

// SuffixBytes returns the per-record suffix size: (k - lut_prefix_len)/4.
func (h *DBHeader) SuffixBytes() int {
	return (h.K - h.LutPrefixLen) / 4
}

// RecordBytes returns the on-disk size of one suffix-file record.
func (h *DBHeader) RecordBytes() int {
	return h.SuffixBytes() + h.CounterSize
}

// DBWriter emits the .kmc_pre and .kmc_suf pair. The completer streams
// per-bin suffix data and LUT chunks through it in write order; Close seals
// both files with the bin-order vector, the optional signature map, the
// header and the markers.
type DBWriter struct {
	Header DBHeader

	pre, suf   *os.File
	preW, sufW *bufio.Writer

	nRecs     uint64
	binsOrder []uint32
}

// CreateDB creates path.kmc_pre and path.kmc_suf and writes the leading
// markers.
func CreateDB(path string, h DBHeader) (*DBWriter, error) {
	pre, err := os.Create(path + ExtPre)
	if err != nil {
		return nil, fmt.Errorf("kmcount: fail to create %s%s: %s", path, ExtPre, err)
	}
	suf, err := os.Create(path + ExtSuf)
	if err != nil {
		pre.Close()
		return nil, fmt.Errorf("kmcount: fail to create %s%s: %s", path, ExtSuf, err)
	}
	w := &DBWriter{
		Header: h,
		pre:    pre,
		suf:    suf,
		preW:   bufio.NewWriterSize(pre, 1<<20),
		sufW:   bufio.NewWriterSize(suf, 1<<20),
	}
	if _, err = w.preW.Write(preMarker[:]); err != nil {
		return nil, err
	}
	if _, err = w.sufW.Write(sufMarker[:]); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSuffixes appends raw suffix+counter records of one bin.
func (w *DBWriter) WriteSuffixes(data []byte) error {
	_, err := w.sufW.Write(data)
	return err
}

// WriteLUT appends one bin's LUT chunk, converting per-prefix record counts
// into running global record indices.
func (w *DBWriter) WriteLUT(lut []uint64) error {
	var buf [8]byte
	for i, x := range lut {
		lut[i] = w.nRecs
		w.nRecs += x
		binary.LittleEndian.PutUint64(buf[:], lut[i])
		if _, err := w.preW.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// BinDone records that a bin's data has been written, in write order.
func (w *DBWriter) BinDone(binID int32) {
	w.binsOrder = append(w.binsOrder, uint32(binID))
}

// Close writes the trailing suffix marker and the prefix-file tail: total
// record count, bin order, the signature map (KMC scheme only), the header,
// its length and the final marker.
func (w *DBWriter) Close(sigMap *SigToBinMap) error {
	if _, err := w.sufW.Write(sufMarker[:]); err != nil {
		return err
	}
	if err := w.sufW.Flush(); err != nil {
		return err
	}
	if err := w.suf.Close(); err != nil {
		return err
	}

	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint64(u64[:], w.nRecs)
	w.preW.Write(u64[:])
	for _, b := range w.binsOrder {
		binary.LittleEndian.PutUint32(u32[:], b)
		w.preW.Write(u32[:])
	}

	if w.Header.Scheme == SchemeKMC && sigMap != nil {
		// Signatures are stored as positions in the write order, so a
		// consumer can find a k-mer's LUT chunk without the descriptor
		// table.
		lutPos := make(map[int32]uint32, len(w.binsOrder))
		for i, b := range w.binsOrder {
			lutPos[int32(b)] = uint32(i)
		}
		for _, slot := range sigMap.Slots() {
			var v uint32
			if slot >= 0 {
				v = lutPos[slot]
			}
			binary.LittleEndian.PutUint32(u32[:], v)
			w.preW.Write(u32[:])
		}
	}

	h := &w.Header
	offset := 0
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u32[:], v)
		w.preW.Write(u32[:])
		offset += 4
	}
	putU32(uint32(h.K))
	putU32(h.Mode)
	putU32(uint32(h.CounterSize))
	putU32(uint32(h.LutPrefixLen))
	putU32(uint32(h.SignatureLen))
	putU32(h.CutoffMin)
	putU32(h.CutoffMax)
	binary.LittleEndian.PutUint64(u64[:], h.NUniqueCounted)
	w.preW.Write(u64[:])
	offset += 8
	var inverted byte
	if !h.BothStrands {
		inverted = 1
	}
	w.preW.WriteByte(inverted)
	w.preW.WriteByte(byte(h.Scheme))
	offset += 2
	putU32(uint32(h.NumBins))
	for i := 0; i < 27; i++ {
		w.preW.WriteByte(0)
		offset++
	}
	putU32(formatTag)

	binary.LittleEndian.PutUint32(u32[:], uint32(offset))
	w.preW.Write(u32[:])
	if _, err := w.preW.Write(preMarker[:]); err != nil {
		return err
	}
	if err := w.preW.Flush(); err != nil {
		return err
	}
	return w.pre.Close()
}

// Remove deletes a half-written database pair.
func (w *DBWriter) Remove(path string) {
	os.Remove(path + ExtPre)
	os.Remove(path + ExtSuf)
}

// DBReader reads a database pair and lists its k-mers in ascending packed
// order, merging the per-bin sorted runs.
type DBReader struct {
	Header DBHeader

	NRecs     uint64
	BinsOrder []uint32

	suf     *os.File
	pre     []byte // whole prefix file
	sigMap  []uint32
	lutOff  int // offset of the first LUT entry in pre
	nLutRec int // LUT entries per bin

	merge   binMergeHeap
	words   int
	retKmer []uint64
}

// OpenDB opens path.kmc_pre and path.kmc_suf.
func OpenDB(path string) (*DBReader, error) {
	pre, err := os.ReadFile(path + ExtPre)
	if err != nil {
		return nil, err
	}
	if len(pre) < 16 ||
		!bytes.Equal(pre[:4], preMarker[:]) ||
		!bytes.Equal(pre[len(pre)-4:], preMarker[:]) {
		return nil, ErrInvalidDB
	}

	r := &DBReader{pre: pre, lutOff: 4}
	headerLen := int(binary.LittleEndian.Uint32(pre[len(pre)-8:]))
	hdrStart := len(pre) - 8 - headerLen
	if hdrStart < 4 {
		return nil, ErrInvalidDB
	}
	h := pre[hdrStart:]
	r.Header = DBHeader{
		K:              int(binary.LittleEndian.Uint32(h[0:])),
		Mode:           binary.LittleEndian.Uint32(h[4:]),
		CounterSize:    int(binary.LittleEndian.Uint32(h[8:])),
		LutPrefixLen:   int(binary.LittleEndian.Uint32(h[12:])),
		SignatureLen:   int(binary.LittleEndian.Uint32(h[16:])),
		CutoffMin:      binary.LittleEndian.Uint32(h[20:]),
		CutoffMax:      binary.LittleEndian.Uint32(h[24:]),
		NUniqueCounted: binary.LittleEndian.Uint64(h[28:]),
		BothStrands:    h[36] == 0,
		Scheme:         SignatureScheme(h[37]),
		NumBins:        int(binary.LittleEndian.Uint32(h[38:])),
	}
	if binary.LittleEndian.Uint32(h[headerLen-4:]) != formatTag {
		return nil, ErrInvalidDB
	}

	r.nLutRec = 1 << uint(2*r.Header.LutPrefixLen)
	tail := r.lutOff + r.Header.NumBins*r.nLutRec*8
	if tail+8 > hdrStart {
		return nil, ErrInvalidDB
	}
	r.NRecs = binary.LittleEndian.Uint64(pre[tail:])
	tail += 8
	r.BinsOrder = make([]uint32, r.Header.NumBins)
	for i := range r.BinsOrder {
		r.BinsOrder[i] = binary.LittleEndian.Uint32(pre[tail:])
		tail += 4
	}
	if r.Header.Scheme == SchemeKMC {
		n := 1<<uint(2*r.Header.SignatureLen) + 1
		if tail+4*n > hdrStart {
			return nil, ErrInvalidDB
		}
		r.sigMap = make([]uint32, n)
		for i := range r.sigMap {
			r.sigMap[i] = binary.LittleEndian.Uint32(pre[tail:])
			tail += 4
		}
	}

	r.suf, err = os.Open(path + ExtSuf)
	if err != nil {
		return nil, err
	}
	var marker [4]byte
	if _, err = io.ReadFull(r.suf, marker[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(marker[:], sufMarker[:]) {
		r.suf.Close()
		return nil, ErrInvalidDB
	}

	r.words = Words(r.Header.K)
	r.initMerge()
	return r, nil
}

// Close releases the suffix file.
func (r *DBReader) Close() error {
	return r.suf.Close()
}

// lutEntry returns LUT entry j of the bin at write position chunk.
func (r *DBReader) lutEntry(chunk, j int) uint64 {
	off := r.lutOff + (chunk*r.nLutRec+j)*8
	return binary.LittleEndian.Uint64(r.pre[off:])
}

// chunkEnd returns the global record index just past the given chunk.
func (r *DBReader) chunkEnd(chunk int) uint64 {
	if chunk+1 < r.Header.NumBins {
		return r.lutEntry(chunk+1, 0)
	}
	return r.NRecs
}

// binStream iterates one bin's records in stored (sorted) order.
type binStream struct {
	r      *DBReader
	chunk  int
	rec    uint64 // next global record index
	end    uint64
	prefix int // current prefix value
	preEnd uint64
	kmer   []uint64
	count  uint64
	recBuf []byte
}

func (s *binStream) advance() bool {
	if s.rec >= s.end {
		return false
	}
	for s.rec >= s.preEnd {
		s.prefix++
		s.preEnd = s.prefixEnd(s.prefix)
	}
	h := &s.r.Header
	recBytes := h.RecordBytes()
	off := int64(4) + int64(s.rec)*int64(recBytes)
	if _, err := s.r.suf.ReadAt(s.recBuf, off); err != nil {
		return false
	}
	Clear(s.kmer)
	// top lut_prefix_len bases come from the LUT position
	p := uint64(s.prefix)
	for i := h.LutPrefixLen - 1; i >= 0; i-- {
		AppendBase(s.kmer, byte(p>>uint(2*i)&3))
	}
	for _, b := range s.recBuf[:h.SuffixBytes()] {
		AppendBase(s.kmer, b>>6&3)
		AppendBase(s.kmer, b>>4&3)
		AppendBase(s.kmer, b>>2&3)
		AppendBase(s.kmer, b&3)
	}
	s.count = 0
	for i, b := range s.recBuf[h.SuffixBytes():] {
		s.count |= uint64(b) << uint(8*i)
	}
	s.rec++
	return true
}

// prefixEnd returns the end record index of records with the given prefix
// in this bin.
func (s *binStream) prefixEnd(prefix int) uint64 {
	if prefix+1 < s.r.nLutRec {
		return s.r.lutEntry(s.chunk, prefix+1)
	}
	return s.r.chunkEnd(s.chunk)
}

type binMergeHeap []*binStream

func (h binMergeHeap) Len() int { return len(h) }
func (h binMergeHeap) Less(i, j int) bool {
	return Compare(h[i].kmer, h[j].kmer) < 0
}
func (h binMergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *binMergeHeap) Push(x interface{}) { *h = append(*h, x.(*binStream)) }
func (h *binMergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (r *DBReader) initMerge() {
	r.merge = make(binMergeHeap, 0, r.Header.NumBins)
	for chunk := 0; chunk < r.Header.NumBins; chunk++ {
		s := &binStream{
			r:      r,
			chunk:  chunk,
			rec:    r.lutEntry(chunk, 0),
			end:    r.chunkEnd(chunk),
			prefix: -1,
			kmer:   make([]uint64, r.words),
			recBuf: make([]byte, r.Header.RecordBytes()),
		}
		if s.advance() {
			r.merge = append(r.merge, s)
		}
	}
	heap.Init(&r.merge)
}

// Next returns the next (k-mer, count) pair in ascending packed order, or
// io.EOF after the last one. The returned slice is valid until the next
// call.
func (r *DBReader) Next() ([]uint64, uint64, error) {
	if len(r.merge) == 0 {
		return nil, 0, io.EOF
	}
	s := r.merge[0]
	if r.retKmer == nil {
		r.retKmer = make([]uint64, r.words)
	}
	copy(r.retKmer, s.kmer)
	count := s.count
	if s.advance() {
		heap.Fix(&r.merge, 0)
	} else {
		heap.Pop(&r.merge)
	}
	return r.retKmer, count, nil
}
