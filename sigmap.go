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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// SignatureScheme selects how signatures are assigned to bins.
type SignatureScheme uint8

// Signature selection schemes, recorded in the database header.
const (
	SchemeKMC     SignatureScheme = iota // greedy packing from a training pass
	SchemeMinHash                        // signature mod num_bins
	SchemeFile                           // loaded from a serialized mapping
)

func (s SignatureScheme) String() string {
	switch s {
	case SchemeKMC:
		return "kmc"
	case SchemeMinHash:
		return "min-hash"
	case SchemeFile:
		return "file"
	}
	return fmt.Sprintf("scheme(%d)", uint8(s))
}

var mappingMagic = [4]byte{'K', 'M', 'C', 'M'}

// SigToBinMap maps every normalized signature value, plus the special
// sentinel, to a bin id. It is built once before the distribution stage and
// read-only afterwards.
type SigToBinMap struct {
	P       int
	NumBins int
	Scheme  SignatureScheme
	slots   []int32 // 4^p + 1 entries; disallowed signatures keep -1
}

// NewSigToBinMap returns an unassigned map for signature length p.
func NewSigToBinMap(p, numBins int) (*SigToBinMap, error) {
	if p < MinSignatureLen || p > MaxSignatureLen {
		return nil, ErrSignatureLen
	}
	slots := make([]int32, int(SpecialSignature(p))+1)
	for i := range slots {
		slots[i] = -1
	}
	return &SigToBinMap{P: p, NumBins: numBins, slots: slots}, nil
}

// Get returns the bin id of a normalized signature.
func (m *SigToBinMap) Get(sig uint32) int32 {
	return m.slots[sig]
}

// Slots exposes the raw mapping for serialization into the database header.
func (m *SigToBinMap) Slots() []int32 {
	return m.slots
}

// MaxBinID returns the bin holding the special signature, always the last
// one in use.
func (m *SigToBinMap) MaxBinID() int32 {
	return m.slots[SpecialSignature(m.P)]
}

// binPackBias smooths rare signatures so that a signature seen once in the
// sample does not look free to the packer.
const binPackBias = 1000

// BuildKMC assigns bins from signature occurrence counts gathered in the
// training pass. stats must have 4^p+1 entries. Signatures are taken in
// decreasing order of occurrence; a signature heavier than the running mean
// gets a bin of its own, otherwise one sweep greedily fills the current bin
// up to 1.1 times the mean. The special signature always lands in the last
// bin.
func BuildKMC(stats []uint64, p, numBins int) (*SigToBinMap, error) {
	m, err := NewSigToBinMap(p, numBins)
	if err != nil {
		return nil, err
	}
	m.Scheme = SchemeKMC

	type sigCount struct {
		sig uint32
		cnt float64
	}
	pending := make([]sigCount, 0, len(stats))
	sum := 0.0
	for sig := uint32(0); int(sig) < len(stats)-1; sig++ {
		if SignatureAllowed(sig, p) {
			cnt := float64(stats[sig] + binPackBias)
			pending = append(pending, sigCount{sig, cnt})
			sum += cnt
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].cnt != pending[j].cnt {
			return pending[i].cnt > pending[j].cnt
		}
		return pending[i].sig < pending[j].sig
	})

	maxBins := numBins - 1 // one is reserved for the special signature
	mean := sum / float64(numBins)
	maxBinSize := 1.1 * mean
	n := maxBins
	binNo := int32(0)

	for len(pending) > n {
		if pending[0].cnt > mean {
			m.slots[pending[0].sig] = binNo
			sum -= pending[0].cnt
			pending = pending[1:]
			binNo++
			n--
		} else {
			tmpSum := 0.0
			kept := pending[:0]
			for _, sc := range pending {
				if tmpSum+sc.cnt < maxBinSize {
					tmpSum += sc.cnt
					m.slots[sc.sig] = binNo
				} else {
					kept = append(kept, sc)
				}
			}
			pending = kept
			binNo++
			n--
			sum -= tmpSum
		}
		mean = sum / float64(maxBins-int(binNo))
		maxBinSize = 1.1 * mean
	}
	for _, sc := range pending {
		m.slots[sc.sig] = binNo
		binNo++
	}
	m.slots[SpecialSignature(p)] = binNo
	return m, nil
}

// BuildMinHash assigns bins without a training pass: signature mod numBins.
func BuildMinHash(p, numBins int) (*SigToBinMap, error) {
	m, err := NewSigToBinMap(p, numBins)
	if err != nil {
		return nil, err
	}
	m.Scheme = SchemeMinHash
	for sig := range m.slots {
		m.slots[sig] = int32(sig % numBins)
	}
	return m, nil
}

// WriteTo serializes the mapping: "KMCM" marker, signature length and bin
// count as little-endian uint64, the slot array as little-endian int32, and
// a trailing marker.
func (m *SigToBinMap) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(mappingMagic[:]); err != nil {
		return 0, err
	}
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(m.P))
	bw.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(m.NumBins))
	bw.Write(u64[:])
	var u32 [4]byte
	for _, v := range m.slots {
		binary.LittleEndian.PutUint32(u32[:], uint32(v))
		bw.Write(u32[:])
	}
	if _, err := bw.Write(mappingMagic[:]); err != nil {
		return 0, err
	}
	n := int64(8 + 16 + 4*len(m.slots))
	return n, bw.Flush()
}

// LoadSigToBinMap reads a mapping serialized by WriteTo, checking that the
// declared signature length and bin count match the expected ones.
func LoadSigToBinMap(file string, p, numBins int) (*SigToBinMap, error) {
	fh, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	br := bufio.NewReader(fh)
	var marker [4]byte
	if _, err = io.ReadFull(br, marker[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(marker[:], mappingMagic[:]) {
		return nil, fmt.Errorf("kmcount: %s: KMCM marker expected", file)
	}
	var u64 [8]byte
	if _, err = io.ReadFull(br, u64[:]); err != nil {
		return nil, err
	}
	sigLen := int(binary.LittleEndian.Uint64(u64[:]))
	if _, err = io.ReadFull(br, u64[:]); err != nil {
		return nil, err
	}
	nBins := int(binary.LittleEndian.Uint64(u64[:]))
	if sigLen != p {
		return nil, fmt.Errorf("kmcount: %s: signature length %d does not match -p %d", file, sigLen, p)
	}
	if nBins != numBins {
		return nil, fmt.Errorf("kmcount: %s: bin count %d does not match -n %d", file, nBins, numBins)
	}

	m, err := NewSigToBinMap(p, numBins)
	if err != nil {
		return nil, err
	}
	m.Scheme = SchemeFile
	var u32 [4]byte
	for i := range m.slots {
		if _, err = io.ReadFull(br, u32[:]); err != nil {
			return nil, err
		}
		m.slots[i] = int32(binary.LittleEndian.Uint32(u32[:]))
	}
	if _, err = io.ReadFull(br, marker[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(marker[:], mappingMagic[:]) {
		return nil, fmt.Errorf("kmcount: %s: trailing KMCM marker expected", file)
	}
	return m, nil
}
