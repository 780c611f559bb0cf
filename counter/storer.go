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
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// binFile is an append-only temp file holding one bin's super-k-mer
// records; disk-backed normally, memory-backed with --ram-only.
type binFile interface {
	Append(p []byte) error
	// ReadInto fills buf (sized to the bin) with the whole contents.
	ReadInto(buf []byte) error
	// ReadAt supports the pack-wise strict-memory reader.
	ReadAt(p []byte, off int64) (int, error)
	Remove() error
}

type diskBinFile struct {
	path string
	f    *os.File
}

func newDiskBinFile(dir string, bin int32) (*diskBinFile, error) {
	path := filepath.Join(dir, fmt.Sprintf("kmcount_%05d.bin", bin))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create temp file %s", path)
	}
	return &diskBinFile{path: path, f: f}, nil
}

func (d *diskBinFile) Append(p []byte) error {
	_, err := d.f.Write(p)
	if err != nil {
		return errors.Wrapf(err, "write temp file %s", d.path)
	}
	return nil
}

func (d *diskBinFile) ReadInto(buf []byte) error {
	n, err := d.f.ReadAt(buf, 0)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return errors.Wrapf(err, "read temp file %s", d.path)
	}
	return nil
}

func (d *diskBinFile) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *diskBinFile) Remove() error {
	d.f.Close()
	return os.Remove(d.path)
}

type ramBinFile struct {
	data []byte
}

func (r *ramBinFile) Append(p []byte) error {
	r.data = append(r.data, p...)
	return nil
}

func (r *ramBinFile) ReadInto(buf []byte) error {
	copy(buf, r.data)
	return nil
}

func (r *ramBinFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, r.data[off:])
	return n, nil
}

func (r *ramBinFile) Remove() error {
	r.data = nil
	return nil
}

// binDesc is one bin's descriptor record: its temp file and the running
// totals stage 2 sizes its buffers from.
type binDesc struct {
	id      int32
	file    binFile
	size    int64
	nKmers  uint64
	nKxmers uint64
	nSuper  uint64
	// extents are the (start, end) byte spans of the storer's contiguous
	// writes, so the strict-memory reader never lands inside a record.
	extents  [][2]int64
	tooLarge bool
}

// binDescTable is written by the storer in stage 1 and read by the bin
// reader in stage 2.
type binDescTable struct {
	mu   sync.Mutex
	bins []binDesc
}

func newBinDescTable(n int) *binDescTable {
	t := &binDescTable{bins: make([]binDesc, n)}
	for i := range t.bins {
		t.bins[i].id = int32(i)
	}
	return t
}

func (t *binDescTable) get(bin int32) *binDesc {
	return &t.bins[bin]
}

// removeAll deletes every temp file.
func (t *binDescTable) removeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bins {
		if t.bins[i].file != nil {
			t.bins[i].file.Remove()
			t.bins[i].file = nil
		}
	}
}

// storer drains the splitters' bin parts, keeps them pending within a
// memory budget and appends them to temp files in single contiguous writes.
type storer struct {
	c    *Config
	in   *Queue[binPart]
	pool *memPool
	bd   *binDescTable

	pending     [][]binPart
	pendingSize []int64
	total       int64

	maxMem    int64 // global pending budget
	maxMemPkg int64 // largest single bin budget
}

func newStorer(c *Config, in *Queue[binPart], pool *memPool, bd *binDescTable) *storer {
	maxMem := c.MaxMem / 4
	maxMemPkg := maxI64(1<<20, 2*maxMem/int64(c.NumBins))
	return &storer{
		c:           c,
		in:          in,
		pool:        pool,
		bd:          bd,
		pending:     make([][]binPart, c.NumBins),
		pendingSize: make([]int64, c.NumBins),
		maxMem:      maxMem,
		maxMemPkg:   maxMemPkg,
	}
}

// Run consumes bin parts until the splitters finish, then flushes every
// non-empty bin.
func (s *storer) Run() error {
	for {
		part, ok := s.in.Pop()
		if !ok {
			break
		}
		s.pending[part.bin] = append(s.pending[part.bin], part)
		s.pendingSize[part.bin] += int64(len(part.buf))
		s.total += int64(len(part.buf))

		for s.total > s.maxMem || s.largestSize() > s.maxMemPkg {
			if err := s.flushBin(s.largestBin()); err != nil {
				return err
			}
		}
	}
	if err := s.in.broker.Err(); err != nil {
		return err
	}
	for bin := range s.pending {
		if err := s.flushBin(int32(bin)); err != nil {
			return err
		}
	}
	return nil
}

func (s *storer) largestBin() int32 {
	var best int32
	var bestSize int64 = -1
	for bin, size := range s.pendingSize {
		if size > bestSize {
			best, bestSize = int32(bin), size
		}
	}
	return best
}

func (s *storer) largestSize() int64 {
	var m int64
	for _, size := range s.pendingSize {
		if size > m {
			m = size
		}
	}
	return m
}

// flushBin concatenates a bin's pending parts into one write, records the
// extent, merges the counts into the descriptor and returns the buffers.
func (s *storer) flushBin(bin int32) error {
	parts := s.pending[bin]
	if len(parts) == 0 {
		return nil
	}
	d := s.bd.get(bin)
	if d.file == nil {
		var err error
		if s.c.RAMOnly {
			d.file = &ramBinFile{}
		} else if d.file, err = newDiskBinFile(s.c.TmpDir, bin); err != nil {
			return err
		}
	}

	buf := make([]byte, 0, s.pendingSize[bin])
	for i := range parts {
		buf = append(buf, parts[i].buf...)
		d.nKmers += parts[i].nKmers
		d.nKxmers += parts[i].nKxmers
		d.nSuper += parts[i].nSuper
		s.pool.Free(parts[i].buf)
	}
	if err := d.file.Append(buf); err != nil {
		return err
	}

	s.bd.mu.Lock()
	d.extents = append(d.extents, [2]int64{d.size, d.size + int64(len(buf))})
	d.size += int64(len(buf))
	s.bd.mu.Unlock()

	s.total -= s.pendingSize[bin]
	s.pending[bin] = s.pending[bin][:0]
	s.pendingSize[bin] = 0
	return nil
}
