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
	"io"
	"os"
	"sync/atomic"

	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/kmcount"
)

// Symbol codes inside decoded parts. Bases are 0..3; codeN marks a base
// k-mers may not cross; codeSep additionally ends a read.
const (
	codeN   = 0xFE
	codeSep = 0xFF
)

// seqPart is a buffer of decoded symbols. Reads are terminated by codeSep;
// a read longer than a part continues in the next part, repeating its last
// k-1 symbols so no window is lost.
type seqPart struct {
	codes  []byte
	nReads int64
}

// partBuilder batches decoded reads into pooled parts. A non-nil budget is
// a shared countdown of decoded bytes; crossing zero ends the sampling pass
// with errBudget.
type partBuilder struct {
	k      int
	pool   *memPool
	out    *Queue[*seqPart]
	cur    []byte
	reads  int64
	budget *int64
}

func newPartBuilder(k int, pool *memPool, out *Queue[*seqPart]) *partBuilder {
	return &partBuilder{k: k, pool: pool, out: out}
}

var (
	errCanceled = errors.New("counter: canceled")
	errBudget   = errors.New("counter: sampling budget exhausted")
)

func (b *partBuilder) flush() error {
	if b.cur == nil {
		return nil
	}
	if len(b.cur) == 0 {
		b.pool.Free(b.cur)
		b.cur = nil
		return nil
	}
	if !b.out.Push(&seqPart{codes: b.cur, nReads: b.reads}) {
		return errCanceled
	}
	b.cur = nil
	b.reads = 0
	return nil
}

func (b *partBuilder) room(n int) error {
	if b.cur != nil && len(b.cur)+n+1 <= cap(b.cur) {
		return nil
	}
	if err := b.flush(); err != nil {
		return err
	}
	if b.cur = b.pool.Reserve(); b.cur == nil {
		return errCanceled
	}
	return nil
}

// addRead appends one read's symbol codes, splitting it over several parts
// with a k-1 overlap when it exceeds the part size.
func (b *partBuilder) addRead(codes []byte) error {
	if b.budget != nil && atomic.AddInt64(b.budget, -int64(len(codes))) < 0 {
		return errBudget
	}
	if err := b.room(min(len(codes), readsBufferSize/2)); err != nil {
		return err
	}
	for len(codes)+1 > cap(b.cur)-len(b.cur) {
		n := cap(b.cur) - len(b.cur)
		b.cur = append(b.cur, codes[:n]...)
		if err := b.flush(); err != nil {
			return err
		}
		if b.cur = b.pool.Reserve(); b.cur == nil {
			return errCanceled
		}
		if n > b.k-1 {
			n -= b.k - 1 // replay the overlap
		}
		codes = codes[n:]
	}
	b.cur = append(b.cur, codes...)
	b.cur = append(b.cur, codeSep)
	b.reads++
	return nil
}

func (b *partBuilder) close() error {
	return b.flush()
}

// readerStats aggregates non-fatal input findings across reader workers.
type readerStats struct {
	nReads       int64
	missingEOL   int64
	emptyReads   int64
	decodedBytes int64
}

// readFile decodes one input file into parts.
func (c *Config) readFile(file string, b *partBuilder, stats *readerStats) error {
	switch c.Format {
	case FormatBAM:
		return c.readBAM(file, b, stats)
	case FormatKMC:
		return c.readKMCDB(file, b, stats)
	default:
		return c.readFastx(file, b, stats)
	}
}

// readFastx parses FASTA, multi-line FASTA and FASTQ, transparently
// inflating gzip.
func (c *Config) readFastx(file string, b *partBuilder, stats *readerStats) error {
	reader, err := fastx.NewDefaultReader(file)
	if err != nil {
		return errors.Wrapf(err, "open %s", file)
	}

	buf := make([]byte, 0, 1<<16)
	var record *fastx.Record
	for {
		record, err = reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrapf(err, "parse %s", file)
		}
		if len(record.Seq.Seq) == 0 {
			atomic.AddInt64(&stats.emptyReads, 1)
			continue
		}
		buf = encodeBases(buf[:0], record.Seq.Seq)
		atomic.AddInt64(&stats.nReads, 1)
		atomic.AddInt64(&stats.decodedBytes, int64(len(buf)))
		if err = b.addRead(buf); err != nil {
			return err
		}
	}

	checkMissingEOL(file, stats)
	return nil
}

// checkMissingEOL counts plain-text inputs whose last line has no newline.
// Not fatal; reported once at the end of the run.
func checkMissingEOL(file string, stats *readerStats) {
	fh, err := os.Open(file)
	if err != nil {
		return
	}
	defer fh.Close()
	var head [2]byte
	if n, _ := io.ReadFull(fh, head[:]); n == 2 && head[0] == 0x1f && head[1] == 0x8b {
		return // gzip; the decompressed tail is not worth a second pass
	}
	st, err := fh.Stat()
	if err != nil || st.Size() == 0 {
		return
	}
	var last [1]byte
	if _, err = fh.ReadAt(last[:], st.Size()-1); err == nil && last[0] != '\n' {
		atomic.AddInt64(&stats.missingEOL, 1)
	}
}

// readBAM decodes BAM records; BGZF inflation runs on the configured number
// of workers inside the bam reader. Reverse-strand records are decoded as
// their reverse complement when canonical counting is off, matching the
// aligner's original orientation.
func (c *Config) readBAM(file string, b *partBuilder, stats *readerStats) error {
	fh, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "open %s", file)
	}
	defer fh.Close()

	br, err := bam.NewReader(fh, max(1, c.Threads/c.NReaders))
	if err != nil {
		return errors.Wrapf(err, "read BAM %s", file)
	}
	defer br.Close()

	buf := make([]byte, 0, 1<<16)
	for {
		rec, err := br.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrapf(err, "read BAM %s", file)
		}
		bases := rec.Seq.Expand()
		if len(bases) == 0 {
			atomic.AddInt64(&stats.emptyReads, 1)
			continue
		}
		buf = encodeBases(buf[:0], bases)
		if rec.Flags&sam.Reverse != 0 && !c.Canonical {
			reverseComplementCodes(buf)
		}
		atomic.AddInt64(&stats.nReads, 1)
		atomic.AddInt64(&stats.decodedBytes, int64(len(buf)))
		if err = b.addRead(buf); err != nil {
			return err
		}
	}
	return nil
}

// readKMCDB re-counts an existing database: every stored k-mer is replayed
// as a read, once per counted occurrence.
func (c *Config) readKMCDB(file string, b *partBuilder, stats *readerStats) error {
	r, err := kmcount.OpenDB(file)
	if err != nil {
		return errors.Wrapf(err, "open database %s", file)
	}
	defer r.Close()

	if r.Header.K != c.K {
		return errors.Errorf("database %s has k=%d, not k=%d", file, r.Header.K, c.K)
	}

	k := r.Header.K
	codes := make([]byte, k)
	for {
		kmer, count, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read database %s", file)
		}
		for i := 0; i < k; i++ {
			codes[i] = kmcount.Get2Bits(kmer, k-1-i)
		}
		for ; count > 0; count-- {
			atomic.AddInt64(&stats.nReads, 1)
			atomic.AddInt64(&stats.decodedBytes, int64(k))
			if err = b.addRead(codes); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodeBases appends 2-bit codes of bases to dst, mapping non-nucleotides
// to codeN.
func encodeBases(dst, bases []byte) []byte {
	for _, base := range bases {
		c := kmcount.Base2Bit(base)
		if c == 255 {
			c = codeN
		}
		dst = append(dst, c)
	}
	return dst
}

// reverseComplementCodes flips a code buffer in place; codeN stays codeN.
func reverseComplementCodes(codes []byte) {
	for i, j := 0, len(codes)-1; i <= j; i, j = i+1, j-1 {
		ci, cj := codes[i], codes[j]
		if ci < 4 {
			ci ^= 3
		}
		if cj < 4 {
			cj ^= 3
		}
		codes[i], codes[j] = cj, ci
	}
}
