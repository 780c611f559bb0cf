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
	"github.com/shenwei356/kmcount"
)

// binPart is one pooled buffer of encoded super-k-mer records bound for a
// bin, with the counts it contributes to the bin's descriptor.
type binPart struct {
	bin     int32
	buf     []byte
	nKmers  uint64
	nKxmers uint64
	nSuper  uint64
}

// binBuffers is a splitter's private set of per-bin output buffers.
type binBuffers struct {
	k, maxX   int
	canonical bool
	pool      *memPool
	out       *Queue[binPart]
	parts     []binPart
}

func newBinBuffers(k, maxX int, canonical bool, numBins int, pool *memPool, out *Queue[binPart]) *binBuffers {
	b := &binBuffers{
		k:         k,
		maxX:      maxX,
		canonical: canonical,
		pool:      pool,
		out:       out,
		parts:     make([]binPart, numBins),
	}
	for i := range b.parts {
		b.parts[i].bin = int32(i)
	}
	return b
}

// kxmerRecords returns the number of (k+x)-mer records an l-base super-k-mer
// expands into. Canonical expansion depends on strand switches, so it is
// bounded by one record per k-mer.
func (b *binBuffers) kxmerRecords(l int) uint64 {
	nKmers := l - b.k + 1
	if b.canonical || b.maxX == 0 {
		return uint64(nKmers)
	}
	add := l - b.k
	tmp := min(b.maxX, add)
	recs := 1
	rem := add - tmp
	recs += rem / (b.maxX + 1)
	if rem%(b.maxX+1) > 0 {
		recs++
	}
	return uint64(recs)
}

// put appends one super-k-mer to its bin's buffer, handing the buffer to
// the storer when it fills up.
func (b *binBuffers) put(bin int32, codes []byte) error {
	p := &b.parts[bin]
	if p.buf == nil {
		if p.buf = b.pool.Reserve(); p.buf == nil {
			return errCanceled
		}
	}
	var err error
	if p.buf, err = kmcount.AppendSuperKmer(p.buf, codes, b.k); err != nil {
		return err
	}
	p.nKmers += uint64(len(codes) - b.k + 1)
	p.nKxmers += b.kxmerRecords(len(codes))
	p.nSuper++
	if len(p.buf)+kmcount.SuperKmerSize(b.k+kmcount.MaxSuperKmerExtra) > binPartSize {
		return b.flush(bin)
	}
	return nil
}

func (b *binBuffers) flush(bin int32) error {
	p := &b.parts[bin]
	if p.buf == nil {
		return nil
	}
	if !b.out.Push(*p) {
		return errCanceled
	}
	*p = binPart{bin: bin}
	return nil
}

// Close flushes every non-empty buffer.
func (b *binBuffers) Close() error {
	for i := range b.parts {
		if err := b.flush(int32(i)); err != nil {
			return err
		}
	}
	return nil
}

// splitter slides a k-window over every N-free run of a read and cuts it
// into super-k-mers at minimizer changes.
type splitter struct {
	k, p     int
	sigMap   *kmcount.SigToBinMap
	bins     *binBuffers
	hpc      bool
	est      *estimator
	cur, end *kmcount.Mmer
	hpcBuf   []byte
	nReads   uint64
}

func newSplitter(c *Config, sigMap *kmcount.SigToBinMap, bins *binBuffers, est *estimator) (*splitter, error) {
	cur, err := kmcount.NewMmer(c.SignatureLen)
	if err != nil {
		return nil, err
	}
	end, _ := kmcount.NewMmer(c.SignatureLen)
	return &splitter{
		k:      c.K,
		p:      c.SignatureLen,
		sigMap: sigMap,
		bins:   bins,
		hpc:    c.HomopolymerCompressed,
		est:    est,
		cur:    cur,
		end:    end,
	}, nil
}

// ProcessPart splits a decoded part into reads and feeds each through the
// minimizer traversal, routing super-k-mers via the signature map.
func (s *splitter) ProcessPart(codes []byte) error {
	emit := func(sig uint32, run []byte) error {
		return s.bins.put(s.sigMap.Get(sig), run)
	}
	start := 0
	for i, c := range codes {
		if c == codeSep {
			if err := s.processRead(codes[start:i], emit, true); err != nil {
				return err
			}
			s.nReads++
			start = i + 1
		}
	}
	// a trailing run without separator is the head of a split read
	if start < len(codes) {
		if err := s.processRead(codes[start:], emit, true); err != nil {
			return err
		}
	}
	return nil
}

// CalcStats runs the same traversal without emission, accumulating how many
// k-mers each signature would route; the counts train the bin packer.
func (s *splitter) CalcStats(codes []byte, stats []uint64) error {
	emit := func(sig uint32, run []byte) error {
		stats[sig] += uint64(len(run) - s.k + 1)
		return nil
	}
	start := 0
	for i, c := range codes {
		if c == codeSep {
			if err := s.processRead(codes[start:i], emit, false); err != nil {
				return err
			}
			start = i + 1
		}
	}
	if start < len(codes) {
		if err := s.processRead(codes[start:], emit, false); err != nil {
			return err
		}
	}
	return nil
}

// processRead is the minimizer window loop. For every position the stored
// signature is the minimum allowed p-mer within the window's last k bases:
// a smaller trailing p-mer or the minimum falling out of the window ends the
// current super-k-mer. capped additionally ends runs at k+255 bases so the
// record length byte cannot overflow.
func (s *splitter) processRead(seq []byte, emit func(uint32, []byte) error, capped bool) error {
	if s.est != nil {
		s.est.Process(seq)
	}
	if s.hpc {
		seq = s.homopolymerCompress(seq)
	}
	k, p := s.k, s.p
	cur, end := s.cur, s.end
	maxRun := k + kmcount.MaxSuperKmerExtra

	i := 0
	runLen := 0
	var sigStart int
	for i+k-1 < len(seq) {
		containsN := false
		for j := 0; j < p; j++ {
			if seq[i] >= 4 {
				containsN = true
				break
			}
			i++
		}
		// the signature is shorter than the k-mer, so a signature with N
		// sits inside a k-mer with N
		if containsN {
			i++
			continue
		}
		runLen = p
		sigStart = i - p
		cur.InsertAll(seq[sigStart:i])
		end.Set(cur)
		for ; i < len(seq); i++ {
			if seq[i] >= 4 {
				if runLen >= k {
					if err := emit(cur.Get(), seq[i-runLen:i]); err != nil {
						return err
					}
				}
				runLen = 0
				i++
				break
			}
			end.Insert(seq[i])
			if end.Get() < cur.Get() {
				// the window's new trailing p-mer is smaller
				if runLen >= k {
					if err := emit(cur.Get(), seq[i-runLen:i]); err != nil {
						return err
					}
					runLen = k - 1
				}
				cur.Set(end)
				sigStart = i - p + 1
			} else if end.Get() == cur.Get() {
				cur.Set(end)
				sigStart = i - p + 1
			} else if sigStart+k-1 < i {
				// the stored minimum fell out of the k-window; rescan
				if err := emit(cur.Get(), seq[i-runLen:i]); err != nil {
					return err
				}
				runLen = k - 1
				sigStart++
				end.InsertAll(seq[sigStart : sigStart+p])
				cur.Set(end)
				for j := sigStart + p; j <= i; j++ {
					end.Insert(seq[j])
					if end.Get() <= cur.Get() {
						cur.Set(end)
						sigStart = j - p + 1
					}
				}
			}
			runLen++
			if capped && runLen == maxRun {
				if err := emit(cur.Get(), seq[i+1-runLen:i+1]); err != nil {
					return err
				}
				i -= k - 2
				runLen = 0
				break
			}
		}
	}
	if runLen >= k {
		if err := emit(cur.Get(), seq[i-runLen:i]); err != nil {
			return err
		}
	}
	return nil
}

// homopolymerCompress collapses runs of one base to a single base; N runs
// collapse too.
func (s *splitter) homopolymerCompress(seq []byte) []byte {
	if len(seq) <= 1 {
		return seq
	}
	buf := append(s.hpcBuf[:0], seq[0])
	for _, c := range seq[1:] {
		if c != buf[len(buf)-1] {
			buf = append(buf, c)
		}
	}
	s.hpcBuf = buf
	return buf
}
