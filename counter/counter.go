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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/kmcount"
	"github.com/shenwei356/xopen"
	"github.com/twotwotwo/sorts"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Summary collects the run's counters for logs and the JSON summary.
type Summary struct {
	K            int    `json:"k"`
	SignatureLen int    `json:"signature_len"`
	NumBins      int    `json:"num_bins"`
	CutoffMin    uint32 `json:"cutoff_min"`
	CutoffMax    uint64 `json:"cutoff_max"`
	Canonical    bool   `json:"both_strands"`

	NReads       uint64 `json:"total_reads"`
	NSuperKmers  uint64 `json:"total_super_kmers"`
	NTotalKmers  uint64 `json:"total_kmers"`
	NUnique      uint64 `json:"unique_kmers"`
	NBelowCutoff uint64 `json:"below_min_cutoff"`
	NAboveCutoff uint64 `json:"above_max_cutoff"`
	NKept        uint64 `json:"unique_counted_kmers"`

	EstimatedUnique uint64 `json:"estimated_unique_kmers,omitempty"`
	TmpBytes        int64  `json:"tmp_size_bytes"`

	Stage1Seconds float64 `json:"first_stage_seconds"`
	Stage2Seconds float64 `json:"second_stage_seconds"`
	TotalSeconds  float64 `json:"total_seconds"`
}

// Run executes a counting run and returns its summary.
func Run(c *Config) (*Summary, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	seq.ValidateSeq = false
	sorts.MaxProcs = c.Threads

	broker := newErrBroker()
	defer broker.cancel()

	start := time.Now()
	sum := &Summary{
		K:            c.K,
		SignatureLen: c.SignatureLen,
		NumBins:      c.NumBins,
		CutoffMin:    c.CutoffMin,
		CutoffMax:    c.CutoffMax,
		Canonical:    c.Canonical,
	}

	if c.EstimateOnly {
		est, nReads, err := estimatePass(c, broker)
		if err != nil {
			return nil, err
		}
		sum.NReads = nReads
		sum.EstimatedUnique = est.Distinct()
		sum.TotalSeconds = time.Since(start).Seconds()
		if err = writeHistogram(c.EstimateHistogram, est.Histogram(10000)); err != nil {
			return nil, err
		}
		return sum, writeSummary(c, sum)
	}

	if c.useSmallK() {
		if c.EstimateHistogram != "" {
			log.Warning("histogram estimation is skipped when the direct-indexed engine is selected")
		}
		s, err := runSmallK(c, broker)
		if err != nil {
			return nil, err
		}
		s.SignatureLen = c.SignatureLen
		s.NumBins = c.NumBins
		s.CutoffMin = c.CutoffMin
		s.CutoffMax = c.CutoffMax
		s.Canonical = c.Canonical
		s.TotalSeconds = time.Since(start).Seconds()
		return s, writeSummary(c, s)
	}

	r := &runner{c: c, broker: broker, sum: sum}
	if err := r.buildSigMap(); err != nil {
		return nil, err
	}
	if err := r.stage1(); err != nil {
		r.cleanup()
		return nil, err
	}
	sum.Stage1Seconds = time.Since(start).Seconds()
	if c.Verbose {
		log.Infof("1st stage: %.2fs, %s of temporary data, %d reads, %d super-k-mers",
			sum.Stage1Seconds, humanize.Bytes(uint64(sum.TmpBytes)), sum.NReads, sum.NSuperKmers)
	}

	stage2Start := time.Now()
	if err := r.stage2(); err != nil {
		r.cleanup()
		return nil, err
	}
	sum.Stage2Seconds = time.Since(stage2Start).Seconds()
	sum.TotalSeconds = time.Since(start).Seconds()
	if c.Verbose {
		log.Infof("2nd stage: %.2fs, %d unique k-mers (%d kept)",
			sum.Stage2Seconds, sum.NUnique, sum.NKept)
	}

	if c.EstimateHistogram != "" {
		if err := writeHistogram(c.EstimateHistogram, r.est.Histogram(10000)); err != nil {
			return nil, err
		}
	}
	if r.stats.missingEOL > 0 {
		log.Warningf("%d input file(s) miss a newline at EOF", r.stats.missingEOL)
	}
	if r.stats.emptyReads > 0 && c.Verbose {
		log.Infof("%d empty read(s) skipped", r.stats.emptyReads)
	}
	return sum, writeSummary(c, sum)
}

// runner holds the state shared by the two stages.
type runner struct {
	c      *Config
	broker *errBroker
	sum    *Summary

	sigMap *kmcount.SigToBinMap
	bd     *binDescTable
	est    *estimator
	stats  readerStats
}

// buildSigMap resolves the signature→bin mapping before distribution.
func (r *runner) buildSigMap() error {
	c := r.c
	var err error
	switch c.Scheme {
	case kmcount.SchemeMinHash:
		r.sigMap, err = kmcount.BuildMinHash(c.SignatureLen, c.NumBins)
	case kmcount.SchemeFile:
		r.sigMap, err = kmcount.LoadSigToBinMap(c.SigMapFile, c.SignatureLen, c.NumBins)
	default:
		var stats []uint64
		if stats, err = r.statsPass(); err != nil {
			return err
		}
		r.sigMap, err = kmcount.BuildKMC(stats, c.SignatureLen, c.NumBins)
	}
	return err
}

// readLoop runs reader workers over the input files.
func (r *runner) readLoop(parts *Queue[*seqPart], pool *memPool, budget *int64, bar *mpb.Bar) *sync.WaitGroup {
	c := r.c
	files := newQueue[string](len(c.InputFiles), 1, r.broker)
	for _, f := range c.InputFiles {
		files.Push(f)
	}
	files.Done()

	var wg sync.WaitGroup
	for i := 0; i < c.NReaders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer parts.Done()
			b := newPartBuilder(c.K, pool, parts)
			b.budget = budget
			for {
				file, ok := files.Pop()
				if !ok {
					break
				}
				err := c.readFile(file, b, &r.stats)
				if err == errBudget {
					break
				}
				if err == errCanceled {
					return
				}
				if err != nil {
					r.broker.Fail(err)
					return
				}
				if bar != nil {
					bar.Increment()
				}
			}
			if err := b.close(); err != nil && err != errCanceled {
				r.broker.Fail(err)
			}
		}()
	}
	return &wg
}

// statsPass samples the input and accumulates signature occurrence counts
// for the greedy bin packer.
func (r *runner) statsPass() ([]uint64, error) {
	c := r.c
	if c.Verbose {
		log.Info("training the signature-to-bin mapping ...")
	}
	parts := newQueue[*seqPart](c.NSplitter*2, c.NReaders, r.broker)
	pool := newMemPool(c.NReaders+c.NSplitter+2, readsBufferSize, r.broker)
	budget := int64(statsSampleBudget)
	wgRead := r.readLoop(parts, pool, &budget, nil)

	statsLen := int(kmcount.SpecialSignature(c.SignatureLen)) + 1
	all := make([][]uint64, c.NSplitter)
	var wg sync.WaitGroup
	for i := 0; i < c.NSplitter; i++ {
		all[i] = make([]uint64, statsLen)
		wg.Add(1)
		go func(stats []uint64) {
			defer wg.Done()
			spl, err := newSplitter(c, nil, nil, nil)
			if err != nil {
				r.broker.Fail(err)
				return
			}
			for {
				part, ok := parts.Pop()
				if !ok {
					return
				}
				if err := spl.CalcStats(part.codes, stats); err != nil && err != errCanceled {
					r.broker.Fail(err)
				}
				pool.Free(part.codes)
			}
		}(all[i])
	}
	wgRead.Wait()
	wg.Wait()
	if err := r.broker.Err(); err != nil {
		return nil, err
	}

	total := all[0]
	for _, s := range all[1:] {
		for i, v := range s {
			total[i] += v
		}
	}
	// the training pass counts again from scratch in stage 1
	r.stats = readerStats{}
	return total, nil
}

// stage1 distributes super-k-mers onto the temporary bins.
func (r *runner) stage1() error {
	c := r.c
	r.bd = newBinDescTable(c.NumBins)

	var progress *mpb.Progress
	var bar *mpb.Bar
	if !c.HideProgress {
		progress = mpb.New(mpb.WithWidth(40))
		bar = progress.AddBar(int64(len(c.InputFiles)),
			mpb.PrependDecorators(decor.Name("stage 1 "), decor.CountersNoUnit("%d / %d")),
			mpb.AppendDecorators(decor.Percentage()))
	}

	readPool := newMemPool(c.NReaders+c.NSplitter+2, readsBufferSize, r.broker)
	binPool := newMemPool(
		c.NSplitter*c.NumBins+int(c.MaxMem/4/binPartSize)+64,
		binPartSize, r.broker)

	parts := newQueue[*seqPart](c.NSplitter*2, c.NReaders, r.broker)
	binParts := newQueue[binPart](64, c.NSplitter, r.broker)

	wgRead := r.readLoop(parts, readPool, nil, bar)

	needHist := c.EstimateHistogram != ""
	ests := make([]*estimator, c.NSplitter)
	var wgSplit sync.WaitGroup
	for i := 0; i < c.NSplitter; i++ {
		ests[i] = newEstimator(c.K, c.Canonical, needHist)
		wgSplit.Add(1)
		go func(est *estimator) {
			defer wgSplit.Done()
			defer binParts.Done()
			bins := newBinBuffers(c.K, c.maxX, c.Canonical, c.NumBins, binPool, binParts)
			spl, err := newSplitter(c, r.sigMap, bins, est)
			if err != nil {
				r.broker.Fail(err)
				return
			}
			for {
				part, ok := parts.Pop()
				if !ok {
					break
				}
				if err := spl.ProcessPart(part.codes); err != nil && err != errCanceled {
					r.broker.Fail(err)
					return
				}
				readPool.Free(part.codes)
			}
			if err := bins.Close(); err != nil && err != errCanceled {
				r.broker.Fail(err)
			}
		}(ests[i])
	}

	st := newStorer(c, binParts, binPool, r.bd)
	storerErr := make(chan error, 1)
	go func() { storerErr <- st.Run() }()

	wgRead.Wait()
	if bar != nil {
		bar.SetTotal(int64(len(c.InputFiles)), true)
	}
	wgSplit.Wait()
	if err := <-storerErr; err != nil && err != errCanceled {
		r.broker.Fail(err)
	}
	if progress != nil {
		progress.Wait()
	}
	if err := r.broker.Err(); err != nil {
		return err
	}

	r.est = ests[0]
	for _, e := range ests[1:] {
		r.est.Merge(e)
	}

	r.sum.NReads = uint64(r.stats.nReads)
	for i := range r.bd.bins {
		d := &r.bd.bins[i]
		r.sum.NSuperKmers += d.nSuper
		r.sum.TmpBytes += d.size
	}
	r.sum.EstimatedUnique = r.est.Distinct()
	return nil
}

// stage2 sorts and aggregates the bins into the database.
func (r *runner) stage2() error {
	c := r.c

	if c.OutputFormat == OutputKFF {
		c.lutPrefixLen = 0
		c.counterSize = kffCounterSize(c.CutoffMax, c.CounterMax)
	} else {
		nEst := r.est.Distinct()
		if nEst == 0 {
			nEst = 4 * r.sum.NReads
		}
		c.lutPrefixLen = chooseLutPrefixLen(nEst, c.K, c.NumBins)
	}
	if c.Verbose {
		log.Infof("LUT prefix length: %d, counter size: %d", c.lutPrefixLen, c.counterSize)
	}

	arena := newBinArena(c.MaxMem/2, c.StrictMemory, r.broker)
	sorted := newQueue[sortedBin](c.NSorters*2, c.NSorters, r.broker)
	strictQ := newQueue[int32](c.NumBins, c.NSorters, r.broker)

	cp, err := newCompleter(c, arena, sorted)
	if err != nil {
		return err
	}

	// bins by descending record count
	order := make([]int32, c.NumBins)
	for i := range order {
		order[i] = int32(i)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := r.bd.get(order[i]), r.bd.get(order[j])
		if a.nKxmers != b.nKxmers {
			return a.nKxmers > b.nKxmers
		}
		return order[i] < order[j]
	})
	binQ := newQueue[int32](c.NumBins, 1, r.broker)
	for _, bin := range order {
		binQ.Push(bin)
	}
	binQ.Done()

	var progress *mpb.Progress
	var bar *mpb.Bar
	if !c.HideProgress {
		progress = mpb.New(mpb.WithWidth(40))
		bar = progress.AddBar(int64(c.NumBins),
			mpb.PrependDecorators(decor.Name("stage 2 "), decor.CountersNoUnit("%d / %d")),
			mpb.AppendDecorators(decor.Percentage()))
	}

	var wg sync.WaitGroup
	for i := 0; i < c.NSorters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sorted.Done()
			defer strictQ.Done()
			s := newSorter(c, r.bd, arena, sorted, strictQ)
			for {
				bin, ok := binQ.Pop()
				if !ok {
					return
				}
				if err := s.ProcessBin(bin); err != nil && err != errCanceled {
					r.broker.Fail(err)
					return
				}
				if bar != nil {
					bar.Increment()
				}
			}
		}()
	}

	cpErr := make(chan error, 1)
	go func() { cpErr <- cp.Run() }()

	wg.Wait()
	if err = <-cpErr; err != nil && err != errCanceled {
		r.broker.Fail(err)
	}
	if bar != nil {
		bar.SetTotal(int64(c.NumBins), true)
	}
	if progress != nil {
		progress.Wait()
	}
	if err = r.broker.Err(); err != nil {
		return err
	}

	// bins the arena refused go through the strict-memory engine
	var bigBins []int32
	for {
		bin, ok := strictQ.Pop()
		if !ok {
			break
		}
		bigBins = append(bigBins, bin)
	}
	if len(bigBins) > 0 {
		if c.Verbose {
			log.Infof("strict-memory fallback for %d bin(s)", len(bigBins))
		}
		se := newStrictEngine(c, r.bd, cp, r.broker)
		if err = se.Run(bigBins); err != nil {
			return err
		}
	}

	var sigMap *kmcount.SigToBinMap
	if c.Scheme == kmcount.SchemeKMC {
		sigMap = r.sigMap
	}
	if err = cp.Close(sigMap); err != nil {
		return err
	}

	r.sum.NUnique = cp.NUnique
	r.sum.NBelowCutoff = cp.NBelow
	r.sum.NAboveCutoff = cp.NAbove
	r.sum.NKept = cp.NUnique - cp.NBelow - cp.NAbove
	r.sum.NTotalKmers = cp.NTotal
	r.bd.removeAll()
	return nil
}

// cleanup removes temp files after a failed run.
func (r *runner) cleanup() {
	if r.bd != nil {
		r.bd.removeAll()
	}
}

// estimatePass reads the input only to feed the ntHash estimator.
func estimatePass(c *Config, broker *errBroker) (*estimator, uint64, error) {
	parts := newQueue[*seqPart](c.NSplitter*2, c.NReaders, broker)
	pool := newMemPool(c.NReaders+c.NSplitter+2, readsBufferSize, broker)
	files := newQueue[string](len(c.InputFiles), 1, broker)
	for _, f := range c.InputFiles {
		files.Push(f)
	}
	files.Done()

	var stats readerStats
	var wgRead sync.WaitGroup
	for i := 0; i < c.NReaders; i++ {
		wgRead.Add(1)
		go func() {
			defer wgRead.Done()
			defer parts.Done()
			b := newPartBuilder(c.K, pool, parts)
			for {
				file, ok := files.Pop()
				if !ok {
					break
				}
				if err := c.readFile(file, b, &stats); err != nil && err != errCanceled {
					broker.Fail(err)
					return
				}
			}
			if err := b.close(); err != nil && err != errCanceled {
				broker.Fail(err)
			}
		}()
	}

	ests := make([]*estimator, c.NSplitter)
	var wg sync.WaitGroup
	for i := 0; i < c.NSplitter; i++ {
		ests[i] = newEstimator(c.K, c.Canonical, true)
		wg.Add(1)
		go func(est *estimator) {
			defer wg.Done()
			for {
				part, ok := parts.Pop()
				if !ok {
					return
				}
				start := 0
				for j, b := range part.codes {
					if b == codeSep {
						est.Process(part.codes[start:j])
						start = j + 1
					}
				}
				if start < len(part.codes) {
					est.Process(part.codes[start:])
				}
				pool.Free(part.codes)
			}
		}(ests[i])
	}
	wgRead.Wait()
	wg.Wait()
	if err := broker.Err(); err != nil {
		return nil, 0, err
	}
	est := ests[0]
	for _, e := range ests[1:] {
		est.Merge(e)
	}
	return est, uint64(stats.nReads), nil
}

// writeHistogram writes "count<TAB>frequency" lines, skipping empty slots.
func writeHistogram(file string, hist []uint64) error {
	if file == "" {
		return nil
	}
	outfh, err := xopen.Wopen(file)
	if err != nil {
		return err
	}
	defer outfh.Close()
	for i := 1; i < len(hist); i++ {
		if hist[i] == 0 {
			continue
		}
		fmt.Fprintf(outfh, "%d\t%d\n", i, hist[i])
	}
	return nil
}

// writeSummary writes the JSON summary when configured.
func writeSummary(c *Config, sum *Summary) error {
	if c.JSONSummary == "" {
		return nil
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.JSONSummary, append(data, '\n'), 0o644)
}
