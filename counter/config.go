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

// Package counter implements the two-stage external-memory k-mer counting
// pipeline: distribution of super-k-mers into disk bins, then per-bin
// expansion, radix sorting and aggregation into the final database.
package counter

import (
	"fmt"
	"runtime"

	"github.com/shenwei356/go-logging"
	"github.com/shenwei356/kmcount"
)

var log = logging.MustGetLogger("kmcount")

// InputFormat selects the input parser.
type InputFormat int

// Supported input formats.
const (
	FormatFasta InputFormat = iota
	FormatFastq
	FormatMultilineFasta
	FormatBAM
	FormatKMC // re-count an existing database
)

// OutputFormat selects the database layout.
type OutputFormat int

// Supported output formats.
const (
	OutputKMC OutputFormat = iota
	OutputKFF
)

// Bounds of configurable values.
const (
	MinBins = 64
	MaxBins = 2000

	// MaxX bounds the k-mer extension used to densify sorting.
	MaxX = 3

	// smallKMax is the largest k handled by the direct-indexed engine.
	smallKMax = 13
)

// Sizes of pooled buffers, in bytes.
const (
	fastqBufferSize = 1 << 23 // raw input packs
	binPartSize     = 1 << 15 // super-k-mer buffer handed to the storer
	readsBufferSize = 1 << 24 // decoded symbol parts
)

// statsSampleBudget caps the decoded bytes consumed by the signature
// training pass.
const statsSampleBudget = 1 << 25

// Config drives a counting run.
type Config struct {
	InputFiles []string
	Format     InputFormat

	Output       string
	OutputFormat OutputFormat
	TmpDir       string

	K            int
	SignatureLen int
	NumBins      int

	MaxMem       int64 // RAM budget in bytes
	StrictMemory bool
	RAMOnly      bool

	Canonical             bool // count min(k-mer, revcomp)
	HomopolymerCompressed bool

	CutoffMin  uint32
	CutoffMax  uint64
	CounterMax uint64

	Scheme     kmcount.SignatureScheme
	SigMapFile string // for SchemeFile

	Threads   int
	NReaders  int
	NSplitter int
	NSorters  int

	// strict-memory worker counts
	NUncompactors int
	NMergers      int

	WithoutOutput     bool
	JSONSummary       string
	EstimateHistogram string // write an estimated count histogram here
	EstimateOnly      bool   // stop after the estimate

	HideProgress bool
	Verbose      bool

	// derived, filled by Check
	maxX         int
	words        int // words per k-mer
	counterSize  int
	lutPrefixLen int // chosen before stage 2
}

// DefaultConfig returns a configuration with the usual defaults.
func DefaultConfig() Config {
	return Config{
		K:            25,
		SignatureLen: 9,
		NumBins:      512,
		MaxMem:       12 << 30,
		Canonical:    true,
		CutoffMin:    2,
		CutoffMax:    1e9,
		CounterMax:   255,
		Threads:      runtime.NumCPU(),
	}
}

// Check validates ranges, resolves defaulted fields and computes the derived
// ones. It mutates the receiver and must be called before Run.
func (c *Config) Check() error {
	if len(c.InputFiles) == 0 {
		return fmt.Errorf("counter: no input files")
	}
	if c.K < 1 || c.K > kmcount.MaxK {
		return fmt.Errorf("counter: k (%d) out of range [1, %d]", c.K, kmcount.MaxK)
	}
	if c.SignatureLen < kmcount.MinSignatureLen || c.SignatureLen > kmcount.MaxSignatureLen {
		return fmt.Errorf("counter: signature length (%d) out of range [%d, %d]",
			c.SignatureLen, kmcount.MinSignatureLen, kmcount.MaxSignatureLen)
	}
	if c.SignatureLen > c.K && !c.useSmallK() {
		return fmt.Errorf("counter: signature length (%d) exceeds k (%d)", c.SignatureLen, c.K)
	}
	if c.NumBins < MinBins || c.NumBins > MaxBins {
		return fmt.Errorf("counter: number of bins (%d) out of range [%d, %d]", c.NumBins, MinBins, MaxBins)
	}
	if c.CutoffMin < 1 {
		return fmt.Errorf("counter: minimum cutoff must be at least 1")
	}
	if c.CutoffMax < uint64(c.CutoffMin) {
		return fmt.Errorf("counter: maximum cutoff (%d) below minimum cutoff (%d)", c.CutoffMax, c.CutoffMin)
	}
	if c.CounterMax < 1 {
		return fmt.Errorf("counter: counter clamp must be at least 1")
	}
	if c.Scheme == kmcount.SchemeFile && c.SigMapFile == "" {
		return fmt.Errorf("counter: signature scheme 'file' needs a mapping file")
	}
	if c.Output == "" && !c.WithoutOutput && !c.EstimateOnly {
		return fmt.Errorf("counter: no output path")
	}

	if c.Threads < 1 {
		c.Threads = runtime.NumCPU()
	}
	if c.NReaders < 1 {
		c.NReaders = 1
	}
	if c.NSplitter < 1 {
		c.NSplitter = max(1, c.Threads-c.NReaders)
	}
	if c.NSorters < 1 {
		c.NSorters = c.Threads
	}
	if c.NUncompactors < 1 {
		c.NUncompactors = 1
	}
	if c.NMergers < 1 {
		c.NMergers = 1
	}
	if c.MaxMem < 128<<20 {
		return fmt.Errorf("counter: memory budget below 128 MB")
	}

	c.words = kmcount.Words(c.K)
	c.maxX = chooseMaxX(c.K)
	c.counterSize = counterSize(c.CutoffMax, c.CounterMax)
	return nil
}

// chooseMaxX picks the k-mer extension: larger k profits from denser
// records, tiny k does not leave room for them.
func chooseMaxX(k int) int {
	switch {
	case k < 8:
		return 0
	case k < 16:
		return 1
	case k < 24:
		return 2
	default:
		return MaxX
	}
}

// bytesFor returns the number of bytes needed to hold v.
func bytesFor(v uint64) int {
	n := 1
	for v > 255 {
		v >>= 8
		n++
	}
	return n
}

// counterSize returns the per-record counter width of the KMC database.
func counterSize(cutoffMax, counterMax uint64) int {
	a, b := bytesFor(cutoffMax), bytesFor(counterMax)
	if a < b {
		return a
	}
	return b
}

// kffCounterSize returns the data size of KFF records.
func kffCounterSize(cutoffMax, counterMax uint64) int {
	m := cutoffMax
	if counterMax > m {
		m = counterMax
	}
	n := bytesFor(m)
	if counterMax == 1 {
		n--
	}
	return n
}

// useSmallK reports whether the direct-indexed engine replaces the
// two-stage pipeline for this configuration.
func (c *Config) useSmallK() bool {
	return c.K <= smallKMax
}

// suffixBytes returns the per-record suffix size for the chosen LUT prefix.
func (c *Config) suffixBytes() int {
	return (c.K - c.lutPrefixLen + 3) / 4
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
