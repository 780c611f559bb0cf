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

package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shenwei356/kmcount"
	"github.com/shenwei356/kmcount/counter"
	"github.com/shenwei356/util/bytesize"
	"github.com/spf13/cobra"
)

var countCmd = &cobra.Command{
	Use:   "count [flags] {<input>|@<listfile>} <output-prefix> [tmp-dir]",
	Short: "Count k-mers into a sorted on-disk database",
	Long: `Count k-mers into a sorted on-disk database

Input is FASTA/FASTQ (plain or gzipped), BAM, or an existing database
(re-counting). The result is a pair of files <output-prefix>.kmc_pre and
<output-prefix>.kmc_suf holding every distinct k-mer with its count in
ascending packed order, or a single <output-prefix>.kff file with
--out-format kff.

Attentions:
  1. By default a k-mer and its reverse complement are counted as one
     (the canonical form); disable with -b/--no-canonical.
  2. Temporary bin files are written to tmp-dir (default: the output
     directory); with -r/--ram-only they stay in memory.
  3. --strict-memory guarantees the -m budget at the cost of extra disk
     passes for oversized bins.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)
		runtime.GOMAXPROCS(opt.NumCPUs)

		if len(args) < 2 {
			checkError(fmt.Errorf("at least an input and an output prefix are needed"))
		}
		var tmpDir string
		output := args[len(args)-1]
		inputArgs := args[:len(args)-1]
		if len(args) >= 3 {
			// a trailing existing directory is the tmp-dir
			if st, err := os.Stat(args[len(args)-1]); err == nil && st.IsDir() {
				tmpDir = args[len(args)-1]
				output = args[len(args)-2]
				inputArgs = args[:len(args)-2]
			}
		}
		if tmpDir == "" {
			tmpDir = outputDir(output)
		}

		c := counter.DefaultConfig()
		c.InputFiles = getFileList(cmd, inputArgs)
		c.Output = output
		c.TmpDir = tmpDir
		c.Threads = opt.NumCPUs
		c.Verbose = opt.Verbose

		c.K = getFlagPositiveInt(cmd, "kmer-len")
		c.SignatureLen = getFlagPositiveInt(cmd, "signature-len")
		c.NumBins = getFlagPositiveInt(cmd, "num-bins")
		c.MaxMem = parseMemory(getFlagString(cmd, "memory"))
		c.StrictMemory = getFlagBool(cmd, "strict-memory")
		c.RAMOnly = getFlagBool(cmd, "ram-only")
		c.Canonical = !getFlagBool(cmd, "no-canonical")
		c.HomopolymerCompressed = getFlagBool(cmd, "homopolymer-compressed")
		c.CutoffMin = uint32(getFlagPositiveInt(cmd, "cutoff-min"))
		c.CutoffMax = getFlagUint64(cmd, "cutoff-max")
		c.CounterMax = getFlagUint64(cmd, "counter-max")
		c.WithoutOutput = getFlagBool(cmd, "no-output")
		c.JSONSummary = getFlagString(cmd, "json-summary")
		c.HideProgress = getFlagBool(cmd, "hide-progress") || !opt.Verbose
		c.NReaders = getFlagInt(cmd, "n-readers")
		c.NSplitter = getFlagInt(cmd, "n-splitters")
		c.NSorters = getFlagInt(cmd, "n-sorters")
		c.NUncompactors = getFlagInt(cmd, "n-uncompactors")
		c.NMergers = getFlagInt(cmd, "n-mergers")

		switch format := getFlagString(cmd, "format"); format {
		case "a":
			c.Format = counter.FormatFasta
		case "q":
			c.Format = counter.FormatFastq
		case "m":
			c.Format = counter.FormatMultilineFasta
		case "bam":
			c.Format = counter.FormatBAM
		case "kmc":
			c.Format = counter.FormatKMC
		default:
			checkError(fmt.Errorf("invalid input format: %s (a/q/m/bam/kmc)", format))
		}

		switch of := getFlagString(cmd, "out-format"); of {
		case "kmc":
			c.OutputFormat = counter.OutputKMC
		case "kff":
			c.OutputFormat = counter.OutputKFF
		default:
			checkError(fmt.Errorf("invalid output format: %s (kmc/kff)", of))
		}

		if mapFile := getFlagString(cmd, "signature-map"); mapFile != "" {
			c.Scheme = kmcount.SchemeFile
			c.SigMapFile = mapFile
		} else {
			switch scheme := getFlagString(cmd, "signature-scheme"); scheme {
			case "kmc":
				c.Scheme = kmcount.SchemeKMC
			case "min-hash", "minhash":
				c.Scheme = kmcount.SchemeMinHash
			default:
				checkError(fmt.Errorf("invalid signature scheme: %s (kmc/min-hash)", scheme))
			}
		}

		c.EstimateHistogram = getFlagString(cmd, "estimate-histogram")
		if f := getFlagString(cmd, "estimate-only"); f != "" {
			c.EstimateHistogram = f
			c.EstimateOnly = true
		}

		sum, err := counter.Run(&c)
		checkError(err)

		if opt.Verbose {
			log.Infof("%d reads, %d total k-mers, %d unique, %d counted",
				sum.NReads, sum.NTotalKmers, sum.NUnique, sum.NKept)
			log.Infof("elapsed: %.2fs (1st stage %.2fs, 2nd stage %.2fs)",
				sum.TotalSeconds, sum.Stage1Seconds, sum.Stage2Seconds)
		}
	},
}

// parseMemory accepts a plain number of gigabytes or a byte size like 4G.
func parseMemory(s string) int64 {
	if n, err := strconv.Atoi(s); err == nil {
		return int64(n) << 30
	}
	v, err := bytesize.Parse([]byte(strings.ToUpper(s)))
	if err != nil {
		checkError(fmt.Errorf("invalid memory budget: %s", s))
	}
	return int64(v)
}

func outputDir(output string) string {
	if i := strings.LastIndexByte(output, '/'); i >= 0 {
		return output[:i]
	}
	return "."
}

func init() {
	RootCmd.AddCommand(countCmd)

	countCmd.Flags().IntP("kmer-len", "k", 25, "k-mer length (1-256)")
	countCmd.Flags().IntP("signature-len", "p", 9, "minimizer signature length (5-11)")
	countCmd.Flags().IntP("num-bins", "n", 512, "number of temporary bins (64-2000)")
	countCmd.Flags().StringP("memory", "m", "12", "RAM budget, plain gigabytes or a size like 8G")
	countCmd.Flags().BoolP("strict-memory", "", false, "never exceed the RAM budget (extra disk passes)")
	countCmd.Flags().BoolP("ram-only", "r", false, "keep temporary bins in RAM instead of disk")
	countCmd.Flags().BoolP("no-canonical", "b", false, "count k-mer and its reverse complement separately")
	countCmd.Flags().BoolP("homopolymer-compressed", "", false, "collapse homopolymer runs before counting")
	countCmd.Flags().IntP("cutoff-min", "", 2, "exclude k-mers occurring fewer times")
	countCmd.Flags().Uint64P("cutoff-max", "", 1e9, "exclude k-mers occurring more times")
	countCmd.Flags().Uint64P("counter-max", "", 255, "clamp stored counters at this value")
	countCmd.Flags().StringP("format", "f", "q", "input format: a/q/m (FASTA/FASTQ/multi-line FASTA), bam, kmc")
	countCmd.Flags().StringP("out-format", "o", "kmc", "output format: kmc or kff")
	countCmd.Flags().StringP("signature-scheme", "", "kmc", "signature-to-bin scheme: kmc or min-hash")
	countCmd.Flags().StringP("signature-map", "", "", "load the signature-to-bin mapping from a file")
	countCmd.Flags().BoolP("no-output", "w", false, "count without writing the database")
	countCmd.Flags().BoolP("hide-progress", "", false, "do not show progress bars")
	countCmd.Flags().StringP("json-summary", "", "", "write a JSON run summary to this file")
	countCmd.Flags().StringP("estimate-histogram", "e", "", "estimate the count histogram into this file and continue")
	countCmd.Flags().StringP("estimate-only", "E", "", "estimate the count histogram into this file and exit")
	countCmd.Flags().IntP("n-readers", "", 0, "input reader threads (0: auto)")
	countCmd.Flags().IntP("n-splitters", "", 0, "splitter threads (0: auto)")
	countCmd.Flags().IntP("n-sorters", "", 0, "sorter threads (0: auto)")
	countCmd.Flags().IntP("n-uncompactors", "", 0, "strict-memory uncompactor threads (0: auto)")
	countCmd.Flags().IntP("n-mergers", "", 0, "strict-memory merger threads (0: auto)")
}
