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
	"math/rand"
	"testing"

	"github.com/shenwei356/kmcount"
)

// encodeReads builds a decoded part from plain sequences.
func encodeReads(reads []string) []byte {
	var codes []byte
	for _, r := range reads {
		codes = encodeBases(codes, []byte(r))
		codes = append(codes, codeSep)
	}
	return codes
}

// distributeReads runs the splitter and storer single-threaded, returning
// the filled descriptor table.
func distributeReads(t *testing.T, c *Config, broker *errBroker, reads []string) *binDescTable {
	t.Helper()
	sigMap, err := kmcount.BuildMinHash(c.SignatureLen, c.NumBins)
	if err != nil {
		t.Fatal(err)
	}
	bd := newBinDescTable(c.NumBins)
	pool := newMemPool(4096, binPartSize, broker)
	parts := newQueue[binPart](4096, 1, broker)
	bins := newBinBuffers(c.K, c.maxX, c.Canonical, c.NumBins, pool, parts)
	spl, err := newSplitter(c, sigMap, bins, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = spl.ProcessPart(encodeReads(reads)); err != nil {
		t.Fatal(err)
	}
	if err = bins.Close(); err != nil {
		t.Fatal(err)
	}
	parts.Done()
	if err = newStorer(c, parts, pool, bd).Run(); err != nil {
		t.Fatal(err)
	}
	return bd
}

// TestStrictEngine routes every bin through the fallback pipeline and
// checks the resulting database against the reference counter.
func TestStrictEngine(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	reads := randomReads(rng, 120, 40, 300, true)

	for _, canonical := range []bool{false, true} {
		dir := t.TempDir()
		c := testConfig(dir, []string{"unused"}, 17)
		c.Canonical = canonical
		if err := c.Check(); err != nil {
			t.Fatal(err)
		}
		c.lutPrefixLen = 5
		c.Scheme = kmcount.SchemeMinHash

		broker := newErrBroker()
		bd := distributeReads(t, &c, broker, reads)

		cp, err := newCompleter(&c, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		se := newStrictEngine(&c, bd, cp, broker)
		se.chunkRecs = 64 // force several sub-bins per bin

		bins := make([]int32, c.NumBins)
		for i := range bins {
			bins[i] = int32(i)
		}
		if err = se.Run(bins); err != nil {
			t.Fatal(err)
		}
		if err = cp.Close(nil); err != nil {
			t.Fatal(err)
		}
		broker.cancel()

		got := decodeDB(t, c.Output, c.K)
		diffCounts(t, got, bruteCounts(reads, c.K, canonical), "strict")
	}
}
