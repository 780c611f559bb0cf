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
)

// Small inputs are tracked exactly by the bottom-k sketch.
func TestEstimatorExactBelowSketchSize(t *testing.T) {
	rng := rand.New(rand.NewSource(91))
	k := 21
	e := newEstimator(k, false, false)

	reads := randomReads(rng, 10, 50, 100, false)
	for _, r := range reads {
		e.Process(encodeReads([]string{r}))
	}

	want := uint64(len(bruteCounts(reads, k, false)))
	got := e.Distinct()
	// ntHash may collide, so allow a sliver of slack
	if got < want-want/100 || got > want {
		t.Errorf("Distinct = %d, want about %d", got, want)
	}
}

// Large inputs are estimated within a reasonable relative error.
func TestEstimatorAccuracy(t *testing.T) {
	rng := rand.New(rand.NewSource(92))
	k := 21
	e := newEstimator(k, false, false)

	reads := randomReads(rng, 300, 400, 600, false)
	for _, r := range reads {
		e.Process(encodeReads([]string{r}))
	}

	want := float64(len(bruteCounts(reads, k, false)))
	got := float64(e.Distinct())
	if got < want*0.85 || got > want*1.15 {
		t.Errorf("Distinct = %.0f, want within 15%% of %.0f", got, want)
	}
}

func TestEstimatorMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(93))
	k := 21
	a := newEstimator(k, false, false)
	b := newEstimator(k, false, false)

	reads := randomReads(rng, 40, 100, 200, false)
	for i, r := range reads {
		codes := encodeReads([]string{r})
		if i%2 == 0 {
			a.Process(codes)
		} else {
			b.Process(codes)
		}
	}
	full := newEstimator(k, false, false)
	for _, r := range reads {
		full.Process(encodeReads([]string{r}))
	}

	a.Merge(b)
	if a.Distinct() != full.Distinct() {
		t.Errorf("merged Distinct = %d, split-free Distinct = %d", a.Distinct(), full.Distinct())
	}
}

func TestEstimatorHistogram(t *testing.T) {
	rng := rand.New(rand.NewSource(94))
	k := 21
	e := newEstimator(k, false, true)

	// every k-mer appears exactly three times
	reads := randomReads(rng, 30, 100, 200, false)
	for rep := 0; rep < 3; rep++ {
		for _, r := range reads {
			e.Process(encodeReads([]string{r}))
		}
	}

	hist := e.Histogram(100)
	var at3, others uint64
	for i, v := range hist {
		if i == 3 {
			at3 = v
		} else {
			others += v
		}
	}
	if at3 == 0 {
		t.Fatal("histogram misses the count-3 peak")
	}
	if others > at3/5 {
		t.Errorf("histogram noise %d vs peak %d", others, at3)
	}
}
