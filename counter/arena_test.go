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
	"testing"
	"time"
)

func simpleRequest(n int64) *arenaRequest {
	return &arenaRequest{FileSize: n, SortPhases: 1}
}

func TestArenaReserveFree(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()
	a := newBinArena(1<<20, false, broker)

	if !a.Init(1, simpleRequest(1<<18)) {
		t.Fatal("Init failed with plenty of space")
	}
	region := a.Reserve(1, regionInputFile)
	if int64(len(region))*8 < 1<<18 {
		t.Fatalf("region too small: %d words", len(region))
	}
	region[0] = 42 // must be writable

	if !a.Init(2, simpleRequest(1<<18)) {
		t.Fatal("second Init failed")
	}
	a.Reserve(2, regionInputFile)

	// overlapping lifetimes: both reservations live
	if len(a.reserved) != 2 {
		t.Fatalf("%d reservations, want 2", len(a.reserved))
	}

	a.Free(1, regionInputFile)
	if len(a.reserved) != 1 {
		t.Fatalf("%d reservations after free, want 1", len(a.reserved))
	}
	a.Free(2, regionInputFile)
	if len(a.reserved) != 0 {
		t.Fatal("reservations remain after freeing everything")
	}
}

func TestArenaBlocksUntilSpaceFrees(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()
	a := newBinArena(1<<16, false, broker)

	if !a.Init(1, simpleRequest(3<<14)) {
		t.Fatal("Init failed")
	}
	a.Reserve(1, regionInputFile)

	got := make(chan bool)
	go func() {
		got <- a.Init(2, simpleRequest(3<<14))
	}()

	select {
	case <-got:
		t.Fatal("Init succeeded while the arena was full")
	case <-time.After(20 * time.Millisecond):
	}

	a.Free(1, regionInputFile)
	select {
	case ok := <-got:
		if !ok {
			t.Fatal("Init failed after space freed")
		}
	case <-time.After(time.Second):
		t.Fatal("Init still blocked after space freed")
	}
}

func TestArenaStrictRejectsOversized(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()
	a := newBinArena(1<<16, true, broker)

	if a.Init(1, simpleRequest(1<<20)) {
		t.Fatal("strict arena accepted an oversized request")
	}
	// a fitting request still works
	if !a.Init(2, simpleRequest(1<<10)) {
		t.Fatal("strict arena rejected a fitting request")
	}
}

func TestArenaRegrowsWhenEmpty(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()
	a := newBinArena(1<<12, false, broker)

	if !a.Init(1, simpleRequest(1<<16)) {
		t.Fatal("non-strict arena did not regrow for a large request")
	}
	if a.total < words(1<<16) {
		t.Fatalf("arena total %d words after regrow", a.total)
	}
}

func TestArenaRegionLayout(t *testing.T) {
	broker := newErrBroker()
	defer broker.cancel()
	a := newBinArena(1<<20, false, broker)

	req := &arenaRequest{
		FileSize:     1000,
		KxmerBytes:   2048,
		OutBytes:     512,
		CounterBytes: 256,
		LUTBytes:     128,
		SortPhases:   1,
	}
	if !a.Init(7, req) {
		t.Fatal("Init failed")
	}
	sizes := map[arenaRegion]int64{
		regionInputFile:  1000,
		regionInputArray: 2048,
		regionTmpArray:   0,
		regionSuffix:     512,
		regionCounters:   256,
		regionLUT:        128,
	}
	for kind, bytes := range sizes {
		region := a.Reserve(7, kind)
		if int64(len(region)) != words(bytes) {
			t.Errorf("region %d: %d words, want %d", kind, len(region), words(bytes))
		}
	}
	for kind := range sizes {
		a.Free(7, kind)
	}
	if len(a.reserved) != 0 {
		t.Error("reservation not returned after freeing all regions")
	}
}

func TestArenaEvenPhaseAliasing(t *testing.T) {
	req := &arenaRequest{
		FileSize:   64,
		KxmerBytes: 4096,
		TmpBytes:   4096,
		OutBytes:   512,
		LUTBytes:   64,
		SortPhases: 2,
	}
	// with an even phase count the scratch doubles as the output area
	if got, want := req.part2Words(), words(4096); got != want {
		t.Errorf("part2Words = %d, want %d", got, want)
	}
	req.SortPhases = 3
	if got, want := req.part2Words(), words(4096)+words(512)+words(64); got != want {
		t.Errorf("part2Words = %d, want %d", got, want)
	}
}
