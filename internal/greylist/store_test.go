/*
Greylistd - greylisting policy daemon for mail transfer agents.
Copyright © 2025 The greylistd authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package greylist

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Params{
		RetryMin: time.Minute,
		RetryMax: time.Hour,
		Expire:   24 * time.Hour,
	})
}

func TestStoreConcurrentFirstContact(t *testing.T) {
	s := testStore(t)
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	now := time.Unix(1700000000, 0)

	const workers = 32
	verdicts := make([]Status, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			verdicts[i] = s.Update(triplet, now)
		}(i)
	}
	wg.Wait()

	for i, v := range verdicts {
		if v != StatusGrey {
			t.Errorf("worker %d got verdict %v, wanted grey", i, v)
		}
	}
	if s.Len() != 1 {
		t.Errorf("store holds %d entries, wanted 1", s.Len())
	}
	if stats := s.Stats(); stats.Grey != 1 {
		t.Errorf("stats.Grey = %d, wanted exactly one first contact", stats.Grey)
	}
}

func TestStoreConcurrentDistinctTriplets(t *testing.T) {
	s := testStore(t)
	now := time.Unix(1700000000, 0)

	const workers = 64
	triplets := make([]Triplet, workers)
	for i := range triplets {
		triplets[i] = mustParseTriplet(t, fmt.Sprintf("192.0.%d.%d s@example.org r@example.com", i/256, i%256))
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			s.Update(triplets[i], now)
		}(i)
	}
	wg.Wait()

	if s.Len() != workers {
		t.Errorf("store holds %d entries, wanted %d", s.Len(), workers)
	}
	if stats := s.Stats(); stats.Grey != workers {
		t.Errorf("stats.Grey = %d, wanted %d", stats.Grey, workers)
	}
}

func TestStoreUpdatePromotion(t *testing.T) {
	s := testStore(t)
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	start := time.Unix(1700000000, 0)

	if v := s.Update(triplet, start); v != StatusGrey {
		t.Fatalf("first contact verdict = %v, wanted grey", v)
	}
	if v := s.Update(triplet, start.Add(30*time.Second)); v != StatusGrey {
		t.Errorf("early retry verdict = %v, wanted grey", v)
	}
	if v := s.Update(triplet, start.Add(2*time.Minute)); v != StatusWhite {
		t.Errorf("retry past delay verdict = %v, wanted white", v)
	}
	if v := s.Update(triplet, start.Add(3*time.Minute)); v != StatusWhite {
		t.Errorf("whitelisted verdict = %v, wanted white", v)
	}

	stats := s.Stats()
	if stats.Grey != 1 || stats.White != 1 {
		t.Errorf("stats = %+v, wanted one first contact and one promotion", stats)
	}
}

func TestStoreCheckDoesNotMutate(t *testing.T) {
	s := testStore(t)
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	now := time.Unix(1700000000, 0)

	if v := s.Check(triplet, now); v != StatusGrey {
		t.Errorf("check of unseen triplet = %v, wanted grey", v)
	}
	if s.Len() != 0 {
		t.Errorf("check created an entry")
	}

	s.Update(triplet, now)
	s.Check(triplet, now.Add(2*time.Minute))
	entries, _ := s.Snapshot()
	if len(entries) != 1 || entries[0].Entry.Count != 1 {
		t.Errorf("check mutated the entry: %+v", entries)
	}
}

func TestStoreSubnetSharing(t *testing.T) {
	s := NewStore(Params{
		RetryMin:   time.Minute,
		RetryMax:   time.Hour,
		Expire:     24 * time.Hour,
		OnlySubnet: true,
	})
	start := time.Unix(1700000000, 0)

	// Two hosts in the same /24 share the greylisting state.
	s.Update(mustParseTriplet(t, "192.0.2.15 s@example.org r@example.com"), start)
	v := s.Update(mustParseTriplet(t, "192.0.2.200 s@example.org r@example.com"), start.Add(2*time.Minute))
	if v != StatusWhite {
		t.Errorf("sibling host verdict = %v, wanted white", v)
	}
	if s.Len() != 1 {
		t.Errorf("store holds %d entries, wanted 1 shared entry", s.Len())
	}
}

func TestStoreAddDelete(t *testing.T) {
	s := testStore(t)
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	now := time.Unix(1700000000, 0)

	s.Add(triplet, StatusBlack, now)
	if st, ok := s.StatusOf(triplet); !ok || st != StatusBlack {
		t.Errorf("StatusOf after Add = %v, %v", st, ok)
	}
	if v := s.Update(triplet, now.Add(time.Minute)); v != StatusBlack {
		t.Errorf("blacklisted verdict = %v, wanted black", v)
	}

	if st, ok := s.Delete(triplet); !ok || st != StatusBlack {
		t.Errorf("Delete = %v, %v", st, ok)
	}
	if _, ok := s.StatusOf(triplet); ok {
		t.Errorf("entry survived Delete")
	}
	if _, ok := s.Delete(triplet); ok {
		t.Errorf("second Delete reported a match")
	}
}

func TestStoreClear(t *testing.T) {
	s := testStore(t)
	now := time.Unix(1700000000, 0)
	grey := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	white := mustParseTriplet(t, "192.0.2.2 s@example.org r@example.com")

	s.Update(grey, now)
	s.Add(white, StatusWhite, now)

	s.Clear([]Status{StatusGrey})
	if _, ok := s.StatusOf(grey); ok {
		t.Errorf("grey entry survived Clear(grey)")
	}
	if _, ok := s.StatusOf(white); !ok {
		t.Errorf("white entry removed by Clear(grey)")
	}

	s.Clear(nil)
	if s.Len() != 0 {
		t.Errorf("store not empty after Clear(nil)")
	}
	if stats := s.Stats(); stats.Grey != 0 || stats.White != 0 {
		t.Errorf("stats not reset by Clear(nil): %+v", stats)
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := testStore(t)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 10; i++ {
		s.Update(mustParseTriplet(t, fmt.Sprintf("192.0.2.%d s@example.org r@example.com", i)), now)
	}
	s.Add(mustParseTriplet(t, "203.0.113.1 spam@example.net r@example.com"), StatusBlack, now)

	entries, stats := s.Snapshot()
	if len(entries) != 11 {
		t.Fatalf("snapshot has %d entries, wanted 11", len(entries))
	}

	restored := testStore(t)
	restored.Restore(entries, stats)

	entries2, stats2 := restored.Snapshot()
	if !reflect.DeepEqual(entries, entries2) {
		t.Errorf("restored entries differ from original snapshot")
	}
	if !reflect.DeepEqual(stats, stats2) {
		t.Errorf("restored stats differ: %+v != %+v", stats, stats2)
	}
}

func TestStoreSnapshotPointInTime(t *testing.T) {
	s := testStore(t)
	now := time.Unix(1700000000, 0)

	// Pick two triplets whose keys land in the first and the last shard,
	// so a shard-by-shard copy would visit them as far apart as possible.
	var first, last Triplet
	firstFound, lastFound := false, false
	for i := 0; i < 4096 && !(firstFound && lastFound); i++ {
		tr := mustParseTriplet(t, fmt.Sprintf("10.0.%d.%d s@example.org r@example.com",
			i/256, i%256))
		key := tr.Key(false)
		switch key[0] & (shardCount - 1) {
		case 0:
			if !firstFound {
				first, firstFound = tr, true
			}
		case shardCount - 1:
			if !lastFound {
				last, lastFound = tr, true
			}
		}
	}
	if !firstFound || !lastFound {
		t.Fatal("no suitable triplet pair found")
	}

	// The writer always bumps first before last, so in any serial cut
	// first's count is >= last's count. A snapshot that shows last ahead
	// of first mixed states from before and after an update.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			s.Update(first, now)
			s.Update(last, now)
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		entries, _ := s.Snapshot()
		var firstCount, lastCount uint32
		for _, ke := range entries {
			switch ke.Entry.Triplet {
			case first:
				firstCount = ke.Entry.Count
			case last:
				lastCount = ke.Entry.Count
			}
		}
		if lastCount > firstCount {
			t.Fatalf("snapshot is not a point-in-time view: counts %d > %d", lastCount, firstCount)
		}
	}
}

func TestStoreSweep(t *testing.T) {
	s := testStore(t)
	start := time.Unix(1700000000, 0)

	fresh := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	abandoned := mustParseTriplet(t, "192.0.2.2 s@example.org r@example.com")
	white := mustParseTriplet(t, "192.0.2.3 s@example.org r@example.com")
	lapsedWhite := mustParseTriplet(t, "192.0.2.4 s@example.org r@example.com")

	s.Update(abandoned, start)
	s.Add(lapsedWhite, StatusWhite, start)
	s.Update(fresh, start.Add(30*time.Hour))
	s.Add(white, StatusWhite, start.Add(30*time.Hour))

	removed := s.Sweep(start.Add(30 * time.Hour))
	if removed != 2 {
		t.Errorf("Sweep removed %d entries, wanted 2", removed)
	}
	if _, ok := s.StatusOf(fresh); !ok {
		t.Errorf("fresh grey entry swept")
	}
	if _, ok := s.StatusOf(white); !ok {
		t.Errorf("active white entry swept")
	}
	if _, ok := s.StatusOf(abandoned); ok {
		t.Errorf("abandoned grey entry not swept")
	}
	if _, ok := s.StatusOf(lapsedWhite); ok {
		t.Errorf("lapsed white entry not swept")
	}
}

func TestStoreTallies(t *testing.T) {
	s := testStore(t)
	now := time.Unix(1700000000, 0)
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")

	s.Update(triplet, now)
	s.Update(triplet, now.Add(30*time.Second))
	s.Add(mustParseTriplet(t, "192.0.2.2 s@example.org r@example.com"), StatusWhite, now)

	tallies := s.Tallies()
	if got := tallies[StatusGrey]; got.Items != 1 || got.Requests != 2 {
		t.Errorf("grey tally = %+v, wanted 1 item with 2 requests", got)
	}
	if got := tallies[StatusWhite]; got.Items != 1 {
		t.Errorf("white tally = %+v, wanted 1 item", got)
	}
}
