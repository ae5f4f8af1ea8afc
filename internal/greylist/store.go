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
	"bytes"
	"sort"
	"sync"
	"time"
)

// shardCount must be a power of two, the shard is picked from the first
// key byte.
const shardCount = 16

type shard struct {
	sync.Mutex
	entries map[Key]Entry
}

// Stats is the persistent statistics block. Grey and White count
// first-contact and promotion events since Start, not current entries.
type Stats struct {
	Grey  uint32
	White uint32
	Black uint32

	Start    time.Time
	LastSave time.Time
}

// Store is the authoritative key to entry mapping.
//
// Mutation of a single entry is linearized by its shard lock: two
// simultaneous first-contact queries for the same triplet observe each
// other, only one of them is reported as first contact. Snapshot holds
// all shard locks for the duration of the in-memory copy so the result
// is a point-in-time view; Sweep takes shard locks one at a time. No
// lock is ever held across I/O.
type Store struct {
	params Params
	shards [shardCount]shard

	statsMu sync.Mutex
	stats   Stats
}

func NewStore(params Params) *Store {
	s := &Store{params: params}
	for i := range s.shards {
		s.shards[i].entries = make(map[Key]Entry)
	}
	s.stats.Start = time.Now()
	return s
}

func (s *Store) Params() Params {
	return s.params
}

func (s *Store) shardFor(k Key) *shard {
	return &s.shards[k[0]&(shardCount-1)]
}

func (s *Store) keyFor(t Triplet) Key {
	return t.Key(s.params.OnlySubnet)
}

// Update runs the decision state machine for the triplet and applies the
// result, atomically with respect to concurrent calls for the same key.
// This is the only mutation path used by mail flow queries.
func (s *Store) Update(t Triplet, now time.Time) Status {
	key := s.keyFor(t)
	sh := s.shardFor(key)

	sh.Lock()
	var cur *Entry
	if e, ok := sh.entries[key]; ok {
		cur = &e
	}
	out := Decide(cur, t, now, s.params)
	sh.entries[key] = out.Entry
	sh.Unlock()

	if out.FirstContact || out.Promoted {
		s.statsMu.Lock()
		if out.FirstContact {
			s.stats.Grey++
		}
		if out.Promoted {
			s.stats.White++
		}
		s.statsMu.Unlock()
	}

	decisionsTotal.WithLabelValues("update", out.Verdict.String()).Inc()
	return out.Verdict
}

// Check computes the verdict the triplet would receive without mutating
// any state.
func (s *Store) Check(t Triplet, now time.Time) Status {
	key := s.keyFor(t)
	sh := s.shardFor(key)

	sh.Lock()
	var cur *Entry
	if e, ok := sh.entries[key]; ok {
		cur = &e
	}
	verdict := Peek(cur, now, s.params)
	sh.Unlock()

	decisionsTotal.WithLabelValues("check", verdict.String()).Inc()
	return verdict
}

// StatusOf returns the raw stored listing status, without the aging rules
// applied. The second return value is false for unseen triplets.
func (s *Store) StatusOf(t Triplet) (Status, bool) {
	key := s.keyFor(t)
	sh := s.shardFor(key)

	sh.Lock()
	defer sh.Unlock()
	e, ok := sh.entries[key]
	return e.Status, ok
}

// Add inserts the triplet with the given listing status, or forces the
// status of an existing entry. Used by the administrative add command.
func (s *Store) Add(t Triplet, status Status, now time.Time) {
	key := s.keyFor(t)
	sh := s.shardFor(key)

	sh.Lock()
	e, ok := sh.entries[key]
	if ok {
		e.Status = status
		e.LastSeen = now
	} else {
		e = Entry{Triplet: t, Status: status, FirstSeen: now, LastSeen: now}
	}
	sh.entries[key] = e
	sh.Unlock()

	if !ok && status == StatusBlack {
		s.statsMu.Lock()
		s.stats.Black++
		s.statsMu.Unlock()
	}
}

// Delete removes the entry for the triplet and reports the status it had.
func (s *Store) Delete(t Triplet) (Status, bool) {
	key := s.keyFor(t)
	sh := s.shardFor(key)

	sh.Lock()
	defer sh.Unlock()
	e, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	return e.Status, ok
}

// Clear drops all entries with one of the given statuses. An empty status
// set drops everything and resets the statistics block.
func (s *Store) Clear(statuses []Status) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		if len(statuses) == 0 {
			sh.entries = make(map[Key]Entry)
		} else {
			for k, e := range sh.entries {
				for _, st := range statuses {
					if e.Status == st {
						delete(sh.entries, k)
						break
					}
				}
			}
		}
		sh.Unlock()
	}

	if len(statuses) == 0 {
		s.statsMu.Lock()
		s.stats = Stats{Start: time.Now()}
		s.statsMu.Unlock()
	}
	s.updateEntryGauges()
}

// Snapshot returns a point-in-time copy of all entries ordered by key,
// plus the statistics block. All shard locks are held together, but only
// for the duration of the map copy: a snapshot taken shard by shard
// could mix states from before and after a concurrent update, and the
// durable state must never contain a cut no serial execution produces.
// Queries are never blocked on snapshot consumers doing I/O.
func (s *Store) Snapshot() ([]KeyEntry, Stats) {
	for i := range s.shards {
		s.shards[i].Lock()
	}
	total := 0
	for i := range s.shards {
		total += len(s.shards[i].entries)
	}
	entries := make([]KeyEntry, 0, total)
	for i := range s.shards {
		for k, e := range s.shards[i].entries {
			entries = append(entries, KeyEntry{Key: k, Entry: e})
		}
	}
	for i := range s.shards {
		s.shards[i].Unlock()
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key[:], entries[j].Key[:]) < 0
	})

	s.statsMu.Lock()
	stats := s.stats
	s.statsMu.Unlock()

	return entries, stats
}

// Restore replaces all entries and the statistics block. It is called
// once at startup, before any query is served.
func (s *Store) Restore(entries []KeyEntry, stats Stats) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		sh.entries = make(map[Key]Entry)
		sh.Unlock()
	}

	for _, ke := range entries {
		sh := s.shardFor(ke.Key)
		sh.Lock()
		sh.entries[ke.Key] = ke.Entry
		sh.Unlock()
	}

	s.statsMu.Lock()
	if stats.Start.IsZero() {
		stats.Start = time.Now()
	}
	s.stats = stats
	s.statsMu.Unlock()

	s.updateEntryGauges()
}

// MarkSaved records the timestamp of the last successful snapshot write
// in the statistics block.
func (s *Store) MarkSaved(now time.Time) {
	s.statsMu.Lock()
	s.stats.LastSave = now
	s.statsMu.Unlock()
}

// Len returns the current number of stored entries.
func (s *Store) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		total += len(sh.entries)
		sh.Unlock()
	}
	return total
}

// List returns copies of all entries with the given status.
func (s *Store) List(status Status) []Entry {
	var entries []Entry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		for _, e := range sh.entries {
			if e.Status == status {
				entries = append(entries, e)
			}
		}
		sh.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.Before(entries[j].LastSeen)
	})
	return entries
}

// Tally is the per-status summary reported by the stats command.
type Tally struct {
	Items    int
	Requests uint32
}

// Tallies counts current entries and their accumulated request counts
// per status.
func (s *Store) Tallies() map[Status]Tally {
	tallies := make(map[Status]Tally, 3)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		for _, e := range sh.entries {
			t := tallies[e.Status]
			t.Items++
			t.Requests += e.Count
			tallies[e.Status] = t
		}
		sh.Unlock()
	}
	return tallies
}

// Stats returns the persistent statistics block.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Sweep removes entries past their retention window and returns the
// number of removed entries. Sweeping is advisory pruning that bounds
// memory growth, decision correctness never depends on it (see Decide).
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		for k, e := range sh.entries {
			if expired(e, now, s.params) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.Unlock()
	}

	sweepRemovedTotal.Add(float64(removed))
	s.updateEntryGauges()
	return removed
}

func (s *Store) updateEntryGauges() {
	tallies := s.Tallies()
	for _, st := range []Status{StatusGrey, StatusWhite, StatusBlack} {
		storedEntries.WithLabelValues(st.String()).Set(float64(tallies[st].Items))
	}
}
