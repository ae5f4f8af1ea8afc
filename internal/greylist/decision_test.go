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
	"testing"
	"time"
)

var decisionParams = Params{
	RetryMin: time.Minute,
	RetryMax: time.Hour,
	Expire:   24 * time.Hour,
}

func TestDecideFirstContact(t *testing.T) {
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	now := time.Unix(1700000000, 0)

	out := Decide(nil, triplet, now, decisionParams)
	if out.Verdict != StatusGrey {
		t.Errorf("verdict = %v, wanted grey", out.Verdict)
	}
	if !out.FirstContact {
		t.Errorf("expected FirstContact for unknown triplet")
	}
	if out.Entry.Status != StatusGrey {
		t.Errorf("new entry status = %v, wanted grey", out.Entry.Status)
	}
	if !out.Entry.FirstSeen.Equal(now) || !out.Entry.LastSeen.Equal(now) {
		t.Errorf("new entry timestamps not set to now: %+v", out.Entry)
	}
	if out.Entry.Count != 1 {
		t.Errorf("new entry count = %d, wanted 1", out.Entry.Count)
	}
}

func TestDecideRetryWindow(t *testing.T) {
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	start := time.Unix(1700000000, 0)

	first := Decide(nil, triplet, start, decisionParams)

	// Retry before the minimum delay stays deferred.
	early := first.Entry
	out := Decide(&early, triplet, start.Add(30*time.Second), decisionParams)
	if out.Verdict != StatusGrey {
		t.Errorf("retry at 30s: verdict = %v, wanted grey", out.Verdict)
	}
	if out.FirstContact || out.Promoted {
		t.Errorf("retry at 30s must be neither first contact nor promotion")
	}
	if !out.Entry.FirstSeen.Equal(start) {
		t.Errorf("retry at 30s must keep FirstSeen, got %v", out.Entry.FirstSeen)
	}
	if out.Entry.Count != 2 {
		t.Errorf("retry at 30s: count = %d, wanted 2", out.Entry.Count)
	}

	// Retry after the minimum delay promotes to the whitelist.
	pending := first.Entry
	out = Decide(&pending, triplet, start.Add(2*time.Minute), decisionParams)
	if out.Verdict != StatusWhite {
		t.Errorf("retry at 2m: verdict = %v, wanted white", out.Verdict)
	}
	if !out.Promoted {
		t.Errorf("retry at 2m must be a promotion")
	}
	if out.Entry.Status != StatusWhite {
		t.Errorf("retry at 2m: entry status = %v, wanted white", out.Entry.Status)
	}
}

func TestDecideAbandonedTriplet(t *testing.T) {
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	start := time.Unix(1700000000, 0)

	first := Decide(nil, triplet, start, decisionParams)

	// Retry long after RetryMax is treated as a brand new attempt,
	// the whole wait starts over.
	stale := first.Entry
	now := start.Add(2 * time.Hour)
	out := Decide(&stale, triplet, now, decisionParams)
	if out.Verdict != StatusGrey {
		t.Errorf("verdict = %v, wanted grey", out.Verdict)
	}
	if !out.Entry.FirstSeen.Equal(now) {
		t.Errorf("abandoned retry must reset FirstSeen, got %v", out.Entry.FirstSeen)
	}

	immediate := Decide(&out.Entry, triplet, now.Add(time.Second), decisionParams)
	if immediate.Verdict != StatusGrey {
		t.Errorf("retry right after reset: verdict = %v, wanted grey", immediate.Verdict)
	}
}

func TestDecideWhitelistedTriplet(t *testing.T) {
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	start := time.Unix(1700000000, 0)
	white := Entry{
		Triplet:   triplet,
		Status:    StatusWhite,
		FirstSeen: start,
		LastSeen:  start,
		Count:     5,
	}

	// Activity within the expire window keeps the whitelisting alive.
	e := white
	now := start.Add(12 * time.Hour)
	out := Decide(&e, triplet, now, decisionParams)
	if out.Verdict != StatusWhite {
		t.Errorf("verdict = %v, wanted white", out.Verdict)
	}
	if out.FirstContact || out.Promoted {
		t.Errorf("whitelist hit must be neither first contact nor promotion")
	}
	if !out.Entry.LastSeen.Equal(now) {
		t.Errorf("whitelist hit must refresh LastSeen, got %v", out.Entry.LastSeen)
	}
	if out.Entry.Count != 6 {
		t.Errorf("count = %d, wanted 6", out.Entry.Count)
	}

	// After the window lapses the whitelisting is forgotten and the
	// triplet is deferred again.
	e = white
	out = Decide(&e, triplet, start.Add(25*time.Hour), decisionParams)
	if out.Verdict != StatusGrey {
		t.Errorf("lapsed whitelist: verdict = %v, wanted grey", out.Verdict)
	}
	if !out.FirstContact {
		t.Errorf("lapsed whitelist must count as first contact again")
	}
	if out.Entry.Count != 1 {
		t.Errorf("lapsed whitelist: count = %d, wanted 1", out.Entry.Count)
	}
}

func TestDecideBlacklistedTriplet(t *testing.T) {
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	start := time.Unix(1700000000, 0)
	black := Entry{
		Triplet:   triplet,
		Status:    StatusBlack,
		FirstSeen: start,
		LastSeen:  start,
		Count:     1,
	}

	e := black
	out := Decide(&e, triplet, start.Add(time.Hour), decisionParams)
	if out.Verdict != StatusBlack {
		t.Errorf("verdict = %v, wanted black", out.Verdict)
	}

	e = black
	out = Decide(&e, triplet, start.Add(25*time.Hour), decisionParams)
	if out.Verdict != StatusGrey {
		t.Errorf("lapsed blacklist: verdict = %v, wanted grey", out.Verdict)
	}
}

func TestPeek(t *testing.T) {
	triplet := mustParseTriplet(t, "192.0.2.1 s@example.org r@example.com")
	start := time.Unix(1700000000, 0)
	entry := func(status Status) Entry {
		return Entry{Triplet: triplet, Status: status, FirstSeen: start, LastSeen: start, Count: 1}
	}

	check := func(name string, e *Entry, now time.Time, want Status) {
		t.Helper()
		if got := Peek(e, now, decisionParams); got != want {
			t.Errorf("%s: Peek = %v, wanted %v", name, got, want)
		}
	}

	grey := entry(StatusGrey)
	white := entry(StatusWhite)
	black := entry(StatusBlack)

	check("unknown", nil, start, StatusGrey)
	check("grey pending", &grey, start.Add(30*time.Second), StatusGrey)
	check("grey past retry-min", &grey, start.Add(2*time.Minute), StatusWhite)
	check("grey abandoned", &grey, start.Add(2*time.Hour), StatusGrey)
	check("white active", &white, start.Add(12*time.Hour), StatusWhite)
	check("white lapsed", &white, start.Add(25*time.Hour), StatusGrey)
	check("black active", &black, start.Add(12*time.Hour), StatusBlack)
	check("black lapsed", &black, start.Add(25*time.Hour), StatusGrey)

	// Peek never mutates the entry.
	if grey.Count != 1 || white.Count != 1 {
		t.Errorf("Peek mutated an entry")
	}
}
