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

import "time"

// Params holds the already-validated timing knobs consumed by the decision
// logic. Parsing and validation happen at the command line surface.
type Params struct {
	// RetryMin is the minimum triplet age before a grey entry may be
	// promoted to white.
	RetryMin time.Duration

	// RetryMax is the age beyond which a non-promoted grey entry is
	// considered abandoned and starts over.
	RetryMax time.Duration

	// Expire is the inactivity window after which white and black entries
	// lapse.
	Expire time.Duration

	// OnlySubnet enables /24 (IPv4) and /64 (IPv6) client address
	// normalization during key derivation.
	OnlySubnet bool
}

// Outcome is the result of running the decision state machine for one
// update query.
type Outcome struct {
	// Verdict is the protocol reply: grey (defer), white (accept) or
	// black (reject).
	Verdict Status

	// Entry is the record to write back for the key.
	Entry Entry

	// FirstContact is set when a fresh grey record was started, either for
	// a previously unseen triplet or for one whose white/black listing has
	// lapsed.
	FirstContact bool

	// Promoted is set when a grey entry transitioned to white.
	Promoted bool
}

// Decide runs one step of the greylisting state machine for an update
// query.
//
// e is the current record for the triplet's key, nil when absent. now is
// injected rather than read internally, both for testability and so that
// the store can linearize decisions under its lock.
//
// Decide is a pure function: it never mutates *e and has no other state.
// Lapsed entries (grey past RetryMax, white/black inactive past Expire)
// are handled here as if they were absent, so query correctness never
// depends on the garbage collector having run.
func Decide(e *Entry, t Triplet, now time.Time, p Params) Outcome {
	if e == nil {
		return Outcome{
			Verdict:      StatusGrey,
			Entry:        Entry{Triplet: t, Status: StatusGrey, FirstSeen: now, LastSeen: now, Count: 1},
			FirstContact: true,
		}
	}

	next := *e
	next.LastSeen = now
	next.Count++

	switch e.Status {
	case StatusGrey:
		age := now.Sub(e.FirstSeen)
		switch {
		case age > p.RetryMax:
			// The sender never retried within the window, start over.
			next.FirstSeen = now
			return Outcome{Verdict: StatusGrey, Entry: next}
		case age >= p.RetryMin:
			next.Status = StatusWhite
			return Outcome{Verdict: StatusWhite, Entry: next, Promoted: true}
		default:
			return Outcome{Verdict: StatusGrey, Entry: next}
		}

	case StatusWhite, StatusBlack:
		if now.Sub(e.LastSeen) > p.Expire {
			// Lapsed but not yet swept, same as absent.
			return Outcome{
				Verdict:      StatusGrey,
				Entry:        Entry{Triplet: t, Status: StatusGrey, FirstSeen: now, LastSeen: now, Count: 1},
				FirstContact: true,
			}
		}
		return Outcome{Verdict: e.Status, Entry: next}
	}

	// Unknown status can only come from a corrupted snapshot, which the
	// snapshot loader rejects before the store is populated.
	return Outcome{Verdict: e.Status, Entry: next}
}

// Peek computes the verdict an update query would receive right now,
// without any state change. It backs the read-only check command.
func Peek(e *Entry, now time.Time, p Params) Status {
	if e == nil {
		return StatusGrey
	}

	switch e.Status {
	case StatusGrey:
		age := now.Sub(e.FirstSeen)
		if age >= p.RetryMin && age <= p.RetryMax {
			return StatusWhite
		}
		return StatusGrey
	case StatusWhite, StatusBlack:
		if now.Sub(e.LastSeen) > p.Expire {
			return StatusGrey
		}
	}
	return e.Status
}

// expired reports whether the entry is past its retention window and may
// be swept: grey entries are kept while a retry could still promote them,
// white and black entries are kept while recently active.
func expired(e Entry, now time.Time, p Params) bool {
	switch e.Status {
	case StatusGrey:
		return now.Sub(e.FirstSeen) > p.RetryMax
	default:
		return now.Sub(e.LastSeen) > p.Expire
	}
}
