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
	"time"
)

// Status is the listing state of a triplet. It doubles as the verdict
// token of the query protocol: grey means "defer", white means "accept",
// black means "reject".
type Status uint8

const (
	// StatusGrey marks a triplet in its initial deferral window.
	StatusGrey Status = iota

	// StatusWhite marks a triplet that retried inside the acceptance
	// window and passes without delay.
	StatusWhite

	// StatusBlack marks a manually blacklisted triplet.
	StatusBlack
)

func (s Status) String() string {
	switch s {
	case StatusGrey:
		return "grey"
	case StatusWhite:
		return "white"
	case StatusBlack:
		return "black"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps the wire token back to a Status.
func ParseStatus(token string) (Status, error) {
	switch token {
	case "grey":
		return StatusGrey, nil
	case "white":
		return StatusWhite, nil
	case "black":
		return StatusBlack, nil
	}
	return 0, fmt.Errorf("greylist: unknown status: %q", token)
}

// Entry is the per-key record held by the store.
//
// The original textual triplet is retained next to the derived key so
// administrative listing can print human-readable data.
//
// Invariant: !LastSeen.Before(FirstSeen).
type Entry struct {
	Triplet   Triplet
	Status    Status
	FirstSeen time.Time
	LastSeen  time.Time

	// Count is the number of update queries that matched this entry.
	Count uint32
}

// KeyEntry is one element of a store snapshot.
type KeyEntry struct {
	Key   Key
	Entry Entry
}
