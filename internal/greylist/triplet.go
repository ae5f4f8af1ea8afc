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

// Package greylist implements the greylisting core: the triplet key model,
// the decision state machine and the concurrent triplet store.
package greylist

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidAddress is reported when the client address field of a query
// cannot be parsed as an IPv4 or IPv6 address.
var ErrInvalidAddress = errors.New("greylist: invalid client address")

// Triplet identifies a single mail delivery attempt: the SMTP client
// address, the envelope sender and the envelope recipient.
//
// The null sender (bounce messages, <> in SMTP) is represented by an empty
// Sender string and a two-field wire form.
type Triplet struct {
	ClientAddr netip.Addr
	Sender     string
	Recipient  string
}

// ParseTriplet parses the space-separated wire form of a triplet:
// either "<ip> <sender> <recipient>" or "<ip> <recipient>" for the null
// sender.
func ParseTriplet(raw string) (Triplet, error) {
	fields := strings.Split(raw, " ")
	var t Triplet
	switch len(fields) {
	case 2:
		t.Recipient = fields[1]
	case 3:
		t.Sender = fields[1]
		t.Recipient = fields[2]
	default:
		return Triplet{}, fmt.Errorf("greylist: malformed triplet: %q", raw)
	}

	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return Triplet{}, fmt.Errorf("%w: %q", ErrInvalidAddress, fields[0])
	}
	t.ClientAddr = addr

	if t.Recipient == "" || (len(fields) == 3 && t.Sender == "") {
		return Triplet{}, fmt.Errorf("greylist: malformed triplet: %q", raw)
	}

	return t, nil
}

// String returns the wire form of the triplet, round-tripping with
// ParseTriplet.
func (t Triplet) String() string {
	if t.Sender == "" {
		return t.ClientAddr.String() + " " + t.Recipient
	}
	return t.ClientAddr.String() + " " + t.Sender + " " + t.Recipient
}

// subnetBits is the prefix length used for client address normalization.
const (
	subnetBitsV4 = 24
	subnetBitsV6 = 64
)

// Subnet returns the client address masked to its /24 (IPv4) or /64 (IPv6)
// prefix, used when triples should be matched per sending network instead
// of per host.
func (t Triplet) Subnet() netip.Addr {
	addr := t.ClientAddr.Unmap()
	bits := subnetBitsV6
	if addr.Is4() {
		bits = subnetBitsV4
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		// Prefix fails only for an invalid address or an out-of-range bit
		// count, both excluded by ParseTriplet.
		panic(err)
	}
	return prefix.Addr()
}
