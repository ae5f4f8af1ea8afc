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
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Key is the fixed-width identifier derived from a normalized triplet.
// Equal normalized triplets always derive equal keys, across process
// restarts and machines.
type Key [blake2b.Size256]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// macKey is the fixed BLAKE2b key used for triplet key derivation.
//
// It is deliberately a compile-time constant and never seeded from process
// or OS randomness: derived keys are written to the snapshot file and must
// stay comparable after a restart. Changing this value invalidates all
// existing snapshots, it is part of the on-disk compatibility contract.
var macKey = [32]byte{
	0x67, 0x72, 0x65, 0x79, 0x6c, 0x69, 0x73, 0x74,
	0x64, 0x20, 0x74, 0x72, 0x69, 0x70, 0x6c, 0x65,
	0x74, 0x20, 0x6b, 0x65, 0x79, 0x20, 0x76, 0x31,
	0x8f, 0x3a, 0xd2, 0x91, 0x5b, 0xc4, 0x07, 0xe6,
}

// Key derives the triplet key. With onlySubnet set the client address is
// collapsed to its /24 or /64 prefix first, so all hosts of one sending
// network share greylisting state.
//
// Fields are length-prefixed before hashing so that field boundaries are
// unambiguous ("a"+"bc" never collides with "ab"+"c").
func (t Triplet) Key(onlySubnet bool) Key {
	h, err := blake2b.New256(macKey[:])
	if err != nil {
		panic(err)
	}

	addr := t.ClientAddr.Unmap()
	if onlySubnet {
		addr = t.Subnet()
	}
	addr16 := addr.As16()
	hashField(h, addr16[:])
	hashField(h, []byte(t.Sender))
	hashField(h, []byte(t.Recipient))

	var k Key
	h.Sum(k[:0])
	return k
}

func hashField(h hash.Hash, field []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	h.Write(length[:])
	h.Write(field)
}
