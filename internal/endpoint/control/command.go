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

package control

import (
	"fmt"
	"strings"

	"github.com/foxcpp/greylistd/internal/greylist"
)

type commandKind int

const (
	kindUpdate commandKind = iota
	kindCheck
	kindAdd
	kindDelete
	kindStatus
	kindList
	kindStats
	kindMrtg
	kindSave
	kindClear
	kindReload
)

func (k commandKind) String() string {
	switch k {
	case kindUpdate:
		return "update"
	case kindCheck:
		return "check"
	case kindAdd:
		return "add"
	case kindDelete:
		return "delete"
	case kindStatus:
		return "status"
	case kindList:
		return "list"
	case kindStats:
		return "stats"
	case kindMrtg:
		return "mrtg"
	case kindSave:
		return "save"
	case kindClear:
		return "clear"
	case kindReload:
		return "reload"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

type command struct {
	kind commandKind

	// statuses holds --white/--grey/--black flag values in order of
	// appearance. Commands taking a single status use the last one.
	statuses []greylist.Status

	triplet greylist.Triplet
}

// parseCommand parses one request line.
//
// The first word selects the command; a line whose first word is not a
// known command is the MTA fast path and means "update <triplet>".
func parseCommand(line string) (command, error) {
	word, rest, _ := strings.Cut(line, " ")
	switch word {
	case "update":
		return parseWithTriplet(kindUpdate, rest)
	case "check":
		return parseWithTriplet(kindCheck, rest)
	case "add":
		return parseWithTriplet(kindAdd, rest)
	case "delete":
		return parseWithTriplet(kindDelete, rest)
	case "status":
		return parseWithTriplet(kindStatus, rest)
	case "list":
		return parseFlagsOnly(kindList, rest)
	case "clear":
		return parseFlagsOnly(kindClear, rest)
	case "stats":
		return command{kind: kindStats}, nil
	case "mrtg":
		return command{kind: kindMrtg}, nil
	case "save":
		return command{kind: kindSave}, nil
	case "reload":
		return command{kind: kindReload}, nil
	default:
		return parseWithTriplet(kindUpdate, line)
	}
}

func parseWithTriplet(kind commandKind, rest string) (command, error) {
	statuses, remainder := splitFlags(rest)
	triplet, err := greylist.ParseTriplet(remainder)
	if err != nil {
		return command{}, err
	}
	return command{kind: kind, statuses: statuses, triplet: triplet}, nil
}

func parseFlagsOnly(kind commandKind, rest string) (command, error) {
	statuses, remainder := splitFlags(rest)
	if remainder != "" {
		return command{}, fmt.Errorf("%s: unexpected arguments: %q", modName, remainder)
	}
	return command{kind: kind, statuses: statuses}, nil
}

// splitFlags strips leading --flag tokens, collecting status flags.
// Unknown flags are skipped, matching the historical daemon.
func splitFlags(rest string) ([]greylist.Status, string) {
	fields := strings.Fields(rest)

	var statuses []greylist.Status
	i := 0
	for ; i < len(fields) && strings.HasPrefix(fields[i], "--"); i++ {
		status, err := greylist.ParseStatus(strings.TrimPrefix(fields[i], "--"))
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}

	return statuses, strings.Join(fields[i:], " ")
}
