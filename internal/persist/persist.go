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

// Package persist makes the triplet store durable: it restores the store
// from a snapshot file at startup and writes snapshots atomically, both
// periodically and on shutdown.
package persist

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/foxcpp/greylistd/framework/exterrors"
	"github.com/foxcpp/greylistd/internal/greylist"
)

// ErrCorrupt is reported when the snapshot file exists but cannot be
// decoded. It is deliberately a fatal startup condition: starting empty
// would silently discard the accumulated whitelist history.
var ErrCorrupt = errors.New("persist: corrupt snapshot")

const formatVersion = 1

// savedEntry is the on-disk form of one (key, entry) pair. The textual
// triplet is kept so entries survive format-independent inspection and
// the list command after a restart.
type savedEntry struct {
	Key       greylist.Key
	Triplet   string
	Status    uint8
	FirstSeen time.Time
	LastSeen  time.Time
	Count     uint32
}

type snapshot struct {
	Version int
	SavedAt time.Time
	Stats   greylist.Stats
	Entries []savedEntry
}

// Load reads the snapshot at path. A missing file means "start empty" and
// is not an error. Any decoding failure is reported as ErrCorrupt.
func Load(path string) ([]greylist.KeyEntry, greylist.Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, greylist.Stats{}, nil
		}
		return nil, greylist.Stats{}, err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, greylist.Stats{}, exterrors.WithFields(
			fmt.Errorf("%w: %v", ErrCorrupt, err),
			map[string]interface{}{"path": path},
		)
	}
	if snap.Version != formatVersion {
		return nil, greylist.Stats{}, exterrors.WithFields(
			fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, snap.Version),
			map[string]interface{}{"path": path},
		)
	}

	entries := make([]greylist.KeyEntry, 0, len(snap.Entries))
	for _, se := range snap.Entries {
		triplet, err := greylist.ParseTriplet(se.Triplet)
		if err != nil {
			return nil, greylist.Stats{}, exterrors.WithFields(
				fmt.Errorf("%w: %v", ErrCorrupt, err),
				map[string]interface{}{"path": path},
			)
		}
		if se.Status > uint8(greylist.StatusBlack) {
			return nil, greylist.Stats{}, exterrors.WithFields(
				fmt.Errorf("%w: unknown entry status %d", ErrCorrupt, se.Status),
				map[string]interface{}{"path": path},
			)
		}
		entries = append(entries, greylist.KeyEntry{
			Key: se.Key,
			Entry: greylist.Entry{
				Triplet:   triplet,
				Status:    greylist.Status(se.Status),
				FirstSeen: se.FirstSeen,
				LastSeen:  se.LastSeen,
				Count:     se.Count,
			},
		})
	}

	return entries, snap.Stats, nil
}

// Save writes the snapshot durably using the temporary-file-then-rename
// sequence: a crash mid-write leaves the previous snapshot intact.
func Save(path string, entries []greylist.KeyEntry, stats greylist.Stats) error {
	saved := make([]savedEntry, 0, len(entries))
	for _, ke := range entries {
		saved = append(saved, savedEntry{
			Key:       ke.Key,
			Triplet:   ke.Entry.Triplet.String(),
			Status:    uint8(ke.Entry.Status),
			FirstSeen: ke.Entry.FirstSeen,
			LastSeen:  ke.Entry.LastSeen,
			Count:     ke.Entry.Count,
		})
	}
	snap := snapshot{
		Version: formatVersion,
		SavedAt: time.Now(),
		Stats:   stats,
		Entries: saved,
	}

	tempPath := path + ".new"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return wrapIOErr(err, path)
	}

	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tempPath)
		return wrapIOErr(err, path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return wrapIOErr(err, path)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return wrapIOErr(err, path)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return wrapIOErr(err, path)
	}
	return nil
}

func wrapIOErr(err error, path string) error {
	// Flush failures are retried on the next interval, the in-memory store
	// stays authoritative meanwhile.
	return exterrors.WithTemporary(
		exterrors.WithFields(err, map[string]interface{}{"path": path}),
		true,
	)
}
