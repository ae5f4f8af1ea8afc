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

package persist

import (
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/foxcpp/greylistd/internal/greylist"
	"github.com/foxcpp/greylistd/internal/testutils"
)

var testParams = greylist.Params{
	RetryMin: time.Minute,
	RetryMax: time.Hour,
	Expire:   24 * time.Hour,
}

func testEntries(t *testing.T) []greylist.KeyEntry {
	t.Helper()
	now := time.Unix(1700000000, 0)

	s := greylist.NewStore(testParams)
	for _, raw := range []string{
		"192.0.2.1 sender@example.org rcpt@example.com",
		"192.0.2.2 rcpt@example.com", // null sender
		"2001:db8::1 sender@example.org rcpt@example.com",
	} {
		triplet, err := greylist.ParseTriplet(raw)
		if err != nil {
			t.Fatalf("ParseTriplet(%q): %v", raw, err)
		}
		s.Update(triplet, now)
	}
	entries, _ := s.Snapshot()
	return entries
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	entries := testEntries(t)
	stats := greylist.Stats{
		Grey:  3,
		White: 1,
		Start: time.Unix(1690000000, 0),
	}

	if err := Save(path, entries, stats); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, loadedStats, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(entries, loaded) {
		t.Errorf("loaded entries differ from saved:\n saved: %+v\nloaded: %+v", entries, loaded)
	}
	if !reflect.DeepEqual(stats, loadedStats) {
		t.Errorf("loaded stats = %+v, wanted %+v", loadedStats, stats)
	}

	if _, err := os.Stat(path + ".new"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind after Save")
	}
}

func TestLoadMissingFile(t *testing.T) {
	entries, stats, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Load of missing file must start empty, got %v", err)
	}
	if len(entries) != 0 || stats != (greylist.Stats{}) {
		t.Errorf("Load of missing file returned data: %+v, %+v", entries, stats)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	if err := os.WriteFile(path, []byte("certainly not gob"), 0600); err != nil {
		t.Fatal(err)
	}

	_, _, err := Load(path)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load of corrupt file: err = %v, wanted ErrCorrupt", err)
	}
}

func TestLoadRejectsUnknownStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")

	// A structurally valid snapshot carrying a status byte this version
	// does not know is just as unusable as a garbled one.
	snap := snapshot{
		Version: formatVersion,
		SavedAt: time.Now(),
		Entries: []savedEntry{{
			Triplet:   "192.0.2.1 rcpt@example.com",
			Status:    17,
			FirstSeen: time.Unix(1700000000, 0),
			LastSeen:  time.Unix(1700000000, 0),
			Count:     1,
		}},
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, _, err = Load(path)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load with unknown status: err = %v, wanted ErrCorrupt", err)
	}
}

func TestCrashLeavesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	entries := testEntries(t)
	stats := greylist.Stats{Grey: 3, Start: time.Unix(1690000000, 0)}

	if err := Save(path, entries, stats); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A crash mid-write leaves a partial temporary file. It must not
	// affect what Load sees.
	if err := os.WriteFile(path+".new", []byte("partial write"), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(entries, loaded) {
		t.Errorf("stale temporary file affected the durable snapshot")
	}

	// The next successful Save replaces both.
	if err := Save(path, entries[:1], stats); err != nil {
		t.Fatalf("Save over stale temporary: %v", err)
	}
	loaded, _, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("Load after re-save returned %d entries, wanted 1", len(loaded))
	}
}

func TestManagerRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	now := time.Unix(1700000000, 0)

	store := greylist.NewStore(testParams)
	triplet, err := greylist.ParseTriplet("192.0.2.1 sender@example.org rcpt@example.com")
	if err != nil {
		t.Fatal(err)
	}
	store.Update(triplet, now)
	store.Update(triplet, now.Add(2*time.Minute))

	m := NewManager(store, path, time.Hour, testutils.Logger(t, "persist"))
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	restored := greylist.NewStore(testParams)
	m2 := NewManager(restored, path, time.Hour, testutils.Logger(t, "persist"))
	if err := m2.LoadAndRestore(); err != nil {
		t.Fatalf("LoadAndRestore: %v", err)
	}

	// The whitelisting must survive the restart.
	if v := restored.Update(triplet, now.Add(3*time.Minute)); v != greylist.StatusWhite {
		t.Errorf("verdict after restore = %v, wanted white", v)
	}
	if restored.Stats().White != 1 {
		t.Errorf("stats not restored: %+v", restored.Stats())
	}
}

func TestManagerCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	store := greylist.NewStore(testParams)
	triplet, err := greylist.ParseTriplet("192.0.2.1 sender@example.org rcpt@example.com")
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(store, path, time.Hour, testutils.Logger(t, "persist"))
	m.Start()
	store.Update(triplet, time.Unix(1700000000, 0))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("final flush wrote %d entries, wanted 1", len(loaded))
	}
}

func TestManagerCloseReportsFailure(t *testing.T) {
	dir := t.TempDir()
	// Point the snapshot inside a missing directory so the final flush
	// cannot succeed.
	path := filepath.Join(dir, "missing", "snapshot")

	store := greylist.NewStore(testParams)
	m := NewManager(store, path, time.Hour, testutils.Logger(t, "persist"))
	m.Start()
	if err := m.Close(); err == nil {
		t.Errorf("Close did not report the failed final flush")
	}
}
