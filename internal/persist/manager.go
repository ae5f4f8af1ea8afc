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
	"runtime/debug"
	"time"

	"github.com/foxcpp/greylistd/framework/log"
	"github.com/foxcpp/greylistd/internal/greylist"
)

// Manager owns the snapshot file of one store. It restores the store at
// startup and keeps the file fresh with periodic flushes. The final flush
// on shutdown is an explicit step of the daemon stop sequence (Close),
// never left to implicit end-of-process cleanup.
type Manager struct {
	store *greylist.Store
	path  string

	interval time.Duration
	log      log.Logger

	stopFlusher chan struct{}
}

func NewManager(store *greylist.Store, path string, interval time.Duration, logger log.Logger) *Manager {
	return &Manager{
		store:       store,
		path:        path,
		interval:    interval,
		log:         logger,
		stopFlusher: make(chan struct{}),
	}
}

// LoadAndRestore reads the snapshot and replaces the store contents.
// Must be called before the first query is served. A corrupt snapshot is
// a fatal error, a missing one starts the store empty.
func (m *Manager) LoadAndRestore() error {
	entries, stats, err := Load(m.path)
	if err != nil {
		return err
	}
	m.store.Restore(entries, stats)
	if len(entries) != 0 {
		m.log.Msg("state restored", "entries", len(entries), "path", m.path)
	}
	return nil
}

// Start launches the periodic flush loop.
func (m *Manager) Start() {
	go m.flusher()
}

// Flush takes a store snapshot and writes it durably. The snapshot copy
// is the only part that touches store locks, disk I/O happens outside of
// them.
func (m *Manager) Flush() error {
	m.store.MarkSaved(time.Now())
	entries, stats := m.store.Snapshot()
	if err := Save(m.path, entries, stats); err != nil {
		flushesTotal.WithLabelValues("error").Inc()
		return err
	}
	flushesTotal.WithLabelValues("ok").Inc()
	lastFlush.SetToCurrentTime()
	snapshotEntries.Set(float64(len(entries)))
	return nil
}

// Close stops the flush loop and performs the final synchronous flush.
// A failure here is the caller's last chance to notice silent data loss,
// it must be surfaced as a non-zero exit.
func (m *Manager) Close() error {
	m.stopFlusher <- struct{}{}
	<-m.stopFlusher
	return m.Flush()
}

func (m *Manager) flusher() {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during flush: %v\n%s", err, stack)
		}
	}()

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := m.Flush(); err != nil {
				// Keep serving from memory, retry on the next tick.
				m.log.Error("periodic flush failed", err)
			}
		case <-m.stopFlusher:
			m.stopFlusher <- struct{}{}
			return
		}
	}
}
