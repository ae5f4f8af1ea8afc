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
	"runtime/debug"
	"time"

	"github.com/foxcpp/greylistd/framework/log"
)

// GC periodically sweeps expired entries from a store.
type GC struct {
	store    *Store
	interval time.Duration
	log      log.Logger

	stopSweeper chan struct{}
}

func NewGC(store *Store, interval time.Duration, logger log.Logger) *GC {
	return &GC{
		store:       store,
		interval:    interval,
		log:         logger,
		stopSweeper: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (gc *GC) Start() {
	go gc.sweeper()
}

// Close stops the sweep loop, waiting for an in-progress sweep to finish.
func (gc *GC) Close() error {
	gc.stopSweeper <- struct{}{}
	<-gc.stopSweeper
	return nil
}

func (gc *GC) sweeper() {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			log.Printf("panic during sweep: %v\n%s", err, stack)
		}
	}()

	t := time.NewTicker(gc.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			start := time.Now()
			removed := gc.store.Sweep(start)
			if removed != 0 {
				gc.log.DebugMsg("sweep done", "removed", removed, "took", time.Since(start))
			}
		case <-gc.stopSweeper:
			gc.stopSweeper <- struct{}{}
			return
		}
	}
}
