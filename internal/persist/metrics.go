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

import "github.com/prometheus/client_golang/prometheus"

var (
	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "greylistd",
			Subsystem: "persist",
			Name:      "flushes",
			Help:      "Snapshot flush attempts",
		},
		[]string{"result"},
	)
	lastFlush = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "greylistd",
			Subsystem: "persist",
			Name:      "last_flush_timestamp_seconds",
			Help:      "Time of the last successful snapshot flush",
		},
	)
	snapshotEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "greylistd",
			Subsystem: "persist",
			Name:      "snapshot_entries",
			Help:      "Entries written by the last successful flush",
		},
	)
)

func init() {
	prometheus.MustRegister(flushesTotal)
	prometheus.MustRegister(lastFlush)
	prometheus.MustRegister(snapshotEntries)
}
