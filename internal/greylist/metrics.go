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

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "greylistd",
			Subsystem: "store",
			Name:      "decisions",
			Help:      "Verdicts returned for triplet queries",
		},
		[]string{"query", "verdict"},
	)
	storedEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "greylistd",
			Subsystem: "store",
			Name:      "entries",
			Help:      "Stored triplet entries, refreshed on sweep and restore",
		},
		[]string{"status"},
	)
	sweepRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "greylistd",
			Subsystem: "store",
			Name:      "sweep_removed",
			Help:      "Entries removed by garbage collection sweeps",
		},
	)
)

func init() {
	prometheus.MustRegister(decisionsTotal)
	prometheus.MustRegister(storedEntries)
	prometheus.MustRegister(sweepRemovedTotal)
}
