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

// Package greylistd wires the greylisting core into a daemon: state
// restore, listener setup (bound or inherited), serving, and the
// explicit shutdown sequence that flushes state before any socket
// resource is released.
package greylistd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/foxcpp/greylistd/framework/hooks"
	"github.com/foxcpp/greylistd/framework/log"
	"github.com/foxcpp/greylistd/framework/resource/netresource"
	"github.com/foxcpp/greylistd/internal/endpoint/control"
	"github.com/foxcpp/greylistd/internal/endpoint/openmetrics"
	"github.com/foxcpp/greylistd/internal/greylist"
	"github.com/foxcpp/greylistd/internal/persist"
)

// Config carries the already-validated values the daemon consumes.
// Parsing and validation live at the command line surface in
// cmd/greylistd.
type Config struct {
	// ListenEndpoints are control socket addresses in the
	// scheme://address form understood by netresource.ParseEndpoint.
	ListenEndpoints []string

	// SocketMode is applied to unix sockets the daemon binds itself.
	SocketMode os.FileMode

	// SnapshotPath is the durable state file.
	SnapshotPath string

	RetryMin   time.Duration
	RetryMax   time.Duration
	Expire     time.Duration
	OnlySubnet bool

	SaveInterval time.Duration
	GCInterval   time.Duration

	// MetricsEndpoints, when non-empty, enable the OpenMetrics HTTP
	// listener.
	MetricsEndpoints []string
}

// Run starts the daemon and blocks until it stops. The reload command
// and SIGHUP tear the serving stack down and bring it back up with
// freshly restored state.
func Run(cfg Config) error {
	for {
		restart, err := serve(cfg)
		if err != nil {
			systemdStatusErr(err)
			return err
		}
		if !restart {
			return nil
		}
		systemdStatus(SDReloading, "Restarting")
		hooks.RunHooks(hooks.EventReload)
	}
}

func serve(cfg Config) (restart bool, err error) {
	// Out is left nil so the output target is resolved against
	// log.DefaultLogger on every write. Log rotation swaps and closes
	// DefaultLogger.Out; a logger holding the old Output value would keep
	// writing to the closed file.
	logger := log.Logger{Debug: log.DefaultLogger.Debug}

	store := greylist.NewStore(greylist.Params{
		RetryMin:   cfg.RetryMin,
		RetryMax:   cfg.RetryMax,
		Expire:     cfg.Expire,
		OnlySubnet: cfg.OnlySubnet,
	})

	manager := persist.NewManager(store, cfg.SnapshotPath, cfg.SaveInterval, logger.Sublogger("persist"))
	// Startup errors are fatal and reported before any socket is opened
	// for serving.
	if err := manager.LoadAndRestore(); err != nil {
		return false, fmt.Errorf("cannot restore state: %w", err)
	}

	listeners, ownedSockets, err := setupListeners(cfg)
	if err != nil {
		return false, err
	}
	closeOwned := func() {
		for _, path := range ownedSockets {
			if err := os.Remove(path); err != nil {
				logger.Error("socket cleanup failed", err, "path", path)
			}
		}
	}

	var metricsEndp *openmetrics.Endpoint
	if len(cfg.MetricsEndpoints) != 0 {
		metricsEndp, err = openmetrics.New(cfg.MetricsEndpoints, logger)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			closeOwned()
			return false, err
		}
	}

	gc := greylist.NewGC(store, cfg.GCInterval, logger.Sublogger("gc"))
	gc.Start()
	manager.Start()

	reloadReq := make(chan struct{}, 1)
	endp := control.New(store, manager, func() {
		select {
		case reloadReq <- struct{}{}:
		default:
		}
	}, logger)
	for _, l := range listeners {
		endp.Serve(l)
	}

	systemdStatus(SDReady, "Listening for policy queries")
	restart = waitShutdown(reloadReq)
	systemdStatus(SDStopping, "Waiting for queries to complete")

	// Shutdown order matters: stop accepting and drain queries first,
	// then flush, and release socket resources only after the flush
	// happened. Nothing here is left to implicit process teardown, which
	// is not guaranteed to run before inherited sockets are reclaimed by
	// the supervisor.
	if err := endp.Close(); err != nil {
		logger.Error("control endpoint close failed", err)
	}
	if metricsEndp != nil {
		if err := metricsEndp.Close(); err != nil {
			logger.Error("metrics endpoint close failed", err)
		}
	}
	if err := gc.Close(); err != nil {
		logger.Error("gc stop failed", err)
	}
	flushErr := manager.Close()
	closeOwned()
	hooks.RunHooks(hooks.EventShutdown)

	if flushErr != nil {
		// Last chance to persist is gone, this must not exit silently.
		return false, fmt.Errorf("final state flush failed: %w", flushErr)
	}
	return restart, nil
}

func setupListeners(cfg Config) ([]net.Listener, []string, error) {
	var (
		listeners    []net.Listener
		ownedSockets []string
	)
	cleanup := func() {
		for _, l := range listeners {
			l.Close()
		}
		for _, path := range ownedSockets {
			os.Remove(path)
		}
	}

	if len(cfg.ListenEndpoints) == 0 {
		return nil, nil, fmt.Errorf("no control endpoints configured")
	}
	for _, raw := range cfg.ListenEndpoints {
		endp, err := netresource.ParseEndpoint(raw)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		l, err := netresource.Listen(endp, cfg.SocketMode)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("cannot listen on %s: %w", endp, err)
		}
		listeners = append(listeners, l)
		if endp.Scheme == "unix" {
			// Inherited sockets belong to the supervisor and must not be
			// unlinked by us.
			ownedSockets = append(ownedSockets, endp.Address)
		}
	}
	return listeners, ownedSockets, nil
}
