//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

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

package greylistd

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/foxcpp/greylistd/framework/hooks"
	"github.com/foxcpp/greylistd/framework/log"
)

var (
	shutdownSig     = make(chan os.Signal, 5)
	shutdownSigOnce sync.Once
)

// waitShutdown blocks until the daemon should stop serving and reports
// whether a restart was requested (SIGHUP or the reload control command)
// instead of a plain shutdown (SIGTERM, SIGINT).
//
// SIGUSR1 reopens log files without returning.
//
// Registration is done once and never undone: the handler stays armed
// while draining and flushing and across reload iterations, so a signal
// delivered then is buffered and handled instead of killing the process
// with the default disposition.
func waitShutdown(reloadReq <-chan struct{}) bool {
	shutdownSigOnce.Do(func() {
		signal.Notify(shutdownSig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGUSR1)
	})

	for {
		select {
		case s := <-shutdownSig:
			switch s {
			case syscall.SIGUSR1:
				log.Println("SIGUSR1 received, reinitializing logging")
				hooks.RunHooks(hooks.EventLogRotate)
			case syscall.SIGHUP:
				log.Printf("signal received (%v), restarting", s)
				return true
			default:
				go func() {
					s := <-shutdownSig
					log.Printf("forced shutdown due to signal (%v)!", s)
					os.Exit(1)
				}()

				log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
				return false
			}
		case <-reloadReq:
			log.Println("reload requested via control socket")
			return true
		}
	}
}
