//go:build windows || plan9
// +build windows plan9

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

	"github.com/foxcpp/greylistd/framework/log"
)

func waitShutdown(reloadReq <-chan struct{}) bool {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		go func() {
			<-sig
			log.Println("forced shutdown!")
			os.Exit(1)
		}()
		log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
		return false
	case <-reloadReq:
		log.Println("reload requested via control socket")
		return true
	}
}
