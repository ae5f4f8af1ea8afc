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

// Package netresource creates listening sockets from configuration
// endpoint strings, including sockets inherited from a supervising
// process (systemd socket activation or inetd-style fd passing).
package netresource

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Listen creates or inherits a listening socket for the endpoint.
//
// Self-bound unix sockets are chmod'ed to socketMode and the stale socket
// file left by a previous unclean exit is removed before binding.
// Inherited sockets (fd, fdname schemes) are used as-is; their lifetime
// is owned by the supervisor, so the caller must not unlink them.
func Listen(endp Endpoint, socketMode os.FileMode) (net.Listener, error) {
	switch endp.Scheme {
	case "fd":
		fd, err := strconv.ParseUint(endp.Address, 10, strconv.IntSize)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number: %v", endp.Address)
		}
		return ListenFD(uint(fd))
	case "fdname":
		return ListenFDName(endp.Address)
	case "tcp":
		return net.Listen("tcp", endp.Address)
	case "unix":
		return listenUnix(endp.Address, socketMode)
	default:
		return nil, fmt.Errorf("unsupported network: %v", endp.Scheme)
	}
}

func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	// A crashed process leaves the socket file around, in which case bind
	// fails with EADDRINUSE even though nobody is listening.
	if _, err := os.Stat(path); err == nil {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is already in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}
