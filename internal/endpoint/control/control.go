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

// Package control implements the query and administration protocol served
// on the daemon control socket.
//
// One request per connection: the client writes a single line, the server
// replies and closes. The client may keep its write side open, so the
// server parses after a single bounded read instead of waiting for EOF.
package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/greylistd/framework/log"
	"github.com/foxcpp/greylistd/internal/greylist"
	"golang.org/x/sync/errgroup"
)

const modName = "control"

const (
	// readTimeout bounds how long an idle or stuck client may hold a
	// connection.
	readTimeout = 2 * time.Second

	maxRequestSize = 16384
)

// Flusher triggers an on-demand state flush for the save command.
type Flusher interface {
	Flush() error
}

type Endpoint struct {
	store         *greylist.Store
	flusher       Flusher
	requestReload func()
	logger        log.Logger

	listeners []net.Listener
	accepters errgroup.Group
	connsWg   sync.WaitGroup
}

func New(store *greylist.Store, flusher Flusher, requestReload func(), logger log.Logger) *Endpoint {
	return &Endpoint{
		store:         store,
		flusher:       flusher,
		requestReload: requestReload,
		logger:        logger.Sublogger(modName),
	}
}

// Serve starts accepting connections on l. The listener is closed by
// Close.
func (e *Endpoint) Serve(l net.Listener) {
	e.listeners = append(e.listeners, l)
	e.accepters.Go(func() error {
		e.logger.Println("listening on", l.Addr())
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			e.connsWg.Add(1)
			go func() {
				defer e.connsWg.Done()
				e.handleConn(conn)
			}()
		}
	})
}

// Close stops accepting new connections and waits for in-flight requests
// to complete. An unexpected accept failure is reported here.
func (e *Endpoint) Close() error {
	for _, l := range e.listeners {
		l.Close()
	}
	err := e.accepters.Wait()
	e.connsWg.Wait()
	return err
}

func (e *Endpoint) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		e.logger.Error("deadline set failed", err)
		return
	}

	buf := make([]byte, maxRequestSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		if !errors.Is(err, io.EOF) {
			e.logger.DebugMsg("read failed", "reason", err)
		}
		return
	}
	line := strings.TrimRight(string(buf[:n]), "\r\n")

	cmd, err := parseCommand(line)
	if err != nil {
		malformedTotal.Inc()
		e.logger.DebugMsg("malformed request", "reason", err)
		io.WriteString(conn, "Invalid command")
		return
	}
	requestsTotal.WithLabelValues(cmd.kind.String()).Inc()

	reply, err := e.execute(cmd)
	if err != nil {
		e.logger.Error("request failed", err, "command", cmd.kind)
		return
	}
	if _, err := io.WriteString(conn, reply); err != nil {
		e.logger.DebugMsg("reply write failed", "reason", err)
		return
	}

	// The reply is on the wire, now it is safe to tear the world down.
	if cmd.kind == kindReload {
		e.requestReload()
	}
}

func (e *Endpoint) execute(cmd command) (string, error) {
	now := time.Now()

	switch cmd.kind {
	case kindUpdate:
		return matchReply(e.store.Update(cmd.triplet, now), cmd.statuses), nil

	case kindCheck:
		return matchReply(e.store.Check(cmd.triplet, now), cmd.statuses), nil

	case kindAdd:
		status := greylist.StatusWhite
		if len(cmd.statuses) != 0 {
			status = cmd.statuses[len(cmd.statuses)-1]
		}
		e.store.Add(cmd.triplet, status, now)
		return fmt.Sprintf("Added to %slist", status), nil

	case kindDelete:
		status, ok := e.store.Delete(cmd.triplet)
		if !ok {
			return "Not found", nil
		}
		return fmt.Sprintf("Removed from %slist", status), nil

	case kindStatus:
		status, ok := e.store.StatusOf(cmd.triplet)
		if !ok {
			return "unseen", nil
		}
		return status.String(), nil

	case kindList:
		return e.listReply(cmd.statuses), nil

	case kindStats:
		return e.statsReply(now), nil

	case kindMrtg:
		return e.mrtgReply(now), nil

	case kindSave:
		if err := e.flusher.Flush(); err != nil {
			return "", err
		}
		return "greylistd data has been saved", nil

	case kindClear:
		e.store.Clear(cmd.statuses)
		return "data and statistics cleared", nil

	case kindReload:
		return "reloading configuration and data", nil
	}

	return "", fmt.Errorf("%s: unhandled command: %v", modName, cmd.kind)
}

// matchReply formats the verdict per the wire contract: the bare listing
// token, or true/false when the client asked whether the result matches a
// specific status.
func matchReply(verdict greylist.Status, want []greylist.Status) string {
	if len(want) == 0 {
		return verdict.String()
	}
	if verdict == want[len(want)-1] {
		return "true"
	}
	return "false"
}

func (e *Endpoint) listReply(statuses []greylist.Status) string {
	if len(statuses) == 0 {
		statuses = []greylist.Status{greylist.StatusWhite, greylist.StatusGrey, greylist.StatusBlack}
	}

	var b strings.Builder
	for _, status := range statuses {
		fmt.Fprintf(&b, "%slist data:\n", status)
		b.WriteString("=============\n")
		b.WriteString("Last Seen            Count      Data\n")
		for _, entry := range e.store.List(status) {
			fmt.Fprintf(&b, "%-20d %-10d %s\n", entry.LastSeen.Unix(), entry.Count, entry.Triplet)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (e *Endpoint) statsReply(now time.Time) string {
	stats := e.store.Stats()
	tallies := e.store.Tallies()

	var b strings.Builder
	fmt.Fprintf(&b, "Statistics since %d (%ds ago)\n\n",
		stats.Start.Unix(), int64(now.Sub(stats.Start).Seconds()))

	for _, status := range []greylist.Status{greylist.StatusWhite, greylist.StatusGrey, greylist.StatusBlack} {
		t := tallies[status]
		fmt.Fprintf(&b, "%d items, matching %d requests, are currently %slisted\n",
			t.Items, t.Requests, status)
	}
	b.WriteString("\n")

	previousGrey := int64(stats.Grey) - int64(tallies[greylist.StatusGrey].Items)
	if previousGrey < 0 {
		previousGrey = 0
	}
	expiredGrey := previousGrey - int64(stats.White)
	if expiredGrey < 0 {
		expiredGrey = 0
	}

	fmt.Fprintf(&b, "Of %d items that were initially greylisted:\n", previousGrey)
	fmt.Fprintf(&b, " - %d (%.1f%%) became whitelisted\n", stats.White, percent(int64(stats.White), previousGrey))
	fmt.Fprintf(&b, " - %d (%.1f%%) expired from the greylist\n", expiredGrey, percent(expiredGrey, previousGrey))
	return b.String()
}

func (e *Endpoint) mrtgReply(now time.Time) string {
	e.store.Sweep(now)
	stats := e.store.Stats()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return fmt.Sprintf("%d\n%d\n%d\n%s\n",
		stats.Grey, stats.White, int64(now.Sub(stats.Start).Seconds()), hostname)
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
