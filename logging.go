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
	"errors"
	"fmt"
	"os"

	"github.com/foxcpp/greylistd/framework/hooks"
	"github.com/foxcpp/greylistd/framework/log"
)

// LogOutputOption builds a log.Output from the target names accepted by
// the 'log' command line option: stderr, stderr_ts, syslog, off, or a
// file path.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// InitLogging configures the default logger and installs the SIGUSR1
// hook that reopens file targets after log rotation.
func InitLogging(targets []string, debug bool) error {
	out, err := LogOutputOption(targets)
	if err != nil {
		return err
	}
	log.DefaultLogger.Out = out
	log.DefaultLogger.Debug = debug

	hooks.AddHook(hooks.EventLogRotate, func() {
		newOut, err := LogOutputOption(targets)
		if err != nil {
			log.Printf("failed to reinitialize logging: %v", err)
			return
		}
		old := log.DefaultLogger.Out
		log.DefaultLogger.Out = newOut
		if err := old.Close(); err != nil {
			log.Printf("failed to close old log output: %v", err)
		}
	})
	return nil
}
