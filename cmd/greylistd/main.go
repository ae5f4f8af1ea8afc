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

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/foxcpp/greylistd"
	"github.com/foxcpp/greylistd/framework/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "greylistd"
	app.Usage = "greylisting policy daemon for mail transfer agents"
	app.Description = `Greylistd defers first-contact mail from unknown (client, sender,
recipient) triples so that legitimate retrying senders pass while most
spam senders, which do not retry, are rejected.

The daemon answers policy queries on a local socket, either bound by
itself or inherited from a supervisor (systemd socket activation).
`
	app.Version = greylistd.BuildInfo()
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "Start the daemon",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:    "listen",
					Usage:   "control socket endpoint(s) (unix://, tcp://, fd://, fdname://)",
					EnvVars: []string{"GREYLISTD_LISTEN"},
					Value:   cli.NewStringSlice("unix:///run/greylistd/socket"),
				},
				&cli.StringFlag{
					Name:  "socket-mode",
					Usage: "octal filemode for self-bound unix sockets",
					Value: "0660",
				},
				&cli.StringFlag{
					Name:    "state",
					Usage:   "`path` to the durable state snapshot",
					EnvVars: []string{"GREYLISTD_STATE"},
					Value:   "/var/lib/greylistd/snapshot",
				},
				&cli.DurationFlag{
					Name:  "retry-min",
					Usage: "initial delay before unknown triples may pass",
					Value: 10 * time.Minute,
				},
				&cli.DurationFlag{
					Name:  "retry-max",
					Usage: "lifetime of triples that were not retried after the initial delay",
					Value: 8 * time.Hour,
				},
				&cli.DurationFlag{
					Name:  "expire",
					Usage: "inactivity lifetime of white and black listed triples",
					Value: 60 * 24 * time.Hour,
				},
				&cli.DurationFlag{
					Name:  "save-interval",
					Usage: "how often the state snapshot is written",
					Value: 10 * time.Minute,
				},
				&cli.DurationFlag{
					Name:  "gc-interval",
					Usage: "how often expired entries are swept",
					Value: 10 * time.Minute,
				},
				&cli.BoolFlag{
					Name:  "onlysubnet",
					Usage: "match client addresses by /24 (IPv4) or /64 (IPv6) subnet",
					Value: true,
				},
				&cli.StringSliceFlag{
					Name:  "metrics",
					Usage: "OpenMetrics HTTP endpoint(s), disabled when empty",
				},
				&cli.StringSliceFlag{
					Name:    "log",
					Usage:   "logging target(s): stderr, stderr_ts, syslog, off or a file path",
					EnvVars: []string{"GREYLISTD_LOG"},
					Value:   cli.NewStringSlice("stderr"),
				},
				&cli.BoolFlag{
					Name:    "debug",
					Usage:   "enable debug logging",
					EnvVars: []string{"GREYLISTD_DEBUG"},
				},
			},
			Action: run,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}

func run(c *cli.Context) error {
	mode, err := strconv.ParseUint(c.String("socket-mode"), 8, 32)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid socket-mode: %v", err), 2)
	}

	retryMin := c.Duration("retry-min")
	retryMax := c.Duration("retry-max")
	expire := c.Duration("expire")
	if retryMin <= 0 || retryMax <= retryMin {
		return cli.Exit("retry-max must be greater than retry-min, both positive", 2)
	}
	if expire <= retryMax {
		return cli.Exit("expire must be greater than retry-max", 2)
	}
	if c.Duration("save-interval") <= 0 || c.Duration("gc-interval") <= 0 {
		return cli.Exit("save-interval and gc-interval must be positive", 2)
	}

	if err := greylistd.InitLogging(c.StringSlice("log"), c.Bool("debug")); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg := greylistd.Config{
		ListenEndpoints:  c.StringSlice("listen"),
		SocketMode:       os.FileMode(mode),
		SnapshotPath:     c.String("state"),
		RetryMin:         retryMin,
		RetryMax:         retryMax,
		Expire:           expire,
		OnlySubnet:       c.Bool("onlysubnet"),
		SaveInterval:     c.Duration("save-interval"),
		GCInterval:       c.Duration("gc-interval"),
		MetricsEndpoints: c.StringSlice("metrics"),
	}

	if err := greylistd.Run(cfg); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
