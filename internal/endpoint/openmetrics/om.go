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

// Package openmetrics exposes daemon metrics in the OpenMetrics (Prometheus)
// format over HTTP.
package openmetrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/foxcpp/greylistd/framework/log"
	"github.com/foxcpp/greylistd/framework/resource/netresource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const modName = "openmetrics"

type Endpoint struct {
	logger log.Logger

	accepters errgroup.Group
	serv      http.Server
	mux       *http.ServeMux
}

// New binds the given endpoints and starts serving /metrics on them.
func New(addrs []string, logger log.Logger) (*Endpoint, error) {
	e := &Endpoint{
		logger: logger.Sublogger(modName),
	}

	e.mux = http.NewServeMux()
	e.mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = e.mux

	for _, a := range addrs {
		endp, err := netresource.ParseEndpoint(a)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed endpoint: %v", modName, err)
		}
		l, err := netresource.Listen(endp, 0600)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", modName, err)
		}

		e.accepters.Go(func() error {
			e.logger.Println("listening on", endp.String())
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	return e, nil
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	return e.accepters.Wait()
}
