// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/config"
)

const shutdownTimeout = 5 * time.Second

// DebugServer exposes metrics and, when debug_port is set, the call state over
// HTTP.
type DebugServer struct {
	servers []*http.Server
	logger  logger.Logger
}

func NewDebugServer(conf *config.Config, state StateProvider) *DebugServer {
	s := &DebugServer{
		logger: logger.GetLogger().WithName("debug"),
	}

	if conf.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.servers = append(s.servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: configureMiddlewares(mux, negroni.NewRecovery()),
		})
	}

	if conf.DebugPort > 0 {
		s.servers = append(s.servers, &http.Server{
			Addr: fmt.Sprintf(":%d", conf.DebugPort),
			Handler: configureMiddlewares(NewDebugHandler(state),
				// always the first
				negroni.NewRecovery(),
				cors.New(cors.Options{
					AllowedOrigins: []string{"*"},
					AllowedMethods: []string{http.MethodGet},
				}),
			),
		})
	}
	return s
}

func NewDebugHandler(state StateProvider) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(state())
	})
	return mux
}

// Start serves until ctx is done. It returns immediately when nothing is
// configured.
func (s *DebugServer) Start(ctx context.Context) error {
	if len(s.servers) == 0 {
		return nil
	}

	listeners := make([]net.Listener, 0, len(s.servers))
	for _, srv := range s.servers {
		// ensure we could listen
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range s.servers {
		srv, ln := srv, listeners[i]
		g.Go(func() error {
			s.logger.Infow("starting debug server", "address", ln.Addr().String())
			if err := srv.Serve(ln); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range s.servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Warnw("could not shut down debug server", err, "address", srv.Addr)
			}
		}
		return nil
	})
	return g.Wait()
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
