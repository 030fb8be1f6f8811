/*
 * Copyright 2018 Federa and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server is our HTTP server implementation.
type Server struct {
	listenAddr string
	handler    http.Handler

	logger logrus.FieldLogger
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	s := &Server{
		listenAddr: c.Config.ListenAddr,
		handler:    c.Handler,

		logger: c.Config.Logger,
	}

	return s, nil
}

// AddRoutes attaches all endpoints to the provided router.
func (s *Server) AddRoutes(ctx context.Context, router *mux.Router) http.Handler {
	router.HandleFunc("/health-check", s.HealthCheckHandler)
	router.Handle("/metrics", promhttp.Handler())
	if s.handler != nil {
		router.PathPrefix("/federa/v1/").Handler(s.handler)
	}

	return router
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs.
func (s *Server) Serve(ctx context.Context) error {
	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := s.logger

	router := mux.NewRouter()
	s.AddRoutes(serveCtx, router)

	errCh := make(chan error, 2)
	signalCh := make(chan os.Signal, 1)

	srv := &http.Server{
		Handler: router,
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	logger.WithField("listenAddr", listener.Addr()).Infoln("ready to handle requests")
	go func() {
		serveErr := srv.Serve(listener)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errCh:
		return err
	case reason := <-signalCh:
		logger.WithField("signal", reason).Warnln("received signal, shutting down")
	case <-serveCtx.Done():
		logger.Infoln("context done, shutting down")
	}

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCtxCancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warnln("clean shutdown failed")
		return shutdownErr
	}

	return nil
}
