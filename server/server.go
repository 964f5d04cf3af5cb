// Package server provides an HTTP server with optional TLS and
// graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/docker/go-connections/tlsconfig"
	"golang.org/x/sync/errgroup"
)

// A Server defines parameters for running an HTTP server.
type Server struct {
	Addr     string // TCP address to listen on
	Handler  http.Handler
	CAFile   string // CA certificate file
	CertFile string // Server certificate PEM file, enables TLS when set
	KeyFile  string // Server key PEM file
}

// Start initializes a server to respond to HTTP network requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Handler,
	}

	var g errgroup.Group
	if s.CertFile != "" && s.KeyFile != "" {
		tlsOptions := tlsconfig.Options{
			CAFile:             s.CAFile,
			CertFile:           s.CertFile,
			KeyFile:            s.KeyFile,
			ExclusiveRootPools: true,
		}
		tlsConfig, err := tlsconfig.Server(tlsOptions)
		if err != nil {
			return err
		}
		tlsConfig.MinVersion = tls.VersionTLS12
		srv.TLSConfig = tlsConfig

		g.Go(func() error {
			return srv.ListenAndServeTLS(s.CertFile, s.KeyFile)
		})
	} else {
		g.Go(func() error {
			return srv.ListenAndServe()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown(ctx) // nolint: errcheck
		return nil
	})
	return g.Wait()
}
