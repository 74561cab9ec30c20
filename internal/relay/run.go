package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/netutil"
)

const shutdownGrace = 5 * time.Second

// Run serves the device and public listeners until ctx is cancelled or a
// listener fails, then shuts down within the grace period.
func (s *Server) Run(ctx context.Context) error {
	tlsConfig, acmeHandler, err := s.tlsSetup()
	if err != nil {
		return err
	}

	s.Start()

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	var acmeSrv *http.Server
	if acmeHandler != nil && s.cfg.ACMEHTTPAddr != "" {
		acmeSrv = &http.Server{
			Addr:              s.cfg.ACMEHTTPAddr,
			Handler:           acmeHandler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("acme http listening", "addr", s.cfg.ACMEHTTPAddr)
			if err := acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("acme http: %w", err))
			}
		}()
	}

	deviceSrv := &http.Server{
		Handler:           s.DeviceHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	publicSrv := &http.Server{
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	deviceLn, err := s.listen(s.cfg.DeviceListen, 0, tlsConfig)
	if err != nil {
		return fmt.Errorf("device listen: %w", err)
	}
	publicLn, err := s.listen(s.cfg.PublicListen, s.cfg.MaxClientConns, tlsConfig)
	if err != nil {
		_ = deviceLn.Close()
		return fmt.Errorf("public listen: %w", err)
	}

	go func() {
		s.logger.Info("device endpoint listening", "addr", deviceLn.Addr().String(), "tls", tlsConfig != nil)
		if err := deviceSrv.Serve(deviceLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("device serve: %w", err))
		}
	}()
	go func() {
		s.logger.Info("public endpoint listening", "addr", publicLn.Addr().String(), "max_conns", s.cfg.MaxClientConns)
		if err := publicSrv.Serve(publicLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("public serve: %w", err))
		}
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	s.logger.Info("relay shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// sessions first so locks are released while the store is still reachable
	if errShutdown := s.Shutdown(shutdownCtx); errShutdown != nil {
		s.logger.Warn("session shutdown", "error", errShutdown)
	}
	if errShutdown := publicSrv.Shutdown(shutdownCtx); errShutdown != nil {
		s.logger.Warn("public shutdown", "error", errShutdown)
	}
	if errShutdown := deviceSrv.Shutdown(shutdownCtx); errShutdown != nil {
		s.logger.Warn("device shutdown", "error", errShutdown)
	}
	if acmeSrv != nil {
		if errShutdown := acmeSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("acme http shutdown", "error", errShutdown)
		}
	}
	return err
}

// listen opens addr, capped at maxConns concurrent connections when
// positive and wrapped in TLS when configured.
func (s *Server) listen(addr string, maxConns int, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// tlsSetup builds the autocert manager when ACME hosts are configured.
// Without hosts both listeners serve plain HTTP, for use behind a TLS
// terminating proxy.
func (s *Server) tlsSetup() (*tls.Config, http.Handler, error) {
	if len(s.cfg.ACMEHosts) == 0 {
		return nil, nil, nil
	}
	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.ACMEHosts...),
		Email:      s.cfg.ACMEEmail,
	}
	if cache := strings.TrimSpace(s.cfg.ACMECache); cache != "" {
		if err := os.MkdirAll(cache, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create acme cache: %w", err)
		}
		manager.Cache = autocert.DirCache(cache)
	}
	return manager.TLSConfig(), manager.HTTPHandler(nil), nil
}
