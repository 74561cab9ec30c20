package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

// newLocalTransport builds the HTTP transport used to reach the local
// server. Upgrades need HTTP/1.1, so HTTP/2 is never attempted.
func newLocalTransport(opts Options) (*http.Transport, error) {
	tlsCfg, err := localTLSConfig(opts.LocalCAFile, opts.LocalInsecure)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		DisableCompression:    true,
	}
	if opts.SOCKS5Addr == "" {
		return transport, nil
	}

	var auth *proxy.Auth
	if opts.SOCKS5User != "" || opts.SOCKS5Pass != "" {
		auth = &proxy.Auth{User: opts.SOCKS5User, Password: opts.SOCKS5Pass}
	}
	socks, err := proxy.SOCKS5("tcp", opts.SOCKS5Addr, auth, dialer)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return socks.Dial(network, addr)
		}
	}
	return transport, nil
}

func localTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecure {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	if caFile == "" {
		return cfg, nil
	}
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read local ca: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("local ca file contains no usable certificates")
	}
	cfg.RootCAs = pool
	return cfg, nil
}
