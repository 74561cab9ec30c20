// Package device is the reference connector a hub runs to reach the relay:
// it holds the device session open and replays relayed requests against
// the local server.
package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drksbr/cloudrelay/internal/version"
)

// a session that lasted this long resets the backoff
const stableSession = time.Minute

type Client struct {
	opts     Options
	relayURL *url.URL
	localURL *url.URL
	logger   *slog.Logger
	http     *http.Client

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options, logger *slog.Logger) (*Client, error) {
	relayURL, localURL, err := opts.validate()
	if err != nil {
		return nil, err
	}
	transport, err := newLocalTransport(opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:     opts,
		relayURL: relayURL,
		localURL: localURL,
		logger:   logger.With("uuid", opts.UUID),
		http: &http.Client{
			Transport: transport,
			// redirects belong to the remote client
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Run keeps a session to the relay open until ctx ends, reconnecting with
// jittered exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.ReconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		err := c.connectOnce(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if time.Since(start) > stableSession {
			backoff = c.opts.ReconnectMin
		}
		sleep := c.jitter(backoff)
		if err != nil {
			c.logger.Warn("relay connection failed", "error", err, "retry_in", sleep.String())
		} else {
			c.logger.Info("relay connection ended, reconnecting", "retry_in", sleep.String())
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < c.opts.ReconnectMax {
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
		}
	}
}

// jitter spreads base by ±20%.
func (c *Client) jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	c.rngMu.Lock()
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	scale := 0.8 + c.rng.Float64()*0.4
	c.rngMu.Unlock()
	return time.Duration(float64(base) * scale)
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	if c.relayURL.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: c.relayURL.Hostname(),
		}
	}

	header := http.Header{
		"User-Agent": {"cloudrelay-device/" + version.Version},
	}
	header.Set("uuid", c.opts.UUID)
	header.Set("secret", c.opts.Secret)
	header.Set("openhabversion", c.opts.Version)

	conn, resp, err := dialer.DialContext(ctx, c.relayURL.String(), header)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				resp.Body.Close()
			}
			return fmt.Errorf("%w (status %d, retry-after %q)", err, resp.StatusCode, resp.Header.Get("Retry-After"))
		}
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c.logger.Info("connected to relay", "relay", c.relayURL.Host)

	return newSession(c, conn).run(ctx)
}
