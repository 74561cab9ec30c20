package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/drksbr/cloudrelay/internal/config"
	"github.com/drksbr/cloudrelay/internal/runtime"
)

// Options configures the device connector. Environment variables fill in
// whatever the flags leave unset.
type Options struct {
	RelayURL string `env:"CLOUDRELAY_DEVICE_RELAY"`
	UUID     string `env:"CLOUDRELAY_DEVICE_UUID"`
	Secret   string `env:"CLOUDRELAY_DEVICE_SECRET"`
	Version  string `env:"CLOUDRELAY_DEVICE_VERSION"`

	// LocalURL is the base of the local server requests are replayed against.
	LocalURL      string `env:"CLOUDRELAY_DEVICE_LOCAL_URL"`
	LocalCAFile   string `env:"CLOUDRELAY_DEVICE_LOCAL_CA"`
	LocalInsecure bool   `env:"CLOUDRELAY_DEVICE_LOCAL_INSECURE"`
	SOCKS5Addr    string `env:"CLOUDRELAY_DEVICE_SOCKS5_ADDR"`
	SOCKS5User    string `env:"CLOUDRELAY_DEVICE_SOCKS5_USER"`
	SOCKS5Pass    string `env:"CLOUDRELAY_DEVICE_SOCKS5_PASS"`

	ReconnectMin      time.Duration `env:"CLOUDRELAY_DEVICE_RECONNECT_MIN"`
	ReconnectMax      time.Duration `env:"CLOUDRELAY_DEVICE_RECONNECT_MAX"`
	HeartbeatInterval time.Duration `env:"CLOUDRELAY_DEVICE_HEARTBEAT"`
	MaxFrame          int           `env:"CLOUDRELAY_DEVICE_MAX_FRAME"`
	TunnelBacklog     int           `env:"CLOUDRELAY_DEVICE_TUNNEL_BACKLOG"`
}

func DefaultOptions() Options {
	return Options{
		Version:           "unknown",
		LocalURL:          "http://127.0.0.1:8080",
		ReconnectMin:      2 * time.Second,
		ReconnectMax:      60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		MaxFrame:          32 * 1024,
		TunnelBacklog:     1 << 20,
	}
}

func (o *Options) validate() (relay, local *url.URL, err error) {
	if o.RelayURL == "" {
		return nil, nil, errors.New("--relay is required")
	}
	relay, err = url.Parse(o.RelayURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if relay.Scheme != "wss" && relay.Scheme != "ws" {
		return nil, nil, errors.New("relay url must use ws or wss scheme")
	}
	if relay.Host == "" {
		return nil, nil, errors.New("relay url missing host")
	}
	if o.UUID == "" || o.Secret == "" {
		return nil, nil, errors.New("--uuid and --secret are required")
	}

	local, err = url.Parse(o.LocalURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid local url: %w", err)
	}
	if local.Scheme != "http" && local.Scheme != "https" {
		return nil, nil, fmt.Errorf("local url must use http or https scheme (got %q)", local.Scheme)
	}
	local.RawQuery, local.Fragment = "", ""

	if o.MaxFrame <= 0 {
		return nil, nil, errors.New("--max-frame must be positive")
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 2 * time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = o.ReconnectMin
	}
	return relay, local, nil
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	flags := DefaultOptions()

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Reference device connector that serves relay requests from a local server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			opts := DefaultOptions()
			if err := config.DecodeEnv(&opts); err != nil {
				return err
			}
			applyFlags(cmd.Flags(), &flags, &opts)

			client, err := New(opts, globals.Component("device"))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.RelayURL, "relay", "", "relay device endpoint (wss://host/tunnel)")
	f.StringVar(&flags.UUID, "uuid", "", "device uuid")
	f.StringVar(&flags.Secret, "secret", "", "device secret")
	f.StringVar(&flags.Version, "openhab-version", flags.Version, "version reported to the relay")
	f.StringVar(&flags.LocalURL, "local", flags.LocalURL, "base URL of the local server")
	f.StringVar(&flags.LocalCAFile, "local-ca", "", "PEM file with extra CAs trusted for the local server")
	f.BoolVar(&flags.LocalInsecure, "local-insecure", false, "skip TLS verification of the local server")
	f.StringVar(&flags.SOCKS5Addr, "socks5", "", "reach the local server through this SOCKS5 proxy")
	f.StringVar(&flags.SOCKS5User, "socks5-user", "", "SOCKS5 username")
	f.StringVar(&flags.SOCKS5Pass, "socks5-pass", "", "SOCKS5 password")
	f.DurationVar(&flags.ReconnectMin, "reconnect-min", flags.ReconnectMin, "initial reconnect delay")
	f.DurationVar(&flags.ReconnectMax, "reconnect-max", flags.ReconnectMax, "maximum reconnect delay")
	f.DurationVar(&flags.HeartbeatInterval, "heartbeat", flags.HeartbeatInterval, "interval between heartbeat pings")
	f.IntVar(&flags.MaxFrame, "max-frame", flags.MaxFrame, "maximum payload per binary frame in bytes")
	f.IntVar(&flags.TunnelBacklog, "tunnel-backlog", flags.TunnelBacklog, "bytes buffered towards a slow upgraded connection (0 disables)")

	return cmd
}

// applyFlags copies explicitly set flags over opts.
func applyFlags(fs *pflag.FlagSet, flags, opts *Options) {
	setters := map[string]func(){
		"relay":           func() { opts.RelayURL = flags.RelayURL },
		"uuid":            func() { opts.UUID = flags.UUID },
		"secret":          func() { opts.Secret = flags.Secret },
		"openhab-version": func() { opts.Version = flags.Version },
		"local":           func() { opts.LocalURL = flags.LocalURL },
		"local-ca":        func() { opts.LocalCAFile = flags.LocalCAFile },
		"local-insecure":  func() { opts.LocalInsecure = flags.LocalInsecure },
		"socks5":          func() { opts.SOCKS5Addr = flags.SOCKS5Addr },
		"socks5-user":     func() { opts.SOCKS5User = flags.SOCKS5User },
		"socks5-pass":     func() { opts.SOCKS5Pass = flags.SOCKS5Pass },
		"reconnect-min":   func() { opts.ReconnectMin = flags.ReconnectMin },
		"reconnect-max":   func() { opts.ReconnectMax = flags.ReconnectMax },
		"heartbeat":       func() { opts.HeartbeatInterval = flags.HeartbeatInterval },
		"max-frame":       func() { opts.MaxFrame = flags.MaxFrame },
		"tunnel-backlog":  func() { opts.TunnelBacklog = flags.TunnelBacklog },
	}
	fs.Visit(func(fl *pflag.Flag) {
		if set, ok := setters[fl.Name]; ok {
			set()
		}
	})
}
