package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/drksbr/cloudrelay/internal/broadcast"
	"github.com/drksbr/cloudrelay/internal/config"
	"github.com/drksbr/cloudrelay/internal/kvstore"
	"github.com/drksbr/cloudrelay/internal/notify"
	"github.com/drksbr/cloudrelay/internal/observability"
	"github.com/drksbr/cloudrelay/internal/repository"
	"github.com/drksbr/cloudrelay/internal/runtime"
)

type relayFlags struct {
	configPath       string
	deviceListen     string
	publicListen     string
	serverAddress    string
	maxClientConns   int
	redisAddr        string
	databasePath     string
	directory        string
	lockTTL          time.Duration
	wsIdle           time.Duration
	cleanupInterval  time.Duration
	clientWrite      time.Duration
	connectionIDMode string
	acmeHosts        []string
	acmeEmail        string
	acmeCache        string
	acmeHTTPAddr     string
	mqttBroker       string
	tracing          bool
	tracingExporter  string
	tracingEndpoint  string
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	defaults := config.DefaultRelay()
	flags := &relayFlags{
		deviceListen:     defaults.DeviceListen,
		publicListen:     defaults.PublicListen,
		maxClientConns:   defaults.MaxClientConns,
		databasePath:     defaults.Database.Path,
		lockTTL:          defaults.Session.LockTTL,
		wsIdle:           defaults.Session.WSIdle,
		cleanupInterval:  defaults.Session.CleanupInterval,
		clientWrite:      defaults.Session.ClientWriteTimeout,
		connectionIDMode: defaults.Session.ConnectionIDMode,
		tracingExporter:  defaults.Tracing.Exporter,
	}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Cloud relay accepting device sessions and proxying requests to them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			cfg, err := config.LoadRelay(flags.configPath)
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), &cfg)
			if cfg.ServerAddress == "" {
				cfg.ServerAddress = defaultServerAddress(cfg.DeviceListen)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid relay configuration: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runRelay(ctx, globals, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "optional YAML configuration file")
	f.StringVar(&flags.deviceListen, "device-listen", flags.deviceListen, "listen address for device sessions, /metrics and /status.json")
	f.StringVar(&flags.publicListen, "public-listen", flags.publicListen, "listen address for the /remote/ entry point")
	f.StringVar(&flags.serverAddress, "server-address", "", "address of this node written into connection locks (default hostname:port)")
	f.IntVar(&flags.maxClientConns, "max-client-conns", flags.maxClientConns, "maximum concurrent public connections (0 disables)")
	f.StringVar(&flags.redisAddr, "redis-addr", "", "redis address for locks and cross-node rooms (empty uses an in-process store)")
	f.StringVar(&flags.databasePath, "database", flags.databasePath, "sqlite database path")
	f.StringVar(&flags.directory, "directory", "", "YAML file of devices and users to seed into the database")
	f.DurationVar(&flags.lockTTL, "lock-ttl", flags.lockTTL, "ttl of the per-device connection lock")
	f.DurationVar(&flags.wsIdle, "ws-idle", flags.wsIdle, "maximum idle time on a device session before disconnect")
	f.DurationVar(&flags.cleanupInterval, "cleanup-interval", flags.cleanupInterval, "interval of the orphaned request sweep")
	f.DurationVar(&flags.clientWrite, "client-write-timeout", flags.clientWrite, "maximum time for one write to a public client before its request is dropped")
	f.StringVar(&flags.connectionIDMode, "connection-id-mode", flags.connectionIDMode, "connection id generator (uuid or cuid)")
	f.StringSliceVar(&flags.acmeHosts, "acme-host", nil, "hostnames for Let's Encrypt certificates (repeatable; none serves plain HTTP)")
	f.StringVar(&flags.acmeEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	f.StringVar(&flags.acmeCache, "acme-cache", "", "directory for ACME certificate cache")
	f.StringVar(&flags.acmeHTTPAddr, "acme-http", "", "optional listen address for ACME HTTP-01 challenges (e.g. :80)")
	f.StringVar(&flags.mqttBroker, "mqtt-broker", "", "MQTT broker URL for notification delivery (e.g. tcp://localhost:1883)")
	f.BoolVar(&flags.tracing, "tracing", false, "enable OpenTelemetry tracing")
	f.StringVar(&flags.tracingExporter, "tracing-exporter", flags.tracingExporter, "span exporter (stdout, otlp-grpc, otlp-http)")
	f.StringVar(&flags.tracingEndpoint, "tracing-endpoint", "", "OTLP collector endpoint")

	return cmd
}

// apply copies the flags the user set explicitly over cfg.
func (r *relayFlags) apply(fs *pflag.FlagSet, cfg *config.Relay) {
	setters := map[string]func(){
		"device-listen":        func() { cfg.DeviceListen = r.deviceListen },
		"public-listen":        func() { cfg.PublicListen = r.publicListen },
		"server-address":       func() { cfg.ServerAddress = r.serverAddress },
		"max-client-conns":     func() { cfg.MaxClientConns = r.maxClientConns },
		"redis-addr":           func() { cfg.Redis.Addr = r.redisAddr },
		"database":             func() { cfg.Database.Path = r.databasePath },
		"directory":            func() { cfg.Database.Directory = r.directory },
		"lock-ttl":             func() { cfg.Session.LockTTL = r.lockTTL },
		"ws-idle":              func() { cfg.Session.WSIdle = r.wsIdle },
		"cleanup-interval":     func() { cfg.Session.CleanupInterval = r.cleanupInterval },
		"client-write-timeout": func() { cfg.Session.ClientWriteTimeout = r.clientWrite },
		"connection-id-mode":   func() { cfg.Session.ConnectionIDMode = r.connectionIDMode },
		"acme-host":            func() { cfg.ACMEHosts = r.acmeHosts },
		"acme-email":           func() { cfg.ACMEEmail = r.acmeEmail },
		"acme-cache":           func() { cfg.ACMECache = r.acmeCache },
		"acme-http":            func() { cfg.ACMEHTTPAddr = r.acmeHTTPAddr },
		"mqtt-broker":          func() { cfg.MQTT.Broker = r.mqttBroker },
		"tracing":              func() { cfg.Tracing.Enabled = r.tracing },
		"tracing-exporter":     func() { cfg.Tracing.Exporter = r.tracingExporter },
		"tracing-endpoint":     func() { cfg.Tracing.Endpoint = r.tracingEndpoint },
	}
	fs.Visit(func(fl *pflag.Flag) {
		if set, ok := setters[fl.Name]; ok {
			set()
		}
	})
}

func defaultServerAddress(deviceListen string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	_, port, err := net.SplitHostPort(deviceListen)
	if err != nil || port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}

// runRelay assembles the relay's collaborators from cfg and serves until ctx ends.
func runRelay(ctx context.Context, globals *runtime.Options, cfg config.Relay) error {
	logger := globals.Component("relay")

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: "cloudrelay",
		Environment: globals.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	var (
		store      kvstore.Store
		redisStore *kvstore.Redis
	)
	if cfg.Redis.Addr != "" {
		redisStore, err = kvstore.NewRedis(ctx, kvstore.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		store = redisStore
	} else {
		logger.Warn("no redis configured, connection locks are local to this process")
		store = kvstore.NewMemory()
	}
	defer store.Close()

	repos, err := repository.OpenSQLite(ctx, cfg.Database.Path, globals.Component("repository"))
	if err != nil {
		return err
	}
	defer repos.Close()
	if cfg.Database.Directory != "" {
		dir, err := repository.LoadDirectory(cfg.Database.Directory)
		if err != nil {
			return err
		}
		if err := repos.Seed(ctx, dir); err != nil {
			return err
		}
		logger.Info("directory seeded", "devices", len(dir.Devices), "users", len(dir.Users))
	}

	notifier, err := newNotifier(cfg, repos, globals.Component("notify"))
	if err != nil {
		return err
	}
	defer notifier.Close()

	server, err := New(Options{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Repos:      repos,
		Notifier:   notifier,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		return err
	}

	if redisStore != nil {
		adapter, err := broadcast.NewRedisAdapter(ctx, redisStore.Client(), redisStore.Prefix(), uuid.NewString(), server.Hub(), globals.Component("broadcast"))
		if err != nil {
			return err
		}
		defer adapter.Close()
	}

	logger.Info("relay starting",
		"server_address", cfg.ServerAddress,
		"lock_ttl", cfg.Session.LockTTL,
		"redis", cfg.Redis.Addr != "",
		"mqtt", cfg.MQTT.Broker != "",
	)
	return server.Run(ctx)
}

func newNotifier(cfg config.Relay, repos repository.NotificationRepository, logger *slog.Logger) (*notify.Service, error) {
	if cfg.MQTT.Broker == "" {
		return notify.NewService(repos, nil, cfg.MQTT.TopicPrefix, logger), nil
	}
	publisher, err := notify.ConnectMQTT(notify.MQTTConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      1,
	}, logger)
	if err != nil {
		return nil, err
	}
	return notify.NewService(repos, publisher, cfg.MQTT.TopicPrefix, logger), nil
}
