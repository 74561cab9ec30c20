// Package relay is the device-facing socket server: it admits device
// sessions through the connection manager, dispatches their events and
// forwards public requests to them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lucsky/cuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/cloudrelay/internal/broadcast"
	"github.com/drksbr/cloudrelay/internal/config"
	"github.com/drksbr/cloudrelay/internal/connection"
	"github.com/drksbr/cloudrelay/internal/kvstore"
	"github.com/drksbr/cloudrelay/internal/notify"
	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/proxy"
	"github.com/drksbr/cloudrelay/internal/repository"
	"github.com/drksbr/cloudrelay/internal/tracker"
)

// ErrShuttingDown rejects sessions and requests during graceful shutdown.
var ErrShuttingDown = errors.New("relay is shutting down")

// StatusInvalidator is told whenever a device goes online or offline so
// cached status answers can be dropped.
type StatusInvalidator interface {
	InvalidateStatus(deviceUUID string)
}

// Options are the collaborators of a Server. Store, Repos and Notifier are
// required.
type Options struct {
	Config   config.Relay
	Logger   *slog.Logger
	Store    kvstore.Store
	Repos    repository.Repositories
	Notifier *notify.Service
	// Registerer receives the relay metrics; nil disables them.
	Registerer prometheus.Registerer
	// Gatherer backs /metrics; defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Invalidator is called in addition to the built-in status cache.
	Invalidator StatusInvalidator
}

type Server struct {
	cfg      config.Relay
	logger   *slog.Logger
	manager  *connection.Manager
	repos    repository.Repositories
	notifier *notify.Service
	hub      *broadcast.Hub
	requests *tracker.Requests
	tunnels  *tracker.Tunnels
	proxy    *proxy.Handler
	metrics  *Metrics
	gatherer prometheus.Gatherer

	status      *statusCache
	invalidator StatusInvalidator
	resources   *resourceTracker

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
	loops        sync.WaitGroup

	sessions sync.Map // connection id -> *session

	upgrader    websocket.Upgrader
	idGen       func() string
	renewWindow time.Duration
	startedAt   time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Repos == nil || opts.Notifier == nil {
		return nil, errors.New("relay: store, repositories and notifier are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var idGen func() string
	switch mode := strings.ToLower(strings.TrimSpace(cfg.Session.ConnectionIDMode)); mode {
	case "", "uuid":
		idGen = uuid.NewString
	case "cuid":
		idGen = cuid.New
	default:
		return nil, fmt.Errorf("unsupported connection id mode %q (use uuid or cuid)", cfg.Session.ConnectionIDMode)
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		repos:       opts.Repos,
		notifier:    opts.Notifier,
		hub:         broadcast.NewHub(logger.With("component", "broadcast")),
		requests:    tracker.NewRequests(),
		tunnels:     tracker.NewTunnels(),
		metrics:     NewMetrics(opts.Registerer),
		gatherer:    gatherer,
		invalidator: opts.Invalidator,
		resources:   newResourceTracker(time.Minute, 24*60),
		idGen:       idGen,
		renewWindow: defaultRenewWindow,
		startedAt:   time.Now(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.manager = connection.NewManager(opts.Store, opts.Repos, connection.Config{
		ServerAddress: cfg.ServerAddress,
		LockTTL:       cfg.Session.LockTTL,
		BlockTTL:      cfg.Session.BlockTTL,
	}, logger.With("component", "connection"))
	s.status = newStatusCache(s.manager, statusCacheTTL)
	s.proxy = proxy.New(proxy.Config{
		Requests:      s.requests,
		Tunnels:       s.tunnels,
		Emitter:       s.hub,
		Logger:        logger.With("component", "proxy"),
		Observer:      s.metrics,
		TunnelBacklog: cfg.Session.TunnelBacklog,
		ReadChunk:     cfg.Session.MaxFrame,
	})
	s.metrics.registerTrackers(opts.Registerer, s.requests.Len, s.tunnels.Len)
	return s, nil
}

// Hub is the room registry device frames are emitted through. Cross-node
// adapters attach to it.
func (s *Server) Hub() *broadcast.Hub { return s.hub }

// Manager exposes the connection manager to the routing layer.
func (s *Server) Manager() *connection.Manager { return s.manager }

// Emit sends f to the session of deviceUUID wherever it is connected.
func (s *Server) Emit(deviceUUID string, f *protocol.Frame) error {
	return s.hub.Emit(deviceUUID, f)
}

// DeviceHandler serves the device transport and the operational endpoints.
func (s *Server) DeviceHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.handleTunnel)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/status.json", s.handleStatusJSON)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// PublicHandler serves the remote access route.
func (s *Server) PublicHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/remote/", s.handleRemote)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Start launches the periodic orphan sweep and resource sampling.
func (s *Server) Start() {
	s.resources.start(s.ctx)
	interval := s.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep removes orphaned requests and tunnels and tells their devices to
// stop working on them.
func (s *Server) sweep() {
	orphans := s.requests.CleanupOrphaned(s.cfg.Session.RequestMaxAge)
	orphans = append(orphans, s.tunnels.CleanupOrphaned()...)
	for _, o := range orphans {
		s.metrics.orphansSwept.Inc()
		if err := s.hub.Emit(o.DeviceUUID, protocol.Cancel(o.ID)); err != nil {
			s.logger.Debug("cancel for orphan not delivered", "uuid", o.DeviceUUID, "id", o.ID, "error", err)
		}
	}
	if len(orphans) > 0 {
		s.logger.Info("orphans swept", "count", len(orphans))
	}
}

// Shutdown rejects new sessions, closes the connected ones (releasing their
// locks) and stops the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		s.sessions.Range(func(_, value any) bool {
			sess := value.(*session)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.terminate(websocket.CloseGoingAway, "relay shutting down")
				sess.close()
			}()
			return true
		})
		wg.Wait()
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	s.loops.Wait()
	return err
}

// attach registers a freshly admitted session and announces the device online.
func (s *Server) attach(sess *session) {
	sess.connectedAt = time.Now()
	s.sessions.Store(sess.id, sess)
	s.hub.Join(sess.uuid, sess)
	s.metrics.devicesConnected.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.repos.Create(ctx, repository.OnlineEvent(sess.device.ID, sess.connectedAt)); err != nil {
		sess.logger.Warn("record online event failed", "error", err)
	}
	if err := s.repos.UpdateLastOnline(ctx, sess.device.ID, sess.connectedAt); err != nil {
		sess.logger.Warn("update last online failed", "error", err)
	}
	s.invalidate(sess.uuid)
	sess.logger.Info("device connected", "version", sess.version, "device", sess.device.ID)
}

// detach undoes attach, ends the device's traffic on this node and releases
// the lock if the session still holds it.
func (s *Server) detach(sess *session) {
	if _, ok := s.sessions.LoadAndDelete(sess.id); !ok {
		return
	}
	s.hub.Leave(sess.uuid, sess)
	s.metrics.devicesConnected.Dec()

	// a replacement session for the same device may already be attached here
	if len(s.hub.Members(sess.uuid)) == 0 {
		if reqs, tuns := s.proxy.CloseDevice(sess.uuid); reqs+tuns > 0 {
			sess.logger.Info("device traffic ended", "requests", reqs, "tunnels", tuns)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.manager.ReleaseLock(ctx, sess.lockKey, sess.id, sess.device.ID); err != nil {
		s.metrics.lockErrors.Inc()
		sess.logger.Error("release lock failed", "error", err)
	}
	if err := s.repos.Create(ctx, repository.OfflineEvent(sess.device.ID, time.Now())); err != nil {
		sess.logger.Warn("record offline event failed", "error", err)
	}
	s.invalidate(sess.uuid)
	sess.logger.Info("device disconnected", "duration", time.Since(sess.connectedAt).Round(time.Second))
}

func (s *Server) invalidate(deviceUUID string) {
	s.status.InvalidateStatus(deviceUUID)
	if s.invalidator != nil {
		s.invalidator.InvalidateStatus(deviceUUID)
	}
}

func (s *Server) lookupSession(id string) (*session, bool) {
	value, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	sess, ok := value.(*session)
	return sess, ok
}

func (s *Server) sessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
