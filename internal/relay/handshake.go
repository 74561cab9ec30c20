package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/drksbr/cloudrelay/internal/connection"
	"github.com/drksbr/cloudrelay/internal/repository"
)

const unknownVersion = "unknown"

// handshake accumulates what the admission stages learn about a device
// connection attempt.
type handshake struct {
	uuid    string
	secret  string
	version string
	remote  string

	device       *repository.Device
	connectionID string
	lockKey      string
}

// stage is one step of the admission chain; an error rejects the session.
type stage func(ctx context.Context, hs *handshake) error

func readHandshake(r *http.Request) *handshake {
	param := func(name string) string {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
		return strings.TrimSpace(r.URL.Query().Get(name))
	}
	hs := &handshake{
		uuid:    param("uuid"),
		secret:  param("secret"),
		version: param("openhabversion"),
		remote:  clientAddr(r),
	}
	if hs.version == "" {
		hs.version = unknownVersion
	}
	return hs
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// admission returns the stages in the order they run.
func (s *Server) admission() []stage {
	return []stage{
		s.rejectDuringShutdown,
		s.rejectBlocked,
		s.authenticate,
		s.acquireLock,
	}
}

func (s *Server) admit(ctx context.Context, hs *handshake) error {
	for _, st := range s.admission() {
		if err := st(ctx, hs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) rejectDuringShutdown(context.Context, *handshake) error {
	if s.shuttingDown.Load() {
		return ErrShuttingDown
	}
	return nil
}

// rejectBlocked fails open when the store cannot be read; the lock stage
// still guards the device.
func (s *Server) rejectBlocked(ctx context.Context, hs *handshake) error {
	if hs.uuid == "" {
		return nil
	}
	status, err := s.manager.IsBlocked(ctx, hs.uuid)
	if err != nil {
		s.logger.Warn("block check failed", "uuid", hs.uuid, "error", err)
		return nil
	}
	if status.Blocked {
		s.metrics.blockedAttempts.Inc()
		s.logger.Info("blocked uuid rejected", "uuid", hs.uuid, "remote", hs.remote, "remaining", status.Remaining)
	}
	return status.Err()
}

func (s *Server) authenticate(ctx context.Context, hs *handshake) error {
	dev, err := s.manager.Authenticate(ctx, hs.uuid, hs.secret)
	if errors.Is(err, connection.ErrAuthentication) {
		s.metrics.authFailures.Inc()
		s.logger.Info("device authentication failed", "uuid", hs.uuid, "remote", hs.remote)
		if hs.uuid != "" {
			s.manager.BlockUUID(ctx, hs.uuid, hs.version)
		}
		return err
	}
	if err != nil {
		s.logger.Error("device lookup failed", "uuid", hs.uuid, "error", err)
		return err
	}
	hs.device = dev
	return nil
}

func (s *Server) acquireLock(ctx context.Context, hs *handshake) error {
	hs.connectionID = s.idGen()
	key, err := s.manager.AcquireLock(ctx, hs.device.ID, hs.connectionID, hs.version)
	switch {
	case errors.Is(err, connection.ErrAlreadyConnected):
		s.metrics.lockConflicts.Inc()
		return err
	case err != nil:
		s.metrics.lockErrors.Inc()
		return err
	}
	hs.lockKey = key
	return nil
}

// rejectStatus maps an admission error to the HTTP status sent before the
// upgrade.
func rejectStatus(err error) int {
	var blocked *connection.BlockedError
	switch {
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &blocked):
		return http.StatusTooManyRequests
	case errors.Is(err, connection.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, connection.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, connection.ErrLockUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	status := rejectStatus(err)
	var blocked *connection.BlockedError
	if errors.As(err, &blocked) {
		if secs := blocked.RetryAfterSeconds(); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
}

// handleTunnel admits a device and serves its session on the upgraded
// connection.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	hs := readHandshake(r)
	if err := s.admit(r.Context(), hs); err != nil {
		s.reject(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("device upgrade failed", "uuid", hs.uuid, "remote", hs.remote, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if relErr := s.manager.ReleaseLock(ctx, hs.lockKey, hs.connectionID, hs.device.ID); relErr != nil {
			s.logger.Error("release lock after failed upgrade", "uuid", hs.uuid, "error", relErr)
		}
		return
	}
	newSession(s, conn, hs).run()
}
