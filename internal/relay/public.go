package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/repository"
	"github.com/drksbr/cloudrelay/internal/tracker"
)

type userIDKey struct{}

// WithUserID attaches the id of the user a public request acts for; it is
// forwarded to the device with the request.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// headers that describe the hop to the relay rather than the request
var droppedRequestHeaders = []string{
	"Authorization",
	"Cookie",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
}

func requestHeaders(r *http.Request) protocol.Headers {
	h := r.Header.Clone()
	for _, name := range droppedRequestHeaders {
		h.Del(name)
	}
	// an upgrade has to reach the device intact
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		h.Del("Connection")
		h.Del("Upgrade")
	}
	h.Set("Host", r.Host)
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientAddr(r))
	} else {
		h.Set("X-Forwarded-For", clientAddr(r))
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	return protocol.Headers(h)
}

// ServeDevice forwards r to the session of device on this node and streams
// the device's response back. The routing layer calls it once it has
// resolved and authorised the target device.
func (s *Server) ServeDevice(w http.ResponseWriter, r *http.Request, device *repository.Device) {
	if s.shuttingDown.Load() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	if len(s.hub.Members(device.UUID)) == 0 {
		s.metrics.requestsTotal.WithLabelValues("offline").Inc()
		http.Error(w, "device is not connected to this relay", http.StatusBadGateway)
		return
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Session.MaxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.metrics.requestsTotal.WithLabelValues("too_large").Inc()
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
	}

	req := tracker.NewRequestWithLimits(s.requests.NextID(), device.UUID, w, tracker.Limits{
		Backlog:      s.cfg.Session.ClientBacklog,
		WriteTimeout: s.cfg.Session.ClientWriteTimeout,
	})
	if err := s.requests.Add(req); err != nil {
		s.logger.Error("track request failed", "uuid", device.UUID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	frame := &protocol.Frame{
		Type:       protocol.EventRequest,
		ID:         req.ID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		RemoteAddr: clientAddr(r),
		UserID:     userIDFrom(r.Context()),
		Headers:    requestHeaders(r),
		Body:       body,
	}
	if err := s.hub.Emit(device.UUID, frame); err != nil {
		s.requests.SafeRemove(req.ID)
		s.metrics.requestsTotal.WithLabelValues("emit_failed").Inc()
		s.logger.Debug("request not delivered to device", "uuid", device.UUID, "id", req.ID, "error", err)
		http.Error(w, "device is not reachable", http.StatusBadGateway)
		return
	}

	select {
	case <-req.Done():
		if err := req.Err(); err != nil {
			s.logger.Debug("client write failed", "uuid", device.UUID, "id", req.ID, "error", err)
			s.abandon(req, "client_write_failed")
			return
		}
		s.metrics.requestsTotal.WithLabelValues("completed").Inc()
	case <-r.Context().Done():
		req.Abort(r.Context().Err())
		s.abandon(req, "client_gone")
	case <-s.ctx.Done():
		req.Fail(http.StatusServiceUnavailable, ErrShuttingDown.Error())
		s.abandon(req, "shutdown")
	}
	// w belongs to the request's writer until Done
	<-req.Done()
}

// abandon stops tracking req and, when it was still tracked, tells its
// device to drop it.
func (s *Server) abandon(req *tracker.Request, outcome string) {
	s.metrics.requestsTotal.WithLabelValues(outcome).Inc()
	if !s.requests.SafeRemove(req.ID) {
		return
	}
	if err := s.hub.Emit(req.DeviceUUID, protocol.Cancel(req.ID)); err != nil {
		s.logger.Debug("cancel not delivered", "uuid", req.DeviceUUID, "id", req.ID, "error", err)
	}
}

// handleRemote serves /remote/<uuid>/<path> for users of the device's
// account, authenticated with HTTP basic auth.
func (s *Server) handleRemote(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/remote/")
	deviceUUID, path, _ := strings.Cut(rest, "/")
	if deviceUUID == "" {
		http.NotFound(w, r)
		return
	}

	user, ok := s.basicAuth(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="cloudrelay"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	device, err := s.repos.FindByUUID(r.Context(), deviceUUID)
	if err != nil || device.AccountID != user.AccountID {
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("device lookup failed", "uuid", deviceUUID, "error", err)
		}
		http.NotFound(w, r)
		return
	}

	if len(s.hub.Members(device.UUID)) == 0 {
		online, owner, err := s.status.Lookup(r.Context(), device)
		switch {
		case err != nil:
			s.logger.Warn("device status lookup failed", "uuid", device.UUID, "error", err)
		case !online:
			http.Error(w, "device is offline", http.StatusServiceUnavailable)
			return
		case owner != "" && owner != s.cfg.ServerAddress:
			w.Header().Set("X-Cloudrelay-Server", owner)
			http.Error(w, "device is connected to another relay", http.StatusBadGateway)
			return
		}
	}

	fwd := r.Clone(WithUserID(r.Context(), user.ID))
	fwd.URL.Path = "/" + path
	fwd.URL.RawPath = ""
	s.ServeDevice(w, fwd, device)
}

func (s *Server) basicAuth(r *http.Request) (*repository.User, bool) {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		return nil, false
	}
	user, err := s.repos.FindByUsername(r.Context(), username)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("user lookup failed", "user", username, "error", err)
		}
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, false
	}
	return user, true
}
