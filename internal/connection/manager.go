// Package connection guards device sessions across the relay cluster: it
// checks credentials, keeps a short block list for failed attempts and holds
// the exclusive per-device connection lock in the shared key-value store.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drksbr/cloudrelay/internal/kvstore"
	"github.com/drksbr/cloudrelay/internal/observability"
	"github.com/drksbr/cloudrelay/internal/repository"
)

const (
	DefaultLockTTL  = 70 * time.Second
	DefaultBlockTTL = 60 * time.Second
)

// LockRecord is the JSON value stored under connection:<deviceId>.
type LockRecord struct {
	ServerAddress  string    `json:"serverAddress"`
	ConnectionID   string    `json:"connectionId"`
	ConnectionTime time.Time `json:"connectionTime"`
	OpenhabVersion string    `json:"openhabVersion"`
}

// BlockStatus is the result of IsBlocked.
type BlockStatus struct {
	Blocked    bool
	Remaining  time.Duration
	Indefinite bool
}

// Err returns the BlockedError for a blocked status, nil otherwise.
func (b BlockStatus) Err() error {
	if !b.Blocked {
		return nil
	}
	return &BlockedError{Remaining: b.Remaining, Indefinite: b.Indefinite}
}

type Config struct {
	// ServerAddress is written into lock records so the routing layer can
	// tell which node holds a device.
	ServerAddress string
	LockTTL       time.Duration
	BlockTTL      time.Duration
}

type Manager struct {
	store   kvstore.Store
	devices repository.DeviceRepository
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewManager(store kvstore.Store, devices repository.DeviceRepository, cfg Config, logger *slog.Logger) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.BlockTTL <= 0 {
		cfg.BlockTTL = DefaultBlockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		devices: devices,
		cfg:     cfg,
		logger:  logger,
		tracer:  observability.Tracer("connection"),
		now:     time.Now,
	}
}

func LockKey(deviceID string) string { return "connection:" + deviceID }

func BlockKey(uuid string) string { return "blocked:" + uuid }

// LockTTL reports the configured lock lifetime.
func (m *Manager) LockTTL() time.Duration { return m.cfg.LockTTL }

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsBlocked reads the ttl of the block record for uuid.
func (m *Manager) IsBlocked(ctx context.Context, uuid string) (status BlockStatus, err error) {
	ctx, span := m.startSpan(ctx, "connection.is_blocked", attribute.String("device.uuid", uuid))
	defer func() { endSpan(span, err) }()

	ttl, err := m.store.TTL(ctx, BlockKey(uuid))
	if err != nil {
		return BlockStatus{}, fmt.Errorf("block ttl: %w", err)
	}
	switch {
	case ttl == kvstore.KeyMissing:
		return BlockStatus{}, nil
	case ttl == kvstore.NoExpiry:
		return BlockStatus{Blocked: true, Indefinite: true}, nil
	default:
		return BlockStatus{Blocked: true, Remaining: ttl}, nil
	}
}

// Authenticate returns the device for uuid and secret or ErrAuthentication.
// An unknown uuid and a wrong secret are indistinguishable to the caller.
func (m *Manager) Authenticate(ctx context.Context, uuid, secret string) (dev *repository.Device, err error) {
	ctx, span := m.startSpan(ctx, "connection.authenticate", attribute.String("device.uuid", uuid))
	defer func() { endSpan(span, err) }()

	if uuid == "" || secret == "" {
		return nil, ErrAuthentication
	}
	dev, err = m.devices.FindByUUIDAndSecret(ctx, uuid, secret)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAuthentication
	}
	if err != nil {
		return nil, fmt.Errorf("device lookup: %w", err)
	}
	return dev, nil
}

// BlockUUID puts uuid on the block list unless it is already there. Failures
// are logged only.
func (m *Manager) BlockUUID(ctx context.Context, uuid, version string) {
	ctx, span := m.startSpan(ctx, "connection.block", attribute.String("device.uuid", uuid))
	ok, err := m.store.SetNX(ctx, BlockKey(uuid), version, m.cfg.BlockTTL)
	endSpan(span, err)
	if err != nil {
		m.logger.Warn("block uuid failed", "uuid", uuid, "error", err)
		return
	}
	if ok {
		m.logger.Info("uuid blocked", "uuid", uuid, "ttl", m.cfg.BlockTTL)
	}
}

// AcquireLock claims the device for connectionID. It returns the lock key
// on success, ErrAlreadyConnected when another session owns the device and
// ErrLockUnavailable when the store fails.
func (m *Manager) AcquireLock(ctx context.Context, deviceID, connectionID, version string) (key string, err error) {
	key = LockKey(deviceID)
	ctx, span := m.startSpan(ctx, "connection.acquire",
		attribute.String("device.id", deviceID), attribute.String("connection.id", connectionID))
	defer func() { endSpan(span, err) }()

	value, err := json.Marshal(LockRecord{
		ServerAddress:  m.cfg.ServerAddress,
		ConnectionID:   connectionID,
		ConnectionTime: m.now().UTC(),
		OpenhabVersion: version,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode record: %v", ErrLockUnavailable, err)
	}
	ok, err := m.store.SetNX(ctx, key, string(value), m.cfg.LockTTL)
	if err != nil {
		m.logger.Error("lock acquire failed", "device", deviceID, "connection", connectionID, "error", err)
		return "", fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if !ok {
		m.logger.Info("lock held by another session", "device", deviceID, "connection", connectionID)
		return "", ErrAlreadyConnected
	}
	m.logger.Debug("lock acquired", "device", deviceID, "connection", connectionID, "ttl", m.cfg.LockTTL)
	return key, nil
}

// RenewLock extends the lock and reports whether connectionID still owns it.
// A store error is returned as is; the caller decides whether to retry.
func (m *Manager) RenewLock(ctx context.Context, key, connectionID string) (owned bool, err error) {
	ctx, span := m.startSpan(ctx, "connection.renew",
		attribute.String("lock.key", key), attribute.String("connection.id", connectionID))
	defer func() {
		span.SetAttributes(attribute.Bool("lock.owned", owned))
		endSpan(span, err)
	}()

	value, err := m.store.ExpireGet(ctx, key, m.cfg.LockTTL)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	rec, ok := decodeRecord(value)
	if !ok || rec.ConnectionID != connectionID {
		return false, nil
	}
	return true, nil
}

// ReleaseLock deletes the lock if connectionID still owns it. A record that
// changed concurrently belongs to someone else and is left in place.
func (m *Manager) ReleaseLock(ctx context.Context, key, connectionID, deviceID string) (err error) {
	ctx, span := m.startSpan(ctx, "connection.release",
		attribute.String("lock.key", key), attribute.String("connection.id", connectionID))
	defer func() { endSpan(span, err) }()

	deleted, err := m.store.CompareAndDelete(ctx, key, func(value string) bool {
		rec, ok := decodeRecord(value)
		return ok && rec.ConnectionID == connectionID
	})
	switch {
	case errors.Is(err, kvstore.ErrConflict):
		m.logger.Debug("lock changed during release, leaving it", "device", deviceID, "connection", connectionID)
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if deleted {
		m.logger.Debug("lock released", "device", deviceID, "connection", connectionID)
	}
	return nil
}

// LockOwner returns the current lock record for deviceID, or nil when the
// device is not connected anywhere.
func (m *Manager) LockOwner(ctx context.Context, deviceID string) (*LockRecord, error) {
	value, err := m.store.Get(ctx, LockKey(deviceID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, ok := decodeRecord(value)
	if !ok {
		return nil, fmt.Errorf("malformed lock record for %s", deviceID)
	}
	return &rec, nil
}

func decodeRecord(value string) (LockRecord, bool) {
	var rec LockRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return LockRecord{}, false
	}
	return rec, true
}
