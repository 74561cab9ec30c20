// Package repository holds the persistence contracts the relay consumes
// and their SQLite and in-memory implementations.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match nothing. Credential lookups
// return it for both unknown ids and wrong secrets.
var ErrNotFound = errors.New("repository: not found")

// Device is a registered hub.
type Device struct {
	ID            string
	UUID          string
	Secret        string
	AccountID     string
	LastOnline    time.Time
	ClientVersion string
}

// User belongs to exactly one account and may reach the account's devices.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	AccountID    string
	Role         string
}

type EventStatus string

const (
	StatusOnline  EventStatus = "online"
	StatusOffline EventStatus = "offline"
)

// Event records a device status transition.
type Event struct {
	DeviceID string
	Source   string
	Status   EventStatus
	Color    string
	When     time.Time
}

// Notification is a persisted user notification.
type Notification struct {
	ID          int64
	UserID      string
	Message     string
	Icon        string
	Severity    string
	Tag         string
	Title       string
	ReferenceID string
	Payload     string
	Created     time.Time
}

type DeviceRepository interface {
	FindByUUIDAndSecret(ctx context.Context, uuid, secret string) (*Device, error)
	FindByUUID(ctx context.Context, uuid string) (*Device, error)
	UpdateLastOnline(ctx context.Context, deviceID string, when time.Time) error
}

type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByAccount(ctx context.Context, accountID string) ([]User, error)
}

type EventRepository interface {
	Create(ctx context.Context, ev Event) error
}

type NotificationRepository interface {
	Save(ctx context.Context, n *Notification) error
}

// Repositories bundles the four contracts; both SQLite and Memory satisfy it.
type Repositories interface {
	DeviceRepository
	UserRepository
	EventRepository
	NotificationRepository
}

// OnlineEvent and OfflineEvent build the status events written on connect
// and disconnect.
func OnlineEvent(deviceID string, when time.Time) Event {
	return Event{DeviceID: deviceID, Source: "cloud", Status: StatusOnline, Color: "good", When: when}
}

func OfflineEvent(deviceID string, when time.Time) Event {
	return Event{DeviceID: deviceID, Source: "cloud", Status: StatusOffline, Color: "bad", When: when}
}
