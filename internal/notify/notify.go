// Package notify persists user notifications raised by devices and hands
// them to an optional Publisher for delivery.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/drksbr/cloudrelay/internal/repository"
)

// Publisher pushes an encoded notification to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type Service struct {
	repo        repository.NotificationRepository
	publisher   Publisher
	topicPrefix string
	logger      *slog.Logger
}

// NewService builds a Service. publisher may be nil.
func NewService(repo repository.NotificationRepository, publisher Publisher, topicPrefix string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		publisher:   publisher,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		logger:      logger,
	}
}

// message is the payload published for a notification.
type message struct {
	ID          int64  `json:"id"`
	UserID      string `json:"userId"`
	Message     string `json:"message"`
	Icon        string `json:"icon,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Title       string `json:"title,omitempty"`
	ReferenceID string `json:"reference-id,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Created     int64  `json:"created"`
}

// SendToUser stores n for userID and publishes it.
func (s *Service) SendToUser(ctx context.Context, userID string, n repository.Notification) error {
	if err := s.save(ctx, userID, &n); err != nil {
		return err
	}
	if s.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(message{
		ID:          n.ID,
		UserID:      n.UserID,
		Message:     n.Message,
		Icon:        n.Icon,
		Severity:    n.Severity,
		Tag:         n.Tag,
		Title:       n.Title,
		ReferenceID: n.ReferenceID,
		Payload:     n.Payload,
		Created:     n.Created.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.Topic(userID), payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// SaveOnly stores n for userID without delivery.
func (s *Service) SaveOnly(ctx context.Context, userID string, n repository.Notification) error {
	return s.save(ctx, userID, &n)
}

func (s *Service) save(ctx context.Context, userID string, n *repository.Notification) error {
	if userID == "" {
		return errors.New("notification without user")
	}
	n.UserID = userID
	if err := s.repo.Save(ctx, n); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	s.logger.Debug("notification stored", "user", userID, "id", n.ID, "severity", n.Severity)
	return nil
}

// Topic is the publish topic for userID.
func (s *Service) Topic(userID string) string {
	return s.topicPrefix + "/" + userID
}

func (s *Service) Close() error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.Close()
}
