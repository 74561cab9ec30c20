package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/drksbr/cloudrelay/internal/protocol"
	"github.com/drksbr/cloudrelay/internal/repository"
)

func isNotification(t protocol.EventType) bool {
	switch t {
	case protocol.EventNotification, protocol.EventBroadcastNotification, protocol.EventLogNotification:
		return true
	}
	return false
}

// notificationExtras is stored as the notification payload.
type notificationExtras struct {
	OnClickAction      string          `json:"on-click,omitempty"`
	MediaAttachmentURL string          `json:"media-attachment-url,omitempty"`
	Actions            json.RawMessage `json:"actions,omitempty"`
}

func toNotification(n *protocol.Notification, now time.Time) repository.Notification {
	out := repository.Notification{
		Message:     n.Message,
		Icon:        n.Icon,
		Severity:    n.Severity,
		Tag:         n.Tag,
		Title:       n.Title,
		ReferenceID: n.ReferenceID,
		Created:     now,
	}
	extras := notificationExtras{
		OnClickAction:      n.OnClickAction,
		MediaAttachmentURL: n.MediaAttachmentURL,
		Actions:            n.Actions,
	}
	if extras.OnClickAction != "" || extras.MediaAttachmentURL != "" || len(extras.Actions) > 0 {
		if data, err := json.Marshal(extras); err == nil {
			out.Payload = string(data)
		}
	}
	return out
}

// handleNotification hands a device notification to the notifier after
// checking that every addressed user belongs to the device's account.
func (s *Server) handleNotification(ctx context.Context, sess *session, f *protocol.Frame) {
	n := toNotification(f.Notification, time.Now())
	account := sess.device.AccountID

	switch f.Type {
	case protocol.EventNotification:
		user, err := s.repos.FindByUsername(ctx, f.UserID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && user.AccountID != account) {
			s.metrics.OwnershipViolation(f.Type)
			sess.logger.Warn("notification for user outside the device account dropped", "user", f.UserID)
			return
		}
		if err != nil {
			sess.logger.Error("notification user lookup failed", "user", f.UserID, "error", err)
			return
		}
		if err := s.notifier.SendToUser(ctx, user.ID, n); err != nil {
			sess.logger.Warn("send notification failed", "user", user.ID, "error", err)
		}
	case protocol.EventBroadcastNotification, protocol.EventLogNotification:
		users, err := s.repos.FindByAccount(ctx, account)
		if err != nil {
			sess.logger.Error("notification account lookup failed", "account", account, "error", err)
			return
		}
		for _, user := range users {
			if f.Type == protocol.EventLogNotification {
				err = s.notifier.SaveOnly(ctx, user.ID, n)
			} else {
				err = s.notifier.SendToUser(ctx, user.ID, n)
			}
			if err != nil {
				sess.logger.Warn("notification delivery failed", "type", f.Type, "user", user.ID, "error", err)
			}
		}
	}
}
