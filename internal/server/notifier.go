package server

import (
	"context"
	"time"

	"github.com/packmark/packmark/backend/internal/users"
)

// NotificationFanout persists a notification and pushes it to any live
// realtime subscribers of the addressee. It satisfies the sharing flows'
// notifier dependency.
type NotificationFanout struct {
	Users    *users.Service
	Realtime *RealtimeDispatcher
	Clock    func() time.Time
}

func (f *NotificationFanout) Notify(ctx context.Context, userID, category, message string) error {
	if err := f.Users.Notify(ctx, userID, category, message); err != nil {
		return err
	}
	if f.Realtime != nil {
		clock := f.Clock
		if clock == nil {
			clock = time.Now
		}
		f.Realtime.Publish(RealtimeMessage{
			UserID:    userID,
			EventType: RealtimeEventNotification,
			Category:  category,
			Message:   message,
			Timestamp: clock().UTC(),
		})
	}
	return nil
}
