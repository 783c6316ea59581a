package users

import (
	"context"
	"errors"
)

// ErrNotificationNotFound indicates no notification matched the id for the user.
var ErrNotificationNotFound = errors.New("users: notification not found")

// Notify records an in-app notification for one user.
func (s *Service) Notify(ctx context.Context, userID, category, message string) error {
	if userID == "" || message == "" {
		return ErrInvalidIdentity
	}
	record := Notification{UserID: userID, Category: category, Message: message}
	return s.db.WithContext(ctx).Create(&record).Error
}

// NotifyAll fans one message out to every active account. Used for
// administrative announcements.
func (s *Service) NotifyAll(ctx context.Context, category, message string) error {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("active = ?", true).
		Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	records := make([]Notification, 0, len(ids))
	for _, id := range ids {
		records = append(records, Notification{UserID: id, Category: category, Message: message})
	}
	return s.db.WithContext(ctx).Create(&records).Error
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	var records []Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}

// MarkNotificationRead flips one notification to read, scoped to its owner.
func (s *Service) MarkNotificationRead(ctx context.Context, userID string, notificationID uint) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
