// Package models - notification.go defines in-app notifications delivered to administrators.
package models

import "time"

// AdminNotification is an in-app alert shown to one administrator
type AdminNotification struct {
	ID          string                 `json:"id"`
	RecipientID string                 `json:"recipient_id"`
	EventType   string                 `json:"event_type"`
	Title       string                 `json:"title"`
	Body        string                 `json:"body"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	ReadAt      *time.Time             `json:"read_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
