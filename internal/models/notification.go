// internal/models/notification.go
package models

// NotificationType enumerates the triggers the core and its collaborators
// share. The core itself only emits match_found and lobby_invite; the rest
// ride the same contract from the social subsystem.
type NotificationType string

const (
	NotifyMatchFound     NotificationType = "match_found"
	NotifyFriendRequest  NotificationType = "friend_request"
	NotifyFriendAccepted NotificationType = "friend_accepted"
	NotifyLobbyInvite    NotificationType = "lobby_invite"
)

// NotificationPriority hints delivery urgency to the external subsystem.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
)

// NotificationData points the delivery channels at the entity the
// notification is about.
type NotificationData struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	ActionURL  string `json:"actionUrl,omitempty"`
}

// Notification is the enqueue-only payload handed to the trigger. Delivery
// (push, email, in-app) and per-user channel preferences live outside the
// core.
type Notification struct {
	Type     NotificationType     `json:"type"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Data     NotificationData     `json:"data"`
	Priority NotificationPriority `json:"priority"`
}
