// Package websocket provides WebSocket support for real-time communication
package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	EventTypeHeartbeat          EventType = "heartbeat"
	EventTypeChannelCreated     EventType = "channel_created"
	EventTypeNotification       EventType = "notification"
	EventTypeNotificationCancel EventType = "notification_cancel"
	EventTypeAlert              EventType = "alert"
	EventTypeDownloadActive     EventType = "download_active"
	EventTypeAlreadyDownloaded  EventType = "already_downloaded"
	EventTypeJobID              EventType = "job_id"

	// Sent by clients
	EventTypeActionPress EventType = "action_press"
)

// Event represents a WebSocket event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"`

	// Notification events
	NotificationID string      `json:"notificationId,omitempty"`
	ActionID       string      `json:"actionId,omitempty"`
	Title          string      `json:"title,omitempty"`
	Message        string      `json:"message,omitempty"`
	Data           interface{} `json:"data,omitempty"`

	// Download callback events
	FileName string `json:"fileName,omitempty"`
	JobID    *int64 `json:"jobId,omitempty"`
	Value    *bool  `json:"value,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":"%s"}`, err.Error())
	}
	return string(data)
}

// ParseEvent decodes a client message
func ParseEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("invalid event: missing type")
	}
	return &event, nil
}

// Event builders

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent() *Event {
	return NewEvent(EventTypeHeartbeat)
}

// NewChannelCreatedEvent announces a notification channel
func NewChannelCreatedEvent(channel interface{}) *Event {
	event := NewEvent(EventTypeChannelCreated)
	event.Data = channel
	return event
}

// NewNotificationEvent carries a notification to display or update
func NewNotificationEvent(id string, notification interface{}) *Event {
	event := NewEvent(EventTypeNotification)
	event.NotificationID = id
	event.Data = notification
	return event
}

// NewNotificationCancelEvent removes a displayed notification
func NewNotificationCancelEvent(id string) *Event {
	event := NewEvent(EventTypeNotificationCancel)
	event.NotificationID = id
	return event
}

// NewAlertEvent creates a user-facing alert
func NewAlertEvent(title, message string) *Event {
	event := NewEvent(EventTypeAlert)
	event.Title = title
	event.Message = message
	return event
}

// NewDownloadActiveEvent reports whether a download for fileName is active
func NewDownloadActiveEvent(fileName string, active bool) *Event {
	event := NewEvent(EventTypeDownloadActive)
	event.FileName = fileName
	event.Value = &active
	return event
}

// NewAlreadyDownloadedEvent reports whether fileName is fully downloaded
func NewAlreadyDownloadedEvent(fileName string, done bool) *Event {
	event := NewEvent(EventTypeAlreadyDownloaded)
	event.FileName = fileName
	event.Value = &done
	return event
}

// NewJobIDEvent reports the job id assigned to fileName
func NewJobIDEvent(fileName string, jobID int64) *Event {
	event := NewEvent(EventTypeJobID)
	event.FileName = fileName
	event.JobID = &jobID
	return event
}
