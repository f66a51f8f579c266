package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/shepherd-project/mediadl/internal/logger"
	"github.com/shepherd-project/mediadl/internal/websocket"
)

// ErrUnknownAction is returned for action ids that are not toggle/cancel
var ErrUnknownAction = errors.New("unknown notification action")

// Gateway displays notifications and delivers action presses
type Gateway interface {
	EnsureChannel(ctx context.Context, channel Channel) error
	Display(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id string) error
	// Actions yields decoded action presses until the gateway is closed
	Actions() <-chan Action
}

// Alerter shows a blocking user-facing alert
type Alerter interface {
	Alert(title, message string)
}

// LogAlerter writes alerts to the log
type LogAlerter struct{}

// Alert logs the alert at error level
func (LogAlerter) Alert(title, message string) {
	logger.WithField("title", title).Error(message)
}

// WSGateway pushes notifications to WebSocket clients and turns their
// action_press messages into Actions. Displayed notifications are kept so
// late-joining clients get the current state on connect.
type WSGateway struct {
	hub     *websocket.Hub
	actions chan Action

	mu        sync.RWMutex
	channels  map[string]Channel
	displayed map[string]Notification
	closed    bool
}

// NewWSGateway creates a gateway on top of hub and installs its message and
// connect handlers. Call before hub.Run.
func NewWSGateway(hub *websocket.Hub) *WSGateway {
	g := &WSGateway{
		hub:       hub,
		actions:   make(chan Action, 64),
		channels:  make(map[string]Channel),
		displayed: make(map[string]Notification),
	}
	hub.OnMessage = g.handleMessage
	hub.OnConnect = g.replay
	return g
}

// EnsureChannel registers channel once
func (g *WSGateway) EnsureChannel(ctx context.Context, channel Channel) error {
	g.mu.Lock()
	_, exists := g.channels[channel.ID]
	if !exists {
		g.channels[channel.ID] = channel
	}
	g.mu.Unlock()

	if !exists {
		g.hub.Broadcast(websocket.NewChannelCreatedEvent(channel))
	}
	return nil
}

// Display shows or replaces n
func (g *WSGateway) Display(ctx context.Context, n Notification) error {
	g.mu.Lock()
	g.displayed[n.ID] = n
	g.mu.Unlock()

	g.hub.Broadcast(websocket.NewNotificationEvent(n.ID, n))
	return nil
}

// Cancel removes the notification with id
func (g *WSGateway) Cancel(ctx context.Context, id string) error {
	g.mu.Lock()
	delete(g.displayed, id)
	g.mu.Unlock()

	g.hub.Broadcast(websocket.NewNotificationCancelEvent(id))
	return nil
}

// Actions returns the stream of decoded action presses
func (g *WSGateway) Actions() <-chan Action {
	return g.actions
}

// Press injects an action press as if a client sent it
func (g *WSGateway) Press(actionID string) error {
	action, ok := ParseActionID(actionID)
	if !ok {
		return ErrUnknownAction
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return errors.New("gateway closed")
	}

	select {
	case g.actions <- action:
		return nil
	default:
		logger.Warnf("动作队列已满，丢弃 %s", actionID)
		return errors.New("action queue full")
	}
}

// Alert broadcasts an alert event
func (g *WSGateway) Alert(title, message string) {
	g.hub.Broadcast(websocket.NewAlertEvent(title, message))
}

// Displayed returns the notifications currently shown
func (g *WSGateway) Displayed() []Notification {
	g.mu.RLock()
	defer g.mu.RUnlock()

	list := make([]Notification, 0, len(g.displayed))
	for _, n := range g.displayed {
		list = append(list, n)
	}
	return list
}

// Close stops delivering actions
func (g *WSGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.actions)
	}
}

func (g *WSGateway) handleMessage(clientID string, event *websocket.Event) {
	if event.Type != websocket.EventTypeActionPress {
		return
	}
	if err := g.Press(event.ActionID); err != nil {
		logger.WithFields(map[string]interface{}{
			"client":   clientID,
			"actionId": event.ActionID,
		}).WithError(err).Debug("忽略通知动作")
	}
}

func (g *WSGateway) replay(client *websocket.Client) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, ch := range g.channels {
		g.hub.SendTo(client, websocket.NewChannelCreatedEvent(ch))
	}
	for id, n := range g.displayed {
		g.hub.SendTo(client, websocket.NewNotificationEvent(id, n))
	}
}
