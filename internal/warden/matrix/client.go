// Package matrix provides the Matrix client used to mirror audit
// notifications to a room. Dockwarden never syncs or receives messages; the
// client is send-only.
package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client wraps the Matrix client.
type Client struct {
	client *mautrix.Client
}

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Client{client: client}, nil
}

// SendNotice sends an m.notice message to a room. Notices render like normal
// messages but do not trigger client notifications.
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice to %s: %w", roomID, err)
	}
	return nil
}
