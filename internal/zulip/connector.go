package zulip

import (
	"context"
	"log"

	"github.com/john/infobot/internal/message"
)

// Connector feeds Zulip messages into the bot's message channel
type Connector struct {
	client *Client
}

// NewConnector creates a connector reading from client's event queue
func NewConnector(client *Client) *Connector {
	return &Connector{client: client}
}

// Start begins listening to Zulip events and blocks until ctx is cancelled
func (c *Connector) Start(ctx context.Context, messageChan chan<- message.IncomingMessage) error {
	log.Println("Listening for Zulip messages...")

	return c.client.CallOnEachMessage(ctx, func(msg message.IncomingMessage) {
		msg.Platform = message.PlatformZulip

		select {
		case messageChan <- msg:
		case <-ctx.Done():
		}
	})
}
