package twitch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/john/infobot/internal/message"
)

// maxLineLength is the longest chat line Twitch accepts
const maxLineLength = 500

// Connector manages Twitch chat connections
type Connector struct {
	username string
	channels []string
	client   *twitch.Client
}

// New creates a new Twitch connector
func New(username, oauth string, channels []string) *Connector {
	return &Connector{
		username: username,
		channels: channels,
		client:   twitch.NewClient(username, oauth),
	}
}

// Start begins listening to Twitch chat
func (c *Connector) Start(ctx context.Context, messageChan chan<- message.IncomingMessage) error {
	// Set up message handler
	c.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		// Ignore our own replies
		if strings.EqualFold(msg.User.Name, c.username) {
			return
		}

		select {
		case messageChan <- convertMessage(msg):
		case <-ctx.Done():
			return
		}
	})

	// Set up connection event handlers
	c.client.OnConnect(func() {
		log.Println("Connected to Twitch IRC")
	})

	c.client.OnReconnectMessage(func(msg twitch.ReconnectMessage) {
		log.Println("Reconnecting to Twitch IRC...")
	})

	// Join all channels
	for _, channel := range c.channels {
		c.client.Join(channel)
		log.Printf("Joined channel: %s", channel)
	}

	// Start the client in a goroutine
	go func() {
		if err := c.client.Connect(); err != nil {
			log.Printf("Twitch IRC connection error: %v", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Disconnect gracefully
	log.Println("Disconnecting from Twitch IRC...")
	c.client.Disconnect()

	return ctx.Err()
}

// SendMessage says the reply in the channel named by msg.To, one chat line
// per non-blank line of content
func (c *Connector) SendMessage(ctx context.Context, msg message.OutgoingMessage) error {
	lines := splitReply(msg.Content, maxLineLength)
	if len(lines) == 0 {
		return fmt.Errorf("empty reply for channel %s", msg.To)
	}

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.client.Say(msg.To, line)
	}
	return nil
}

// convertMessage converts a Twitch chat line to an IncomingMessage
func convertMessage(msg twitch.PrivateMessage) message.IncomingMessage {
	return message.IncomingMessage{
		Platform:         message.PlatformTwitch,
		Content:          msg.Message,
		RecipientID:      msg.RoomID,
		Type:             message.TypeStream,
		DisplayRecipient: strings.TrimPrefix(msg.Channel, "#"),
		SubjectLinks:     findLinks(msg.Message),
		ID:               msg.ID,
		Timestamp:        msg.Time.Unix(),
		ContentType:      "text/plain",
		SenderFullName:   msg.User.DisplayName,
		SenderShortName:  msg.User.Name,
		SenderID:         msg.User.ID,
		SenderDomain:     "twitch.tv",
		Client:           "twitch-irc",
	}
}

// findLinks returns the words of text that are web links
func findLinks(text string) []string {
	links := []string{}
	for _, word := range strings.Fields(text) {
		if strings.HasPrefix(word, "http://") || strings.HasPrefix(word, "https://") {
			links = append(links, word)
		}
	}
	return links
}

// splitReply breaks content into chat lines no longer than limit runes,
// dropping blank lines
func splitReply(content string, limit int) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		runes := []rune(line)
		for len(runes) > limit {
			lines = append(lines, string(runes[:limit]))
			runes = runes[limit:]
		}
		lines = append(lines, string(runes))
	}
	return lines
}

