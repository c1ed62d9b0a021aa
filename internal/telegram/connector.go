package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/john/infobot/internal/message"
)

const (
	// maxMessageLength is the longest text Telegram accepts in one message
	maxMessageLength = 4096
	maxSendRetries   = 3
	pollTimeout      = 30
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Connector receives Telegram updates by long polling and sends replies
type Connector struct {
	token     string
	allowFrom map[int64]bool

	sender  messageSender
	selfID  int64
	backoff time.Duration
}

// New creates a Telegram connector. An empty allowFrom accepts every user.
func New(token string, allowFrom []int64) *Connector {
	allowed := make(map[int64]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return &Connector{
		token:     token,
		allowFrom: allowed,
		backoff:   time.Second,
	}
}

// Start connects to the Bot API and forwards text messages until ctx is done
func (c *Connector) Start(ctx context.Context, messageChan chan<- message.IncomingMessage) error {
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	c.sender = bot
	c.selfID = bot.Self.ID
	log.Printf("Connected to Telegram as @%s", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping Telegram polling...")
			bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := c.accept(update)
			if !ok {
				continue
			}
			select {
			case messageChan <- convertMessage(msg):
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return ctx.Err()
			}
		}
	}
}

// accept filters out updates that are not text from an allowed human
func (c *Connector) accept(update tgbotapi.Update) (*tgbotapi.Message, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.Text == "" {
		return nil, false
	}
	if msg.From.ID == c.selfID {
		return nil, false
	}
	if len(c.allowFrom) > 0 && !c.allowFrom[msg.From.ID] {
		log.Printf("Ignoring Telegram message from user %d: not in allow list", msg.From.ID)
		return nil, false
	}
	return msg, true
}

// SendMessage sends content to the chat whose numeric ID is msg.To
func (c *Connector) SendMessage(ctx context.Context, msg message.OutgoingMessage) error {
	if c.sender == nil {
		return fmt.Errorf("telegram connector not started")
	}
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.To, err)
	}

	for _, chunk := range splitMessage(msg.Content, maxMessageLength) {
		if err := c.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if _, err := c.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			lastErr = err
			log.Printf("Telegram send to %d failed (attempt %d/%d): %v", chatID, attempt+1, maxSendRetries+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("send telegram message: %w", lastErr)
}

// convertMessage maps a Telegram message onto the Zulip-shaped IncomingMessage.
// Private chats reply to the chat ID held in SenderEmail; groups reply to the
// chat ID held in DisplayRecipient.
func convertMessage(msg *tgbotapi.Message) message.IncomingMessage {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	fullName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)

	in := message.IncomingMessage{
		Platform:        message.PlatformTelegram,
		Content:         msg.Text,
		RecipientID:     chatID,
		SubjectLinks:    findLinks(msg.Text),
		ID:              strconv.Itoa(msg.MessageID),
		Timestamp:       int64(msg.Date),
		ContentType:     "text/plain",
		SenderFullName:  fullName,
		SenderShortName: msg.From.UserName,
		SenderID:        strconv.FormatInt(msg.From.ID, 10),
		SenderDomain:    "telegram.org",
		Client:          "telegram-bot-api",
	}

	if msg.Chat.IsPrivate() {
		in.Type = message.TypePrivate
		in.SenderEmail = chatID
		in.Recipients = []message.Recipient{{
			FullName:  fullName,
			ShortName: msg.From.UserName,
			ID:        msg.From.ID,
			Email:     chatID,
			Domain:    "telegram.org",
		}}
		return in
	}

	in.Type = message.TypeStream
	in.DisplayRecipient = chatID
	in.Subject = msg.Chat.Title
	return in
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

// splitMessage cuts text into chunks of at most limit runes, preferring to
// break after a newline in the second half of a chunk
func splitMessage(text string, limit int) []string {
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
