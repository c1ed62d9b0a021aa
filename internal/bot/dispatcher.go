package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/john/infobot/internal/format"
	"github.com/john/infobot/internal/message"
)

// Sender delivers a reply on one platform
type Sender interface {
	SendMessage(ctx context.Context, msg message.OutgoingMessage) error
}

// Flags are the report options requested in a triggering message
type Flags struct {
	Verbose bool
	Boxed   bool
}

// ParseFlags derives the report options from lowercased message content
func ParseFlags(content string) Flags {
	return Flags{
		Verbose: strings.Contains(content, "-v") || strings.Contains(content, "--verbose"),
		Boxed:   !(strings.Contains(content, "-nb") || strings.Contains(content, "--no-box")),
	}
}

// Dispatcher answers messages that start with the trigger word
type Dispatcher struct {
	keyword   string
	formatter *format.Formatter
	senders   map[string]Sender
	archive   chan<- message.ReplyRecord
}

// NewDispatcher creates a dispatcher for keyword, replying through the
// sender registered for each message's platform
func NewDispatcher(keyword string, senders map[string]Sender) *Dispatcher {
	return &Dispatcher{
		keyword:   strings.ToLower(keyword),
		formatter: format.New(keyword),
		senders:   senders,
	}
}

// SetArchive makes the dispatcher offer every sent reply to archive
func (d *Dispatcher) SetArchive(archive chan<- message.ReplyRecord) {
	d.archive = archive
}

// Run handles messages one at a time until ctx is cancelled. A message that
// fails is logged and does not stop the loop.
func (d *Dispatcher) Run(ctx context.Context, messageChan <-chan message.IncomingMessage) error {
	for {
		select {
		case msg := <-messageChan:
			if _, err := d.safeHandle(ctx, msg); err != nil {
				log.Printf("Error handling %s message %s: %v", msg.Platform, msg.ID, err)
			}

		case <-ctx.Done():
			log.Println("Dispatcher shutting down...")
			return ctx.Err()
		}
	}
}

// Handle replies to msg when it starts with the trigger word. It reports
// whether a reply was sent.
func (d *Dispatcher) Handle(ctx context.Context, msg message.IncomingMessage) (bool, error) {
	content := strings.ToLower(msg.Content)
	if !strings.HasPrefix(content, d.keyword) {
		return false, nil
	}

	sender, ok := d.senders[msg.Platform]
	if !ok {
		return false, fmt.Errorf("no sender for platform %q", msg.Platform)
	}

	flags := ParseFlags(content)
	private := msg.IsPrivate()
	reply := Reply(msg, d.formatter.Format(msg, private, flags.Verbose, flags.Boxed))

	if err := sender.SendMessage(ctx, reply); err != nil {
		return false, fmt.Errorf("send reply: %w", err)
	}

	d.record(msg, reply, flags)
	return true, nil
}

// Reply addresses content back to where msg came from: the sender for
// private messages, the stream and topic otherwise
func Reply(msg message.IncomingMessage, content string) message.OutgoingMessage {
	reply := message.OutgoingMessage{
		Platform: msg.Platform,
		Type:     msg.Type,
		Subject:  msg.Subject,
		Content:  content,
	}
	if msg.IsPrivate() {
		reply.To = msg.SenderEmail
	} else {
		reply.To = msg.DisplayRecipient
	}
	return reply
}

// safeHandle turns a panic while handling one message into an error
func (d *Dispatcher) safeHandle(ctx context.Context, msg message.IncomingMessage) (replied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Handle(ctx, msg)
}

// record offers the reply to the archive without blocking
func (d *Dispatcher) record(msg message.IncomingMessage, reply message.OutgoingMessage, flags Flags) {
	if d.archive == nil {
		return
	}

	rec := message.ReplyRecord{
		Platform:    reply.Platform,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Destination: reply.To,
		Subject:     reply.Subject,
		MessageID:   msg.ID,
		Sender:      msg.SenderShortName,
		Verbose:     flags.Verbose,
		Boxed:       flags.Boxed,
		Content:     reply.Content,
	}

	select {
	case d.archive <- rec:
	default:
		log.Printf("Warning: archive queue full, dropping reply to message %s", msg.ID)
	}
}
