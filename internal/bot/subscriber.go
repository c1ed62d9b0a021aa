package bot

import (
	"context"
	"fmt"
	"log"

	"github.com/john/infobot/internal/zulip"
)

// StreamClient is the part of the chat service the subscriber needs
type StreamClient interface {
	ListStreams(ctx context.Context) ([]zulip.Stream, error)
	Subscribe(ctx context.Context, names []string) error
}

// Subscriber subscribes the bot to its streams once at startup
type Subscriber struct {
	client  StreamClient
	streams []string
}

// NewSubscriber creates a subscriber for the configured streams. An empty
// list means every stream the account can see.
func NewSubscriber(client StreamClient, streams []string) *Subscriber {
	return &Subscriber{
		client:  client,
		streams: streams,
	}
}

// ResolveStreams returns the configured streams, or the names of all
// streams when none are configured. Errors from the chat service are
// returned wrapped: zulip.ErrUnauthorized for bad credentials and
// *zulip.TransportError for any other failure.
func (s *Subscriber) ResolveStreams(ctx context.Context) ([]string, error) {
	if len(s.streams) > 0 {
		return s.streams, nil
	}

	all, err := s.client.ListStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve streams: %w", err)
	}

	names := make([]string, 0, len(all))
	for _, stream := range all {
		names = append(names, stream.Name)
	}
	return names, nil
}

// Subscribe resolves the stream list and subscribes to it in one request
func (s *Subscriber) Subscribe(ctx context.Context) ([]string, error) {
	names, err := s.ResolveStreams(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.client.Subscribe(ctx, names); err != nil {
		return nil, err
	}

	log.Printf("Subscribed to %d streams: %v", len(names), names)
	return names, nil
}
