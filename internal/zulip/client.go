package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/john/infobot/internal/message"
)

// DefaultBaseURL is the API root used when none is configured
const DefaultBaseURL = "https://api.zulip.com/v1"

// codeBadEventQueue is returned by the server once an event queue expired
const codeBadEventQueue = "BAD_EVENT_QUEUE_ID"

// ErrUnauthorized is returned when the server rejects the account credentials
var ErrUnauthorized = errors.New("unauthorized: check your auth")

// TransportError is a non-success response other than unauthorized
type TransportError struct {
	StatusCode int
	Code       string // Zulip error code, when the body carried one
	Body       string // Raw response body
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Stream is one entry of the stream list
type Stream struct {
	StreamID    int64  `json:"stream_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	InviteOnly  bool   `json:"invite_only"`
}

// Queue identifies a registered event queue
type Queue struct {
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// Event is one entry returned by the events endpoint
type Event struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

type apiResponse struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

// Client talks to the Zulip REST API on behalf of one bot account
type Client struct {
	baseURL    string
	email      string
	apiKey     string
	httpClient *http.Client

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// NewClient creates a client for the API rooted at baseURL
func NewClient(baseURL, email, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		email:   email,
		apiKey:  apiKey,
		// Long polls are held open by the server for about a minute
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
	}
}

// ListStreams fetches every stream visible to the account
func (c *Client) ListStreams(ctx context.Context) ([]Stream, error) {
	var resp struct {
		Streams []Stream `json:"streams"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams", nil, &resp); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return resp.Streams, nil
}

// Subscribe adds the account to the named streams
func (c *Client) Subscribe(ctx context.Context, names []string) error {
	type subscription struct {
		Name string `json:"name"`
	}
	subs := make([]subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, subscription{Name: name})
	}

	data, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}

	form := url.Values{"subscriptions": {string(data)}}
	if err := c.do(ctx, http.MethodPost, "/users/me/subscriptions", form, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// SendMessage posts a message to a stream topic or to a user
func (c *Client) SendMessage(ctx context.Context, msg message.OutgoingMessage) error {
	form := url.Values{
		"type":    {msg.Type},
		"to":      {msg.To},
		"subject": {msg.Subject},
		"content": {msg.Content},
	}
	if err := c.do(ctx, http.MethodPost, "/messages", form, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Register creates an event queue receiving message events
func (c *Client) Register(ctx context.Context) (Queue, error) {
	form := url.Values{
		"event_types":    {`["message"]`},
		"apply_markdown": {"false"},
	}
	var q Queue
	if err := c.do(ctx, http.MethodPost, "/register", form, &q); err != nil {
		return Queue{}, fmt.Errorf("register queue: %w", err)
	}
	return q, nil
}

// GetEvents long-polls the queue for events newer than lastEventID
func (c *Client) GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	query := url.Values{
		"queue_id":      {queueID},
		"last_event_id": {strconv.FormatInt(lastEventID, 10)},
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/events", query, &resp); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return resp.Events, nil
}

// CallOnEachMessage blocks until ctx is cancelled, calling handler once for
// every message event in delivery order. Expired queues are re-registered
// and transport failures are retried with exponential backoff. A message
// that fails to decode, or a handler that panics, is logged and skipped.
func (c *Client) CallOnEachMessage(ctx context.Context, handler func(message.IncomingMessage)) error {
	var (
		queueID     string
		lastEventID int64
		delay       = c.retryDelay
	)

	backoff := func(err error) error {
		log.Printf("Zulip event loop error: %v. Retrying in %v", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if queueID == "" {
			q, err := c.Register(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrUnauthorized) {
					return err
				}
				if err := backoff(err); err != nil {
					return err
				}
				continue
			}
			queueID, lastEventID = q.QueueID, q.LastEventID
			delay = c.retryDelay
			log.Printf("Registered Zulip event queue %s", queueID)
		}

		events, err := c.GetEvents(ctx, queueID, lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			var te *TransportError
			if errors.As(err, &te) && te.Code == codeBadEventQueue {
				log.Printf("Zulip event queue %s expired, registering a new one", queueID)
				queueID = ""
				continue
			}
			if err := backoff(err); err != nil {
				return err
			}
			continue
		}
		delay = c.retryDelay

		for _, ev := range events {
			if ev.ID > lastEventID {
				lastEventID = ev.ID
			}
			if ev.Type != "message" {
				continue
			}

			msg := message.IncomingMessage{Platform: message.PlatformZulip}
			if err := json.Unmarshal(ev.Message, &msg); err != nil {
				log.Printf("Warning: Skipping event %d: %v", ev.ID, err)
				continue
			}
			callHandler(handler, msg)
		}
	}
}

// callHandler shields the event loop from a panicking handler
func callHandler(handler func(message.IncomingMessage), msg message.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic handling message %s: %v", msg.ID, r)
		}
	}()
	handler(msg)
}

// do sends an authenticated request and decodes a successful body into out
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else if params != nil {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		te := &TransportError{StatusCode: resp.StatusCode, Body: string(data)}
		var apiErr apiResponse
		if json.Unmarshal(data, &apiErr) == nil {
			te.Code = apiErr.Code
		}
		return te
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("JSON decode failed: %w", err)
	}
	return nil
}
