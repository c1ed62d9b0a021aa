package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/john/infobot/internal/message"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL+"/", "bot@x.com", "secret")
	c.retryDelay = time.Millisecond
	c.maxRetryDelay = 5 * time.Millisecond
	return c
}

func checkAuth(t *testing.T, r *http.Request) {
	t.Helper()
	user, pass, ok := r.BasicAuth()
	if !ok || user != "bot@x.com" || pass != "secret" {
		t.Errorf("unexpected basic auth: %q %q %v", user, pass, ok)
	}
}

func messageJSON(id int, content string) string {
	return fmt.Sprintf(`{
		"content": %q, "recipient_id": 42, "type": "stream", "display_recipient": "general",
		"subject": "lunch", "subject_links": [], "id": %d, "timestamp": 1400000000,
		"content_type": "text/x-markdown", "sender_full_name": "Bob", "sender_short_name": "bob",
		"sender_id": 7, "sender_email": "bob@x.com", "sender_domain": "x.com", "client": "website",
		"gravatar_hash": "abc", "avatar_url": "https://x.com/a.png"}`, content, id)
}

func TestListStreams_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/streams" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"result":"success","streams":[{"name":"general","stream_id":1},{"name":"social","stream_id":2}]}`))
	}))
	defer srv.Close()

	streams, err := newTestClient(srv).ListStreams(context.Background())
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(streams) != 2 || streams[0].Name != "general" || streams[1].Name != "social" {
		t.Errorf("unexpected streams: %+v", streams)
	}
}

func TestListStreams_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListStreams(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListStreams_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"result":"error","msg":"boom","code":"BAD_REQUEST"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListStreams(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != http.StatusInternalServerError || te.Code != "BAD_REQUEST" {
		t.Errorf("unexpected transport error: %+v", te)
	}
	if te.Body == "" {
		t.Error("transport error should carry the raw body")
	}
}

func TestSubscribe(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/subscriptions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		got = r.FormValue("subscriptions")
		w.Write([]byte(`{"result":"success"}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv).Subscribe(context.Background(), []string{"general", "social"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got != `[{"name":"general"},{"name":"social"}]` {
		t.Errorf("unexpected subscriptions payload: %s", got)
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.FormValue("type") != "stream" || r.FormValue("to") != "general" ||
			r.FormValue("subject") != "lunch" || r.FormValue("content") != "\tcontent\nbody" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		w.Write([]byte(`{"result":"success","id":5}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).SendMessage(context.Background(), message.OutgoingMessage{
		Type: "stream", To: "general", Subject: "lunch", Content: "\tcontent\nbody",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
}

func TestCallOnEachMessage_DeliversInOrder(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			if r.FormValue("event_types") != `["message"]` {
				t.Errorf("unexpected event_types: %s", r.FormValue("event_types"))
			}
			w.Write([]byte(`{"result":"success","queue_id":"q1","last_event_id":-1}`))
		case "/events":
			if polls.Add(1) > 1 {
				if r.URL.Query().Get("last_event_id") != "3" {
					t.Errorf("expected last_event_id 3, got %s", r.URL.Query().Get("last_event_id"))
				}
				<-r.Context().Done()
				return
			}
			fmt.Fprintf(w, `{"result":"success","events":[
				{"type":"heartbeat","id":0},
				{"type":"message","id":1,"message":%s},
				{"type":"message","id":2,"message":{"content":"broken"}},
				{"type":"message","id":3,"message":%s}]}`,
				messageJSON(10, "first"), messageJSON(11, "second"))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []message.IncomingMessage
	)
	done := make(chan error, 1)
	go func() {
		done <- newTestClient(srv).CallOnEachMessage(ctx, func(msg message.IncomingMessage) {
			mu.Lock()
			got = append(got, msg)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				// Let the second poll reach the server before stopping
				time.AfterFunc(50*time.Millisecond, cancel)
			}
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "first" || got[1].Content != "second" {
		t.Errorf("messages out of order: %q, %q", got[0].Content, got[1].Content)
	}
	if got[0].Platform != message.PlatformZulip {
		t.Errorf("expected zulip platform, got %q", got[0].Platform)
	}
}

func TestCallOnEachMessage_ReregistersExpiredQueue(t *testing.T) {
	var registers, polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			n := registers.Add(1)
			fmt.Fprintf(w, `{"result":"success","queue_id":"q%d","last_event_id":-1}`, n)
		case "/events":
			if polls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"result":"error","msg":"Bad event queue id","code":"BAD_EVENT_QUEUE_ID"}`))
				return
			}
			if r.URL.Query().Get("queue_id") != "q2" {
				t.Errorf("expected the new queue, got %s", r.URL.Query().Get("queue_id"))
			}
			fmt.Fprintf(w, `{"result":"success","events":[{"type":"message","id":0,"message":%s}]}`, messageJSON(1, "hi"))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := newTestClient(srv).CallOnEachMessage(ctx, func(msg message.IncomingMessage) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if registers.Load() != 2 {
		t.Errorf("expected 2 registrations, got %d", registers.Load())
	}
}

func TestCallOnEachMessage_RecoversFromPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			w.Write([]byte(`{"result":"success","queue_id":"q1","last_event_id":-1}`))
		case "/events":
			fmt.Fprintf(w, `{"result":"success","events":[
				{"type":"message","id":0,"message":%s},
				{"type":"message","id":1,"message":%s}]}`,
				messageJSON(1, "boom"), messageJSON(2, "ok"))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled []string
	err := newTestClient(srv).CallOnEachMessage(ctx, func(msg message.IncomingMessage) {
		handled = append(handled, msg.Content)
		if msg.Content == "boom" {
			panic("handler failure")
		}
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(handled) != 2 || handled[1] != "ok" {
		t.Errorf("loop did not continue after panic: %v", handled)
	}
}

func TestCallOnEachMessage_UnauthorizedStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestClient(srv).CallOnEachMessage(context.Background(), func(message.IncomingMessage) {})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConnector_TagsPlatform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			w.Write([]byte(`{"result":"success","queue_id":"q1","last_event_id":-1}`))
		case "/events":
			var events []map[string]any
			events = append(events, map[string]any{"type": "message", "id": 0, "message": json.RawMessage(messageJSON(1, "hi"))})
			json.NewEncoder(w).Encode(map[string]any{"result": "success", "events": events})
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageChan := make(chan message.IncomingMessage, 10)
	done := make(chan error, 1)
	go func() {
		done <- NewConnector(newTestClient(srv)).Start(ctx, messageChan)
	}()

	select {
	case msg := <-messageChan:
		if msg.Platform != message.PlatformZulip || msg.Content != "hi" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connector did not stop")
	}
}
