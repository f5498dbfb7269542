package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEndpoint speaks just enough of the wire protocol for client tests:
// unary replies, error replies for the "fail" route, a push before the reply
// for the "push" route, and sync acknowledgements.
func fakeEndpoint(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			index := int64(req["responseIndex"].(float64))
			switch req["event"] {
			case "apiRequest":
				name, _ := req["name"].(string)
				if name == "push" {
					ws.WriteJSON(map[string]any{"event": "notice", "text": "hello"})
				}
				if name == "fail" {
					ws.WriteJSON(map[string]any{
						"event":      fmt.Sprintf("apiResponse-%d", index),
						"status":     "error",
						"errorCode":  "notFound",
						"message":    "nope",
						"httpStatus": 404,
					})
					continue
				}
				data, _ := req["data"].(map[string]any)
				ws.WriteJSON(map[string]any{
					"event":  fmt.Sprintf("apiResponse-%d", index),
					"status": "success",
					"name":   name,
					"data":   data,
				})
			case "sync":
				ws.WriteJSON(map[string]any{
					"event":  fmt.Sprintf("sync-%d", index),
					"status": "success",
				})
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newConnectedClient(t *testing.T) *Client {
	t.Helper()
	c := New(fakeEndpoint(t), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallSuccess(t *testing.T) {
	c := newConnectedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := c.Call(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply["name"] != "echo" {
		t.Errorf("reply name = %v, want echo", reply["name"])
	}
	data, _ := reply["data"].(map[string]any)
	if data["msg"] != "hi" {
		t.Errorf("reply data = %v", reply["data"])
	}
}

func TestCallServerError(t *testing.T) {
	c := newConnectedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "fail", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Code != "notFound" || apiErr.HTTPStatus != 404 {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestCallRejectsNonObjectData(t *testing.T) {
	c := New("ws://unused", Options{})
	_, err := c.Call(context.Background(), "echo", []int{1})
	if err == nil {
		t.Error("non-object data accepted")
	}
}

func TestPushHandler(t *testing.T) {
	c := newConnectedClient(t)

	var mu sync.Mutex
	var got []string
	c.On("notice", func(payload map[string]any) {
		mu.Lock()
		text, _ := payload["text"].(string)
		got = append(got, text)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Call(ctx, "push", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	// The push was written before the reply, so it is already dispatched.
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("notices = %v, want [hello]", got)
	}
}

func TestSyncAck(t *testing.T) {
	c := newConnectedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Sync(ctx, "board/update", "lobby", map[string]any{"v": 1}, true); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestOfflineQueueReplay(t *testing.T) {
	url := fakeEndpoint(t)
	c := New(url, Options{})
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		reply map[string]any
		err   error
	}
	results := make(chan outcome, 2)
	for _, msg := range []string{"one", "two"} {
		msg := msg
		go func() {
			reply, err := c.Call(ctx, "echo", map[string]any{"msg": msg})
			results <- outcome{reply, err}
		}()
	}

	// Give both calls time to land in the offline queue, then connect.
	waitUntil(t, func() bool { return c.queue.len() == 2 })
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("queued call failed: %v", res.err)
		}
		if res.reply["name"] != "echo" {
			t.Errorf("reply = %v", res.reply)
		}
	}
}

func TestOfflineIdempotentSupersede(t *testing.T) {
	url := fakeEndpoint(t)
	c := New(url, Options{})
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.CallIdempotent(ctx, "updateLocation", map[string]any{"v": 1}, "loc")
		firstErr <- err
	}()
	waitUntil(t, func() bool { return c.queue.len() == 1 })

	secondReply := make(chan outcomePair, 1)
	go func() {
		reply, err := c.CallIdempotent(ctx, "updateLocation", map[string]any{"v": 2}, "loc")
		secondReply <- outcomePair{reply, err}
	}()

	// The first caller fails immediately with supersession; the queue still
	// holds a single entry.
	if err := <-firstErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("first call error = %v, want ErrSuperseded", err)
	}
	if got := c.queue.len(); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res := <-secondReply
	if res.err != nil {
		t.Fatalf("second call failed: %v", res.err)
	}
	data, _ := res.reply["data"].(map[string]any)
	if data["v"] != float64(2) {
		t.Errorf("replayed payload = %v, want v=2", res.reply["data"])
	}
}

type outcomePair struct {
	reply map[string]any
	err   error
}

func TestCloseFailsPendingCalls(t *testing.T) {
	c := New("ws://unreachable.invalid", Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "echo", nil)
		errCh <- err
	}()
	waitUntil(t, func() bool { return c.queue.len() == 1 })

	c.Close()
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}

	if _, err := c.Call(ctx, "echo", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("call after close = %v, want ErrClosed", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestIdempotentEntryClearedOnReply(t *testing.T) {
	c := newConnectedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.CallIdempotent(ctx, "updateLocation", map[string]any{"v": 1}, "loc"); err != nil {
		t.Fatalf("CallIdempotent: %v", err)
	}

	// A settled call must not leave its in-flight entry behind.
	c.inflightMu.Lock()
	n := len(c.inflight)
	c.inflightMu.Unlock()
	if n != 0 {
		t.Errorf("inflight entries = %d after reply, want 0", n)
	}

	// A fresh call under the same key is not superseded by the stale index.
	if _, err := c.CallIdempotent(ctx, "updateLocation", map[string]any{"v": 2}, "loc"); err != nil {
		t.Errorf("second CallIdempotent: %v", err)
	}
}
