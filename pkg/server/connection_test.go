package server

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeEventMergesFields(t *testing.T) {
	msg, err := encodeEvent("ping", map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(msg, &decoded)
	if decoded["event"] != "ping" || decoded["a"] != float64(1) || decoded["b"] != "x" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestEncodeEventNonObjectPayload(t *testing.T) {
	msg, err := encodeEvent("ping", []int{1, 2})
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(msg, &decoded)
	if decoded["event"] != "ping" {
		t.Errorf("event = %v", decoded["event"])
	}
	if _, ok := decoded["data"].([]any); !ok {
		t.Errorf("non-object payload not wrapped under data: %v", decoded)
	}
}

func TestEncodeEventNilPayload(t *testing.T) {
	msg, err := encodeEvent("ping", nil)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(msg, &decoded)
	if len(decoded) != 1 || decoded["event"] != "ping" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestEmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 2
	conn := newTestConn(cfg)

	if err := conn.Emit("a", nil); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	if err := conn.Emit("b", nil); err != nil {
		t.Fatalf("second emit: %v", err)
	}
	if err := conn.Emit("c", nil); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("third emit error = %v, want ErrSendQueueFull", err)
	}
}

func TestEmitAfterClose(t *testing.T) {
	conn := newTestConn(nil)
	conn.Close()
	if err := conn.Emit("a", nil); !errors.Is(err, ErrConnClosed) {
		t.Errorf("emit after close = %v, want ErrConnClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	closes := 0
	conn := newTestConn(nil)
	conn.onClose = func(*Conn) { closes++ }
	conn.Close()
	conn.Close()
	if closes != 1 {
		t.Errorf("onClose ran %d times, want 1", closes)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("done channel not closed")
	}
}

func TestTokenLifecycle(t *testing.T) {
	conn := newTestConn(nil)
	if conn.Authenticated() {
		t.Error("fresh connection reports authenticated")
	}
	conn.setToken("tok")
	if !conn.Authenticated() || conn.Token() != "tok" {
		t.Error("token not set")
	}
	conn.clearToken()
	if conn.Authenticated() {
		t.Error("token not cleared")
	}
}
