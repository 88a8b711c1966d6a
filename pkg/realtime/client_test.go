package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/yobell-ai/voicebridge/pkg/realtime"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startModelServer launches a test WebSocket server standing in for the
// realtime endpoint. The handler receives the accepted conn.
func startModelServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
	return v
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func dial(t *testing.T, srv *httptest.Server) *realtime.Client {
	t.Helper()
	c, err := realtime.Dial(context.Background(), realtime.DialConfig{
		URL:    wsURL(srv),
		APIKey: "test-key",
		Model:  "gpt-4o-realtime-preview",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsAuthAndModel(t *testing.T) {
	t.Parallel()

	got := make(chan [2]string, 1)
	srv := startModelServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- [2]string{r.Header.Get("Authorization"), r.URL.Query().Get("model")}
		<-conn.CloseRead(context.Background()).Done()
	})

	dial(t, srv)

	select {
	case hdr := <-got:
		if hdr[0] != "Bearer test-key" {
			t.Errorf("Authorization = %q", hdr[0])
		}
		if hdr[1] != "gpt-4o-realtime-preview" {
			t.Errorf("model = %q", hdr[1])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Outbound operations ───────────────────────────────────────────────────────

func TestUpdateSession_ForcesUlawFormats(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 1)
	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msgs <- readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	err := c.UpdateSession(context.Background(), realtime.SessionParams{
		Instructions: "be helpful",
		Voice:        "alloy",
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.6,
			SilenceDurationMs: 500,
		},
		Tools:      []realtime.Tool{{Type: "function", Name: "finalize_reservation"}},
		ToolChoice: "auto",
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	msg := <-msgs
	if msg["type"] != "session.update" {
		t.Fatalf("type = %v", msg["type"])
	}
	sess := msg["session"].(map[string]any)
	if sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Errorf("audio formats = %v / %v", sess["input_audio_format"], sess["output_audio_format"])
	}
	td := sess["turn_detection"].(map[string]any)
	if td["create_response"] != false || td["interrupt_response"] != false {
		t.Errorf("turn_detection flags = %v", td)
	}
	if sess["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v", sess["tool_choice"])
	}
}

func TestCreateResponse_WithAndWithoutInstructions(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 2)
	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msgs <- readJSON(t, conn)
		msgs <- readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	if err := c.CreateResponse(context.Background(), "speak the greeting verbatim"); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if err := c.CreateResponse(context.Background(), ""); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	first := <-msgs
	resp := first["response"].(map[string]any)
	if resp["instructions"] != "speak the greeting verbatim" {
		t.Errorf("instructions = %v", resp["instructions"])
	}
	second := <-msgs
	if _, ok := second["response"]; ok {
		t.Errorf("bare response.create should omit the response object: %v", second)
	}
}

func TestAppendAudio_PassThrough(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 1)
	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msgs <- readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	const payload = "f39/f39/fw==" // opaque to the client
	if err := c.AppendAudio(context.Background(), payload); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	msg := <-msgs
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != payload {
		t.Errorf("append = %v", msg)
	}
}

func TestTruncateItem(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 1)
	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msgs <- readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	if err := c.TruncateItem(context.Background(), "item_7", 2340); err != nil {
		t.Fatalf("TruncateItem: %v", err)
	}

	msg := <-msgs
	if msg["type"] != "conversation.item.truncate" {
		t.Fatalf("type = %v", msg["type"])
	}
	if msg["item_id"] != "item_7" || msg["content_index"] != float64(0) || msg["audio_end_ms"] != float64(2340) {
		t.Errorf("truncate = %v", msg)
	}
}

func TestSendToolOutput_FollowedByResponseCreate(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 2)
	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		msgs <- readJSON(t, conn)
		msgs <- readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	if err := c.SendToolOutput(context.Background(), "call_42", `{"ok":true}`); err != nil {
		t.Fatalf("SendToolOutput: %v", err)
	}

	first := <-msgs
	if first["type"] != "conversation.item.create" {
		t.Fatalf("first type = %v", first["type"])
	}
	item := first["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call_42" || item["output"] != `{"ok":true}` {
		t.Errorf("item = %v", item)
	}
	second := <-msgs
	if second["type"] != "response.create" {
		t.Errorf("second type = %v", second["type"])
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestEvents_OrderedDispatch(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		writeJSON(t, conn, map[string]any{
			"type": "response.output_item.added",
			"item": map[string]any{"id": "item_1", "type": "message", "role": "assistant"},
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AAAA"})
		writeJSON(t, conn, map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"output": []any{
					map[string]any{
						"type": "message", "role": "assistant",
						"content": []any{map[string]any{"type": "audio", "transcript": "こんにちは"}},
					},
					map[string]any{
						"type": "function_call", "name": "finalize_reservation",
						"call_id": "call_1", "arguments": `{"confirmed":true}`,
					},
				},
			},
		})
	})

	c := dial(t, srv)

	var got []*realtime.Event
	timeout := time.After(3 * time.Second)
	for len(got) < 4 {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed early after %d events, err=%v", len(got), c.Err())
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timeout after %d events", len(got))
		}
	}

	wantTypes := []string{
		realtime.EventSessionUpdated,
		realtime.EventOutputItemAdded,
		realtime.EventAudioDelta,
		realtime.EventResponseDone,
	}
	for i, w := range wantTypes {
		if got[i].Type != w {
			t.Errorf("event[%d].Type = %q, want %q", i, got[i].Type, w)
		}
	}

	if got[1].Item == nil || got[1].Item.ID != "item_1" {
		t.Errorf("output_item.added item = %+v", got[1].Item)
	}
	if got[2].Delta != "AAAA" {
		t.Errorf("delta = %q", got[2].Delta)
	}

	done := got[3].Response
	if done == nil {
		t.Fatal("response.done carried no response")
	}
	calls := done.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "finalize_reservation" || calls[0].CallID != "call_1" {
		t.Errorf("function calls = %+v", calls)
	}
	var text string
	for _, it := range done.Output {
		if it.Type == "message" && it.Role == "assistant" {
			text = it.AssistantText()
		}
	}
	if text != "こんにちは" {
		t.Errorf("assistant text = %q", text)
	}
}

func TestServerError_Classification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    realtime.ServerError
		benign bool
		budget bool
	}{
		{"cancel race", realtime.ServerError{Code: "response_cancel_not_active"}, true, false},
		{"quota", realtime.ServerError{Code: "insufficient_quota"}, false, true},
		{"rate limit", realtime.ServerError{Code: "rate_limit_exceeded"}, false, true},
		{"other", realtime.ServerError{Code: "invalid_value", Message: "bad"}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Benign(); got != tc.benign {
				t.Errorf("Benign() = %v", got)
			}
			if got := tc.err.Budget(); got != tc.budget {
				t.Errorf("Budget() = %v", got)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startModelServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.AppendAudio(context.Background(), "AAAA"); err == nil {
		t.Error("AppendAudio after Close should fail")
	}

	// The events channel must close after Close.
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("unexpected event after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel did not close")
	}
}
