package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeBotAPI struct {
	mu      sync.Mutex
	updates []map[string]any
	offsets []string
	acks    []string
}

func (f *fakeBotAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bottest-token/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.offsets = append(f.offsets, r.URL.Query().Get("offset"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": f.updates})
	})
	mux.HandleFunc("/bottest-token/answerCallbackQuery", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"callback_query_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.acks = append(f.acks, body.ID)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	return mux
}

func newTestTelegram(t *testing.T, api *fakeBotAPI) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	tg, err := NewTelegram("test-token", -1001234, WithAPIBase(srv.URL))
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	return tg
}

func TestTelegram_Pull_CursorCoversEveryUpdate(t *testing.T) {
	api := &fakeBotAPI{updates: []map[string]any{
		{"update_id": 10, "callback_query": map[string]any{
			"id":      "cb-10",
			"data":    EncodeCallback(VerbApprove, "REQ111"),
			"message": map[string]any{"message_id": 7, "chat": map[string]any{"id": -1001234}},
		}},
		{"update_id": 11, "callback_query": map[string]any{
			"id":   "cb-11",
			"data": "frobnicate_REQ111",
		}},
		{"update_id": 12, "message": map[string]any{
			"message_id": 8, "chat": map[string]any{"id": -1001234},
		}},
		{"update_id": 13, "message": map[string]any{
			"message_id": 9, "chat": map[string]any{"id": -1001234}, "text": "2500",
		}},
	}}
	tg := newTestTelegram(t, api)

	actions, err := tg.Pull(context.Background(), 9, 100, time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(actions) != 4 {
		t.Fatalf("got %d actions, want one per update: %+v", len(actions), actions)
	}
	for i, want := range []int64{10, 11, 12, 13} {
		if actions[i].SequenceID != want {
			t.Fatalf("action %d sequence %d, want %d", i, actions[i].SequenceID, want)
		}
	}

	// The decodable updates carry their payloads.
	if actions[0].Press == nil || actions[0].Press.Verb != VerbApprove || actions[0].Press.RequestID != "REQ111" {
		t.Fatalf("callback not decoded: %+v", actions[0])
	}
	if actions[3].Reply == nil || actions[3].Reply.Text != "2500" {
		t.Fatalf("typed reply not decoded: %+v", actions[3])
	}

	// The undecodable callback and the text-less message still advance the
	// cursor, as empty actions.
	for _, i := range []int{1, 2} {
		if actions[i].Press != nil || actions[i].Reply != nil {
			t.Fatalf("action %d should be empty: %+v", i, actions[i])
		}
	}

	// Both callbacks were acked, decodable or not.
	api.mu.Lock()
	acks := append([]string(nil), api.acks...)
	offsets := append([]string(nil), api.offsets...)
	api.mu.Unlock()
	if len(acks) != 2 || acks[0] != "cb-10" || acks[1] != "cb-11" {
		t.Fatalf("acks %v, want [cb-10 cb-11]", acks)
	}
	if len(offsets) != 1 || offsets[0] != "10" {
		t.Fatalf("offsets %v, want one poll after sequence 9", offsets)
	}
}
