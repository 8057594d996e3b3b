package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	kit "autopost/internal/transport"
	logx "autopost/pkg/logx"
)

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 30) + "\n"
	text := strings.Repeat(line, 10)
	chunks := splitTelegramText(text, 100, "")
	if len(chunks) < 4 {
		t.Fatalf("chunks = %d, want at least 4", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d has %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d not trimmed: %q", i, c)
		}
	}
	if got := splitTelegramText("short", 100, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
}

func TestSendTextPostsToBotAPI(t *testing.T) {
	var (
		mu   sync.Mutex
		form []map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		vals := parseBody(body)
		mu.Lock()
		form = append(form, vals)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":-100123,"type":"supergroup"}}}`)
	}))
	defer srv.Close()

	a, err := New(Config{Token: "test-token", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: -100123, ThreadID: 5}, "post failed", &kit.SendOptions{DisablePreview: true})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 77 || ref.ChatID != -100123 || ref.ThreadID != 5 {
		t.Fatalf("ref = %+v", ref)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(form) != 1 {
		t.Fatalf("requests = %d, want 1", len(form))
	}
	if got := form[0]["text"]; got != "post failed" {
		t.Fatalf("text = %q", got)
	}
	if got := form[0]["chat_id"]; got != "-100123" {
		t.Fatalf("chat_id = %q", got)
	}
}

func TestSendTextRequiresChat(t *testing.T) {
	a, err := New(Config{Token: "t"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.SendText(context.Background(), kit.ChatTarget{}, "x", nil); err == nil {
		t.Fatal("expected error for empty chat id")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

// parseBody decodes the JSON parameters the Bot API client posts.
func parseBody(body []byte) map[string]string {
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
