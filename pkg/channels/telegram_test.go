package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// telegramServer is a minimal Bot API stub.
type telegramServer struct {
	mu       sync.Mutex
	updates  []map[string]any
	sent     []map[string]any
	served   bool
	getMeErr bool
}

func (s *telegramServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			if s.getMeErr {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			updates := s.updates
			if s.served {
				updates = nil
			}
			s.served = true
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": updates})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			s.sent = append(s.sent, payload)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (s *telegramServer) sentMessages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.sent...)
}

func update(updateID, chatID, fromID int64, text string) map[string]any {
	return map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"text": text,
			"chat": map[string]any{"id": chatID},
			"from": map[string]any{"id": fromID},
		},
	}
}

func newTestTelegram(t *testing.T, srv *telegramServer, allowed ...int64) *TelegramAdapter {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	adapter, err := NewTelegramAdapter(TelegramConfig{
		BotToken:     "test-token",
		AllowedUsers: allowed,
		APIBase:      ts.URL,
		HTTPClient:   ts.Client(),
	})
	require.NoError(t, err)
	return adapter
}

func collectMessages(t *testing.T, adapter *TelegramAdapter, want int) []RoutedMessage {
	t.Helper()
	var mu sync.Mutex
	var got []RoutedMessage
	adapter.OnMessage(func(_ context.Context, msg RoutedMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, adapter.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, adapter.Stop(ctx))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= want {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]RoutedMessage(nil), got...)
}

func TestTelegram_RequiresToken(t *testing.T) {
	_, err := NewTelegramAdapter(TelegramConfig{})
	assert.Error(t, err)
}

func TestTelegram_DeliversAllowedMessages(t *testing.T) {
	srv := &telegramServer{updates: []map[string]any{
		update(1, 42, 7, "hello"),
	}}
	adapter := newTestTelegram(t, srv, 7)

	got := collectMessages(t, adapter, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "telegram", got[0].ChannelType)
	assert.Equal(t, "42", got[0].ChatID)
	assert.Equal(t, "7", got[0].UserAccountID)
	assert.Equal(t, "hello", got[0].Message)
}

func TestTelegram_DropsNonAllowedUsers(t *testing.T) {
	srv := &telegramServer{updates: []map[string]any{
		update(1, 42, 999, "intruder"),
		update(2, 42, 7, "hello"),
	}}
	adapter := newTestTelegram(t, srv, 7)

	got := collectMessages(t, adapter, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Message)
}

func TestTelegram_EmptyAllowListDropsEverything(t *testing.T) {
	srv := &telegramServer{updates: []map[string]any{
		update(1, 42, 7, "hello"),
	}}
	adapter := newTestTelegram(t, srv)

	got := collectMessages(t, adapter, 0)
	assert.Empty(t, got)
}

func TestTelegram_SendMessageHTMLMode(t *testing.T) {
	srv := &telegramServer{}
	adapter := newTestTelegram(t, srv, 7)

	require.NoError(t, adapter.SendMessage(context.Background(), "42", "<b>hi</b>"))
	sent := srv.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0]["chat_id"])
	assert.Equal(t, "HTML", sent[0]["parse_mode"])
}

func TestTelegram_SendApprovalRequestEscapesUserText(t *testing.T) {
	srv := &telegramServer{}
	adapter := newTestTelegram(t, srv, 7)

	req := &models.ApprovalRequest{
		Summary:   "run <script> on prod",
		Risk:      models.RiskCritical,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, adapter.SendApprovalRequest(context.Background(), "42", req, "apr:a:tok", "apr:r:tok"))

	sent := srv.sentMessages()
	require.Len(t, sent, 1)
	text := sent[0]["text"].(string)
	assert.Contains(t, text, "run &lt;script&gt; on prod")
	assert.Contains(t, text, "apr:a:tok")
	assert.Contains(t, text, "apr:r:tok")
}

func TestTelegram_HealthCheck(t *testing.T) {
	srv := &telegramServer{}
	adapter := newTestTelegram(t, srv, 7)
	assert.NoError(t, adapter.HealthCheck(context.Background()))

	srv.mu.Lock()
	srv.getMeErr = true
	srv.mu.Unlock()
	assert.Error(t, adapter.HealthCheck(context.Background()))
}

func TestHTMLEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"plain text",
		"<b>bold</b> & <i>italic</i>",
		"a < b && c > d",
		"&amp; already escaped",
	}
	for _, in := range cases {
		assert.Equal(t, in, UnescapeHTML(EscapeHTML(in)))
	}
	assert.Equal(t, "&lt;b&gt;x&lt;/b&gt;", EscapeHTML("<b>x</b>"))
}
