package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

const (
	telegramChannelType = "telegram"
	telegramAPIBase     = "https://api.telegram.org"
	longPollSeconds     = 30
)

// TelegramConfig configures the long-polling Telegram adapter.
type TelegramConfig struct {
	BotToken string
	// AllowedUsers is the ingress allow-list. Messages from any other
	// account are dropped before dispatch.
	AllowedUsers []int64
	// APIBase overrides the Bot API endpoint, for tests.
	APIBase string
	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// TelegramAdapter speaks the Telegram Bot API over long polling.
type TelegramAdapter struct {
	token   string
	apiBase string
	client  *http.Client
	allowed map[int64]struct{}
	logger  *slog.Logger

	mu            sync.Mutex
	handler       MessageHandler
	lastHeartbeat time.Time
	offset        int64
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewTelegramAdapter creates the adapter. The bot token is required.
func NewTelegramAdapter(cfg TelegramConfig) (*TelegramAdapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = telegramAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: (longPollSeconds + 10) * time.Second}
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = struct{}{}
	}
	return &TelegramAdapter{
		token:   cfg.BotToken,
		apiBase: apiBase,
		client:  client,
		allowed: allowed,
		logger:  slog.Default().With("component", "telegram-adapter"),
	}, nil
}

// ChannelType implements Adapter.
func (t *TelegramAdapter) ChannelType() string { return telegramChannelType }

// OnMessage implements Adapter.
func (t *TelegramAdapter) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Start launches the long-poll loop. Idempotent while running.
func (t *TelegramAdapter) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.lastHeartbeat = time.Now()
	go t.pollLoop(pollCtx)
	return nil
}

// Stop halts the long-poll loop and waits for it to exit.
func (t *TelegramAdapter) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck calls getMe.
func (t *TelegramAdapter) HealthCheck(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := t.call(ctx, "getMe", nil, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("telegram getMe returned ok=false")
	}
	return nil
}

// LastHeartbeatAt implements HeartbeatReporter: it advances on every
// completed poll cycle.
func (t *TelegramAdapter) LastHeartbeatAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHeartbeat
}

// SendMessage sends an HTML-mode message.
func (t *TelegramAdapter) SendMessage(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := t.call(ctx, "sendMessage", payload, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("telegram sendMessage failed: %s", out.Description)
	}
	return nil
}

// SendApprovalRequest renders the approval prompt with its callback
// tokens as a formatted HTML message.
func (t *TelegramAdapter) SendApprovalRequest(ctx context.Context, chatID string, req *models.ApprovalRequest, approveToken, rejectToken string) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<b>Approval needed</b> (risk: %s)\n", req.Risk)
	fmt.Fprintf(&b, "%s\n", EscapeHTML(req.Summary))
	if req.Detail != "" {
		fmt.Fprintf(&b, "\n%s\n", EscapeHTML(req.Detail))
	}
	fmt.Fprintf(&b, "\nExpires at %s\n", req.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\nApprove: <code>%s</code>\nReject: <code>%s</code>", approveToken, rejectToken)
	return t.SendMessage(ctx, chatID, b.String())
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

func (t *TelegramAdapter) pollLoop(ctx context.Context) {
	defer close(t.done)
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("Telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		t.mu.Lock()
		t.lastHeartbeat = time.Now()
		handler := t.handler
		t.mu.Unlock()

		for _, u := range updates {
			t.mu.Lock()
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.mu.Unlock()

			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			if !t.userAllowed(u.Message.From.ID) {
				t.logger.Warn("Dropping message from non-allowed user",
					"user_id", u.Message.From.ID, "chat_id", u.Message.Chat.ID)
				continue
			}
			if handler != nil {
				handler(ctx, RoutedMessage{
					ChannelType:   telegramChannelType,
					ChatID:        strconv.FormatInt(u.Message.Chat.ID, 10),
					UserAccountID: strconv.FormatInt(u.Message.From.ID, 10),
					Message:       u.Message.Text,
				})
			}
		}
	}
}

func (t *TelegramAdapter) userAllowed(userID int64) bool {
	if len(t.allowed) == 0 {
		return false
	}
	_, ok := t.allowed[userID]
	return ok
}

func (t *TelegramAdapter) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	payload := map[string]any{
		"offset":  offset,
		"timeout": longPollSeconds,
	}
	var out struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := t.call(ctx, "getUpdates", payload, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getUpdates returned ok=false")
	}
	return out.Result, nil
}

// call posts one Bot API method and decodes the response envelope.
func (t *TelegramAdapter) call(ctx context.Context, method string, payload any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)

	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", method, err)
		}
		body = bytes.NewReader(blob)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errkind.New(errkind.Classify(err), fmt.Errorf("calling telegram %s: %w", method, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errkind.New(errkind.FromHTTPStatus(resp.StatusCode),
			fmt.Errorf("telegram %s returned %d: %s", method, resp.StatusCode, bytes.TrimSpace(blob)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}
