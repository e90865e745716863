package notify

import (
	"context"
	"fmt"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	http   *httpClient
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. An empty baseURL uses the public Bot API.
func NewTelegramSender(token, chatID, baseURL string) *TelegramSender {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		http:   newHTTPClient(baseURL),
	}
}

// Send posts a message to the configured chat. The title is rendered in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	if err := t.http.postJSON(ctx, "/bot"+t.token+"/sendMessage", payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
