package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// TelegramAPI is the Bot API root.
const TelegramAPI = "https://api.telegram.org"

// TelegramSender posts to a chat through the Bot API sendMessage method.
type TelegramSender struct {
	apiURL string
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a sender for token and chatID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiURL: TelegramAPI,
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Send posts the title in bold followed by message.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.apiURL, "/"), t.token)
	err := postJSON(ctx, t.client, url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns "telegram".
func (t *TelegramSender) Name() string { return "telegram" }
