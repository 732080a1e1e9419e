package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender posts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

// Send posts the title in bold followed by message. Discord answers 204.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	if err := postJSON(ctx, d.client, d.webhookURL, map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }
