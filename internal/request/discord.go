package request

import (
	"bytes"
	"context"
	"fmt"
	"github.com/goccy/go-json"
	"net/http"
	"strings"
)

type DiscordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type DiscordWebhook struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

func getDiscordColor(status string) int {
	switch status {
	case "success":
		return 3066993
	case "error":
		return 15158332
	case "warning":
		return 15844367
	case "pending":
		return 3447003
	default:
		return 0
	}
}

func getDiscordHeader(event string) string {
	switch event {
	case "download_complete":
		return "[Decypharr] Download Completed"
	case "download_failed":
		return "[Decypharr] Download Failed"
	case "blackhole_failed":
		return "[Decypharr] Blackhole File Quarantined"
	default:
		evs := strings.Split(event, "_")
		for i, ev := range evs {
			if ev != "" {
				evs[i] = strings.ToUpper(ev[:1]) + ev[1:]
			}
		}
		return "[Decypharr] " + strings.Join(evs, " ")
	}
}

// Discord posts embeds to a webhook. A nil *Discord or an empty URL is a no-op.
type Discord struct {
	webhookURL string
	client     *Client
}

func NewDiscord(webhookURL string, client *Client) *Discord {
	if client == nil {
		client = Default()
	}
	return &Discord{webhookURL: webhookURL, client: client}
}

func (d *Discord) Send(ctx context.Context, event, status, message string) error {
	if d == nil || d.webhookURL == "" {
		return nil
	}

	webhook := DiscordWebhook{
		Embeds: []DiscordEmbed{
			{
				Title:       getDiscordHeader(event),
				Description: message,
				Color:       getDiscordColor(status),
			},
		},
	}

	payload, err := json.Marshal(webhook)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := d.client.MakeRequest(req); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}
