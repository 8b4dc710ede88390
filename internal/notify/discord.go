package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	colorAlert = 0xE74C3C
	colorOK    = 0x2ECC71
	colorInfo  = 0x95A5A6
)

// DiscordSender delivers notifications as webhook embeds.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL, username string) *DiscordSender {
	if username == "" {
		username = "swapbot"
	}
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username        string         `json:"username"`
	Embeds          []discordEmbed `json:"embeds"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

// embedColor picks red for failures and removals, green for completed
// trades and grey otherwise. title starts with the event name.
func embedColor(title string) int {
	event, _, _ := strings.Cut(title, " ")
	switch {
	case strings.HasSuffix(event, "_failed"), strings.HasPrefix(event, "phantom"):
		return colorAlert
	case strings.HasSuffix(event, "_confirmed"), event == "position_closed":
		return colorOK
	default:
		return colorInfo
	}
}

// Send posts one embed per alert.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := discordPayload{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       title,
			Description: "```\n" + message + "\n```",
			Color:       embedColor(title),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	}
	// An empty list stops a mint name from pinging anyone.
	payload.AllowedMentions.Parse = []string{}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests {
		// retry_after is in seconds and may be fractional.
		wait := gjson.GetBytes(raw, "retry_after").Float()
		return fmt.Errorf("discord: rate limited (429), retry after %.1fs", wait)
	}
	return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(raw))
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
