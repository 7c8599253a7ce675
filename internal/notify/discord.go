package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

type DiscordSender struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordSender accepts a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordSender(webhookURL string) (*DiscordSender, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	s.Client = &http.Client{Timeout: 10 * time.Second}
	return &DiscordSender{session: s, id: id, token: token}, nil
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Username: "potts",
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: message,
			Color:       0x2ecc71,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send webhook: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string {
	return "discord"
}

func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("discord: invalid webhook url")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord: webhook url must end in /webhooks/{id}/{token}")
}
