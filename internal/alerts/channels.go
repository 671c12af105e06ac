package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LogChannel writes every alert to the structured log. Always enabled; it is
// the delivery floor when nothing else is configured.
type LogChannel struct {
	logger zerolog.Logger
}

func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "Alerts").Logger()}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) IsEnabled() bool { return true }

func (l *LogChannel) Send(alert *Alert) error {
	event := l.logger.Info()
	switch alert.Level {
	case LevelWarning:
		event = l.logger.Warn()
	case LevelCritical, LevelEmergency:
		event = l.logger.Error()
	}
	event.
		Str("alert_type", string(alert.Type)).
		Str("level", string(alert.Level)).
		Str("title", alert.Title).
		Msg(alert.Message)
	return nil
}

// TelegramChannel delivers alerts through the Telegram bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram channel configuration.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

func NewTelegramChannel(config TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) IsEnabled() bool { return t.enabled }

func (t *TelegramChannel) Send(alert *Alert) error {
	message := fmt.Sprintf("*%s*\n\n%s", alert.Title, alert.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordChannel delivers alerts through a Discord webhook.
type DiscordChannel struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord channel configuration.
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

func NewDiscordChannel(config DiscordConfig) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) IsEnabled() bool { return d.enabled }

func (d *DiscordChannel) Send(alert *Alert) error {
	color := 0x3498DB
	switch alert.Level {
	case LevelWarning:
		color = 0xF1C40F
	case LevelCritical:
		color = 0xE67E22
	case LevelEmergency:
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       alert.Title,
		"description": alert.Message,
		"color":       color,
		"timestamp":   alert.Timestamp.Format(time.RFC3339),
	}

	if len(alert.Data) > 0 {
		fields := make([]map[string]interface{}, 0, len(alert.Data))
		for k, v := range alert.Data {
			fields = append(fields, map[string]interface{}{
				"name": k, "value": fmt.Sprintf("%v", v), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
