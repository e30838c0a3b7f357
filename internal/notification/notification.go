package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Level classifies a notification for delivery filtering
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification represents a notification message
type Notification struct {
	Level     Level
	Title     string
	Message   string
	Account   string
	Symbol    string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider. Delivery is
// best-effort; a failing provider never blocks the trading path.
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{enabled: true}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(n *Notification) error {
	if m == nil || !m.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, notifier := range m.notifiers {
		if notifier.IsEnabled() {
			if err := notifier.Send(n); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendEntryCompleted notifies that a staged entry finished and the position is open
func (m *Manager) SendEntryCompleted(account, symbol, side string, avgEntry float64, batches int) error {
	return m.Send(&Notification{
		Level:   LevelInfo,
		Title:   "Entry Completed",
		Account: account,
		Symbol:  symbol,
		Message: fmt.Sprintf("✅ %s %s opened via %d batches, avg entry %.6f", symbol, side, batches, avgEntry),
	})
}

// SendPositionClosed notifies a position close with pnl and reason
func (m *Manager) SendPositionClosed(account, symbol, side, reason string, pnl, pnlPct float64) error {
	emoji := "🟢"
	if pnl < 0 {
		emoji = "🔴"
	}
	return m.Send(&Notification{
		Level:   LevelInfo,
		Title:   "Position Closed",
		Account: account,
		Symbol:  symbol,
		Message: fmt.Sprintf("%s %s %s closed: pnl %.4f (%.2f%%), reason %s", emoji, symbol, side, pnl, pnlPct, reason),
	})
}

// SendSupervisorRestart notifies that the monitor subsystem was restarted
func (m *Manager) SendSupervisorRestart(account string, dbCount, monitorCount, timedOut int) error {
	return m.Send(&Notification{
		Level:   LevelWarning,
		Title:   "Monitor Restart",
		Account: account,
		Message: fmt.Sprintf("⚠️ supervisor restarted monitors: db=%d running=%d timed_out=%d", dbCount, monitorCount, timedOut),
	})
}

// SendOptimizerSummary notifies the result of a daily optimization run
func (m *Manager) SendOptimizerSummary(account, summary string) error {
	return m.Send(&Notification{
		Level:   LevelInfo,
		Title:   "Optimizer Run",
		Account: account,
		Message: "🔧 " + summary,
	})
}

// SendTradingToggled notifies a change of the trading kill switch
func (m *Manager) SendTradingToggled(account string, enabled bool, reason string) error {
	state := "ENABLED"
	if !enabled {
		state = "DISABLED"
	}
	return m.Send(&Notification{
		Level:   LevelWarning,
		Title:   "Trading " + state,
		Account: account,
		Message: fmt.Sprintf("🛑 trading %s for %s: %s", state, account, reason),
	})
}

// ==================== TELEGRAM ====================

// TelegramConfig holds Telegram notification settings
type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
}

// TelegramNotifier sends notifications via Telegram bot API
type TelegramNotifier struct {
	config TelegramConfig
	client *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.config.Enabled }

// Send sends a notification via Telegram
func (t *TelegramNotifier) Send(n *Notification) error {
	text := fmt.Sprintf("*%s*\n%s", n.Title, n.Message)
	if n.Account != "" {
		text += fmt.Sprintf("\n_account: %s_", n.Account)
	}

	payload := map[string]interface{}{
		"chat_id":    t.config.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.config.BotToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// ==================== DISCORD ====================

// DiscordConfig holds Discord webhook settings
type DiscordConfig struct {
	Enabled    bool
	WebhookURL string
}

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.config.Enabled }

// Send sends a notification via Discord webhook
func (d *DiscordNotifier) Send(n *Notification) error {
	color := 0x2ecc71
	switch n.Level {
	case LevelWarning:
		color = 0xf39c12
	case LevelError:
		color = 0xe74c3c
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       n.Title,
				"description": n.Message,
				"color":       color,
				"footer": map[string]string{
					"text": n.Account,
				},
				"timestamp": n.Timestamp.Format(time.RFC3339),
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}
