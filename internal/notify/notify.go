// Package notify sends best-effort operator notifications over
// Telegram when an agent escalates or a task is dead-lettered after
// repeated bug-task generation. It is entirely optional: when no
// token is configured, Notifier is a no-op, and every send failure is
// warn-logged rather than propagated, the same policy as the
// completion callback.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends outbound operator alerts.
type Notifier struct {
	bot       *tgbotapi.BotAPI
	chatIDs   []int64
	logger    *slog.Logger
	threshold int // consecutive bug-task generations before dead-letter alert
}

// Config configures the notifier. Enabled=false or an empty Token
// leaves the Notifier a no-op.
type Config struct {
	Enabled            bool
	Token              string
	ChatIDs            []int64
	DeadLetterThreshold int // default 3
}

// New builds a Notifier. On any setup failure it logs a warning and
// returns a no-op Notifier rather than failing startup.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	threshold := cfg.DeadLetterThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if !cfg.Enabled || cfg.Token == "" {
		return &Notifier{logger: logger, threshold: threshold}
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		logger.Warn("telegram init failed, notifications disabled", "error", err)
		return &Notifier{logger: logger, threshold: threshold}
	}
	return &Notifier{bot: bot, chatIDs: cfg.ChatIDs, logger: logger, threshold: threshold}
}

// Threshold reports the configured dead-letter bug-count threshold.
func (n *Notifier) Threshold() int {
	return n.threshold
}

func (n *Notifier) enabled() bool {
	return n.bot != nil && len(n.chatIDs) > 0
}

func (n *Notifier) send(text string) {
	if !n.enabled() {
		return
	}
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// Escalation notifies operators of an agent.escalation event.
func (n *Notifier) Escalation(taskID, agentID, reason string) {
	n.send(fmt.Sprintf("agent escalation\ntask: %s\nagent: %s\nreason: %s", taskID, agentID, reason))
}

// DeadLetter notifies operators that a task has generated bugCount
// consecutive bug tasks without resolving, crossing the dead-letter
// threshold.
func (n *Notifier) DeadLetter(taskID string, bugCount int) {
	n.send(fmt.Sprintf("task dead-lettered\ntask: %s\nbug tasks generated: %d", taskID, bugCount))
}
