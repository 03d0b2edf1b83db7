package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"
)

// Severity classifies an alert for formatting and routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeveritySuccess  Severity = "success"
)

// Alert is one operator notification.
type Alert struct {
	Title    string
	Body     string
	Severity Severity
}

// Notifier delivers operator alerts. Delivery failures are logged, never
// propagated into the improvement cycle.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// TelegramNotifier sends alerts to a Telegram chat, with a circuit breaker so
// a flapping Telegram API cannot stall cycle work behind timeouts.
type TelegramNotifier struct {
	bot     *bot.Bot
	chatID  int64
	breaker *CircuitBreaker
	logger  *logrus.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *logrus.Logger) (*TelegramNotifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:     b,
		chatID:  chatID,
		breaker: NewCircuitBreaker(5, 2*time.Minute),
		logger:  logger,
	}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	if !n.breaker.Allow() {
		n.logger.WithField("title", alert.Title).Warn("Notification dropped, circuit breaker open")
		return ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   formatAlert(alert),
	})
	if err != nil {
		n.breaker.RecordFailure()
		n.logger.WithFields(logrus.Fields{
			"title": alert.Title,
			"error": err.Error(),
		}).Error("Failed to send telegram notification")
		return fmt.Errorf("failed to send notification: %w", err)
	}

	n.breaker.RecordSuccess()
	return nil
}

func formatAlert(alert Alert) string {
	return fmt.Sprintf("%s %s\n\n%s", severityEmoji(alert.Severity), alert.Title, alert.Body)
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	case SeveritySuccess:
		return "✅"
	default:
		return "ℹ️"
	}
}

// NoopNotifier is used when no Telegram credentials are configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Alert) error { return nil }
