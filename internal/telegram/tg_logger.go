// Package telegram mirrors operational events to topics of an admin chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/set-night/studiochat/internal/config"
	"github.com/shopspring/decimal"
)

// MaxMessageLen is the Telegram limit for one message.
const MaxMessageLen = 4096

type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// OpsLogger posts alerts to the admin chat. A nil *OpsLogger is valid and
// drops everything.
type OpsLogger struct {
	bot Sender
	cfg *config.Config
}

func NewOpsLogger(b Sender, cfg *config.Config) *OpsLogger {
	return &OpsLogger{bot: b, cfg: cfg}
}

type LogType string

const (
	LogTypeError        LogType = "error"
	LogTypeCreditDebit  LogType = "creditDebit"
	LogTypeCreditRefund LogType = "creditRefund"
)

func (l *OpsLogger) Log(logType LogType, message string) {
	if l == nil || l.cfg.LogTelegramChatID == 0 {
		return
	}

	topicID := l.getTopicID(logType)
	if topicID == 0 {
		return
	}

	// Truncate if too long
	if len([]rune(message)) > MaxMessageLen {
		message = string([]rune(message)[:MaxMessageLen-20]) + "\n\n... (truncated)"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := l.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          l.cfg.LogTelegramChatID,
		Text:            message,
		ParseMode:       "Markdown",
		MessageThreadID: topicID,
	})
	if err != nil {
		slog.Error("failed to send telegram log", "type", logType, "error", err)
	}
}

func (l *OpsLogger) LogError(err error, where string) {
	msg := fmt.Sprintf("❌ *Error*\n\n*Context:* %s\n*Error:* `%s`\n*Time:* %s",
		where, err.Error(), time.Now().Format("2006-01-02 15:04:05"))
	l.Log(LogTypeError, msg)
}

func (l *OpsLogger) LogCreditDebit(owner string, jobs int, charged, balance decimal.Decimal) {
	msg := fmt.Sprintf("💳 *Credits Charged*\n\n*Owner:* `%s`\n*Jobs:* %d\n*Amount:* %s\n*Balance:* %s",
		owner, jobs, charged.StringFixed(2), balance.StringFixed(2))
	l.Log(LogTypeCreditDebit, msg)
}

func (l *OpsLogger) LogCreditRefund(owner, jobID string) {
	msg := fmt.Sprintf("↩️ *Job Refunded*\n\n*Owner:* `%s`\n*Job:* `%s`", owner, jobID)
	l.Log(LogTypeCreditRefund, msg)
}

func (l *OpsLogger) getTopicID(logType LogType) int {
	switch logType {
	case LogTypeError:
		return l.cfg.LogTopicError
	case LogTypeCreditDebit:
		return l.cfg.LogTopicCreditDebit
	case LogTypeCreditRefund:
		return l.cfg.LogTopicCreditRefund
	default:
		return 0
	}
}
