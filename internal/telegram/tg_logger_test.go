package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/set-night/studiochat/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []*bot.SendMessageParams
}

func (r *recordingSender) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	r.sent = append(r.sent, p)
	return &models.Message{}, nil
}

func TestOpsLogger_RoutesToTopics(t *testing.T) {
	sender := &recordingSender{}
	l := NewOpsLogger(sender, &config.Config{
		LogTelegramChatID:    -100,
		LogTopicError:        1,
		LogTopicCreditDebit:  2,
		LogTopicCreditRefund: 0,
	})

	l.LogError(errors.New("db down"), "send turn")
	l.LogCreditDebit("acme", 3, decimal.NewFromInt(3), decimal.NewFromInt(7))
	l.LogCreditRefund("acme", "job-1")

	require.Len(t, sender.sent, 2, "refund topic is not configured")
	assert.Equal(t, 1, sender.sent[0].MessageThreadID)
	assert.Contains(t, sender.sent[0].Text, "db down")
	assert.Equal(t, 2, sender.sent[1].MessageThreadID)
	assert.Contains(t, sender.sent[1].Text, "7.00")
}

func TestOpsLogger_TruncatesLongMessages(t *testing.T) {
	sender := &recordingSender{}
	l := NewOpsLogger(sender, &config.Config{LogTelegramChatID: 1, LogTopicError: 1})

	l.Log(LogTypeError, strings.Repeat("x", MaxMessageLen+10))
	require.Len(t, sender.sent, 1)
	assert.LessOrEqual(t, len([]rune(sender.sent[0].Text)), MaxMessageLen)
}

func TestOpsLogger_NilIsNoop(t *testing.T) {
	var l *OpsLogger
	assert.NotPanics(t, func() {
		l.LogError(errors.New("x"), "y")
		l.LogCreditRefund("acme", "j")
	})
}
