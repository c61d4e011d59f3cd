package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"thk/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender is the part of tgbotapi.BotAPI the sink uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig configures a TelegramSink.
type TelegramConfig struct {
	Token   string
	ChatIDs []string
	Logger  *slog.Logger
}

// TelegramSink alerts admin chats about audited decisions.
type TelegramSink struct {
	bot     telegramSender
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegramSink connects to the Bot API.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	s, err := newTelegramSink(bot, cfg.ChatIDs, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("telegram audit alerts enabled", "bot", bot.Self.UserName, "chats", len(s.chatIDs))
	return s, nil
}

func newTelegramSink(bot telegramSender, chatIDs []string, logger *slog.Logger) (*TelegramSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var ids []int64
	for _, s := range chatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: telegram chat id %q", domain.ErrInvalidInput, s)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: telegram sink needs at least one chat id", domain.ErrInvalidInput)
	}
	return &TelegramSink{bot: bot, chatIDs: ids, logger: logger.With("sink", "telegram")}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// WriteAudit sends one plain-text alert per chat. Telegram 429s are retried
// until ctx expires.
func (s *TelegramSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	text := alertText(rec)
	var firstErr error
	for _, chatID := range s.chatIDs {
		if err := s.send(ctx, chatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *TelegramSink) send(ctx context.Context, chatID int64, text string) error {
	for attempt := 0; ; attempt++ {
		_, err := s.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "Too Many Requests") {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		backoff := time.Duration(attempt+1) * 500 * time.Millisecond
		s.logger.Warn("telegram rate limited, backing off", "chat", chatID, "backoff", backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send to %d: %w", chatID, ctx.Err())
		case <-time.After(backoff):
		}
	}
}

func alertText(rec domain.AuditRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "thk: %s\n", strings.ToUpper(rec.Outcome.String()))
	fmt.Fprintf(&b, "uid: %d\n", rec.Identity)
	fmt.Fprintf(&b, "cmd: %s\n", rec.Command)
	if rec.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", rec.Reason)
	}
	fmt.Fprintf(&b, "time: %s", rec.Time.Format(time.RFC3339))
	return b.String()
}
