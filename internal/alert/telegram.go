package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends threshold notifications to a Telegram chat.
// The bot connection is established on first use so construction stays
// cheap and offline-safe.
type TelegramNotifier struct {
	token  string
	chatID int64
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramNotifier builds a TelegramNotifier for the given bot token
// and chat.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: empty chat id")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		logger: logger.With("component", "alert"),
	}, nil
}

func (n *TelegramNotifier) Name() string {
	return "telegram"
}

func (n *TelegramNotifier) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := n.ensureBot()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(n.chatID, subject+"\n\n"+body)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	n.logger.Debug("telegram notification sent", "chat_id", n.chatID)
	return nil
}

func (n *TelegramNotifier) ensureBot() (*tgbotapi.BotAPI, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bot != nil {
		return n.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(n.token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	n.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	n.bot = bot
	return bot, nil
}
