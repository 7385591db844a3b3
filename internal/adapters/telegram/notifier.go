package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"perpgate/pkg/errors"
	"perpgate/pkg/logger"
)

// Config contains Telegram notifier configuration
type Config struct {
	Token  string
	ChatID int64

	// Endpoint overrides tgbotapi.APIEndpoint, format "<host>/bot%s/%s"
	Endpoint       string
	HTTPTimeout    time.Duration
	RateLimitBurst int // default: 20
	RateLimitRate  int // per second, default: 1
}

// Notifier sends operator alerts to one Telegram chat
type Notifier struct {
	api         *tgbotapi.BotAPI
	chatID      int64
	rateLimiter *rate.Limiter
	log         *logger.Logger
}

// NewNotifier authorizes the bot and returns a notifier bound to cfg.ChatID
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "telegram chat id is required")
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitRate == 0 {
		cfg.RateLimitRate = 1
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, &http.Client{Timeout: cfg.HTTPTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}

	log := logger.Get().With("component", "telegram_notifier")
	log.Infof("Authorized on account %s", api.Self.UserName)

	return &Notifier{
		api:         api,
		chatID:      cfg.ChatID,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRate), cfg.RateLimitBurst),
		log:         log,
	}, nil
}

// Notify sends a Markdown message, falling back to plain text when Telegram cannot parse it
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if err := n.rateLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter error")
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	_, err := n.api.Send(msg)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		msg.ParseMode = ""
		_, err = n.api.Send(msg)
	}
	if err != nil {
		n.log.Warnw("Failed to send message", "chat_id", n.chatID, "error", err)
		return errors.Wrap(err, "failed to send telegram message")
	}
	return nil
}
