// Package alert delivers operator notifications over Telegram. It is
// fire-and-forget: delivery failures are logged, never propagated, so an
// unreachable Telegram API can not stall scheduling or publishing.
package alert

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "repost/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
}

type Notifier struct {
	mu      sync.Mutex
	bot     *tele.Bot
	chat    tele.Recipient
	token   string
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds the notifier. An empty token yields a disabled notifier whose
// Alert is a no-op, so callers never nil-check.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	n := &Notifier{log: log, limiter: rate.NewLimiter(rate.Every(3*time.Second), 3)}
	if err := n.Apply(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// Apply swaps the bot token and chat target on a config reload. An empty
// token disables the notifier.
func (n *Notifier) Apply(cfg Config) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.Token == "" || cfg.ChatID == 0 {
		n.bot, n.chat, n.token = nil, nil, ""
		return nil
	}
	if cfg.Token != n.token {
		// Offline skips the startup getMe call so an unreachable Telegram
		// API cannot block daemon startup; a bad token surfaces on first
		// send.
		bot, err := tele.NewBot(tele.Settings{
			Token:   cfg.Token,
			Offline: true,
		})
		if err != nil {
			return err
		}
		n.bot = bot
		n.token = cfg.Token
	}
	n.chat = tele.ChatID(cfg.ChatID)
	return nil
}

func (n *Notifier) Enabled() bool {
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bot != nil
}

// Alert sends one message, rate limited to keep alert storms below
// Telegram's flood thresholds.
func (n *Notifier) Alert(ctx context.Context, msg string) {
	n.mu.Lock()
	bot, chat := n.bot, n.chat
	n.mu.Unlock()
	if bot == nil {
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := bot.Send(chat, msg); err != nil {
		if !n.log.IsZero() {
			n.log.Warn("alert delivery failed", logx.Err(err))
		}
	}
}
