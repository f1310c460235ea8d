package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramMaxText is Telegram's message limit in characters.
const telegramMaxText = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
	// Offline skips the getMe handshake.
	Offline bool
}

// Telegram sends notifications to one chat (optionally one forum topic).
// It also implements logx.Sender for the log notify sink.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, subject, body string) error {
	text := "<b>" + html.EscapeString(subject) + "</b>"
	if body = strings.TrimSpace(body); body != "" {
		text += "\n<pre>" + html.EscapeString(clip(body, telegramMaxText-len(text)-32)) + "</pre>"
	}
	return t.send(ctx, text)
}

// SendLog forwards a formatted log record.
func (t *Telegram) SendLog(ctx context.Context, text string) error {
	return t.send(ctx, "<pre>"+html.EscapeString(clip(text, telegramMaxText-32))+"</pre>")
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// telebot has no context support; the client timeout bounds the call.
	errCh := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text, t.opts)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
