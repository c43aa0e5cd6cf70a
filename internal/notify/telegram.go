package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v3"
)

// TelegramSender delivers events to one chat through the Bot API.
type TelegramSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSender creates a send-only bot. No poller is started and the
// token is not checked against the API until the first send.
func NewTelegramSender(token, chatID string) (*TelegramSender, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  newHTTPClient(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &TelegramSender{bot: b, chat: &tele.Chat{ID: id}}, nil
}

func (t *TelegramSender) Send(_ context.Context, e Event) error {
	text := fmt.Sprintf("%s\n%s", e.Title(), e.Text())
	if _, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string {
	return "telegram"
}
