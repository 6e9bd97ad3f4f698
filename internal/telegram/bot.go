// Package telegram connects the chat-neutral flows to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"

	"github.com/example/termin-watch/internal/chat"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Bot implements chat.Messenger on top of the Bot API.
type Bot struct {
	api *tgbotapi.BotAPI
	log zerolog.Logger
}

func NewBot(token string, log zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram bot authorized")
	return &Bot{api: api, log: log}, nil
}

func (b *Bot) Send(_ context.Context, chatID int64, msg chat.Message) (int, error) {
	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	if kb, ok := keyboard(msg.Buttons); ok {
		cfg.ReplyMarkup = kb
	}
	sent, err := b.api.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

func (b *Bot) Edit(_ context.Context, chatID int64, messageID int, msg chat.Message) error {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	if kb, ok := keyboard(msg.Buttons); ok {
		cfg.ReplyMarkup = &kb
	}
	if _, err := b.api.Send(cfg); err != nil {
		return fmt.Errorf("telegram: edit %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press so the client stops its
// spinner.
func (b *Bot) AnswerCallback(_ context.Context, callbackID, text string) error {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

// Run long-polls for updates and hands them to h one at a time until ctx
// is cancelled.
func (b *Bot) Run(ctx context.Context, h func(context.Context, tgbotapi.Update)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.log.Info().Msg("listening for updates")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			h(ctx, upd)
		}
	}
}

func keyboard(rows [][]chat.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				r = append(r, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				r = append(r, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		out = append(out, r)
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...), true
}
