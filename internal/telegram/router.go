package telegram

import (
	"context"
	"time"

	"github.com/example/termin-watch/internal/chat"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/scheduler"
	"github.com/example/termin-watch/internal/subscriptions"
	"github.com/example/termin-watch/internal/users"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Dialogue is the booking conversation.
type Dialogue interface {
	HandleCallback(ctx context.Context, userID int64, data string) (chat.Message, bool)
	HandleText(ctx context.Context, userID int64, text string) (chat.Message, bool)
	HandleCommand(ctx context.Context, userID int64) (chat.Message, bool)
}

type UserStore interface {
	Upsert(ctx context.Context, id int64, username, language string) error
	Get(ctx context.Context, id int64) (users.User, error)
	SetDateRange(ctx context.Context, id int64, dr *subscriptions.DateRange) error
	Count(ctx context.Context) (int, error)
}

type SubscriptionStore interface {
	Add(ctx context.Context, userID int64, serviceID, officeID int) error
	Remove(ctx context.Context, userID int64, serviceID int) (bool, error)
	RemoveAll(ctx context.Context, userID int64) (int64, error)
	ListByUser(ctx context.Context, userID int64) ([]subscriptions.Subscription, error)
	All(ctx context.Context) ([]subscriptions.Subscription, error)
}

type Catalog interface {
	Search(ctx context.Context, q string) ([]munich.Service, error)
	Service(ctx context.Context, id int) (munich.Service, bool)
	ServiceName(id int) string
	DefaultOffice(ctx context.Context, serviceID int) int
}

type AppointmentCounter interface {
	CountForUser(ctx context.Context, userID int64) (int, error)
}

type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Router turns updates into replies. Updates are handled sequentially, so
// a user can never have two booking steps in flight.
type Router struct {
	Messenger     chat.Messenger
	Callbacks     CallbackAnswerer
	Dialogue      Dialogue
	Users         UserStore
	Subscriptions SubscriptionStore
	Catalog       Catalog
	Appointments  AppointmentCounter
	Stats         *scheduler.Stats
	Interval      time.Duration
	Now           func() time.Time
	Log           zerolog.Logger
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Handle processes one update.
func (r *Router) Handle(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.CallbackQuery != nil:
		r.callback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.From != nil:
		r.message(ctx, u.Message)
	}
}

func (r *Router) callback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if r.Callbacks != nil {
		if err := r.Callbacks.AnswerCallback(ctx, q.ID, ""); err != nil {
			r.Log.Debug().Err(err).Msg("answer callback")
		}
	}
	if q.From == nil {
		return
	}
	reply, ok := r.Dialogue.HandleCallback(ctx, q.From.ID, q.Data)
	if !ok {
		r.Log.Debug().Str("data", q.Data).Msg("unhandled callback")
		return
	}
	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}
	r.reply(ctx, chatID, reply)
}

func (r *Router) message(ctx context.Context, m *tgbotapi.Message) {
	userID := m.From.ID
	chatID := userID
	if m.Chat != nil {
		chatID = m.Chat.ID
	}

	if !m.IsCommand() {
		if reply, ok := r.Dialogue.HandleText(ctx, userID, m.Text); ok {
			r.reply(ctx, chatID, reply)
			return
		}
		r.reply(ctx, chatID, chat.Message{Text: msgUnknown})
		return
	}

	if reply, ok := r.Dialogue.HandleCommand(ctx, userID); ok {
		r.reply(ctx, chatID, reply)
		return
	}
	if err := r.Users.Upsert(ctx, userID, m.From.UserName, m.From.LanguageCode); err != nil {
		r.Log.Error().Err(err).Int64("user_id", userID).Msg("register user")
		r.reply(ctx, chatID, chat.Message{Text: msgInternal})
		return
	}

	log := r.Log.With().Int64("user_id", userID).Str("command", m.Command()).Logger()
	reply, err := r.command(ctx, userID, m.Command(), m.CommandArguments())
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		reply = chat.Message{Text: msgInternal}
	}
	r.reply(ctx, chatID, reply)
}

func (r *Router) reply(ctx context.Context, chatID int64, msg chat.Message) {
	if msg.Text == "" {
		return
	}
	if _, err := r.Messenger.Send(ctx, chatID, msg); err != nil {
		r.Log.Warn().Err(err).Int64("chat_id", chatID).Msg("send reply")
	}
}
