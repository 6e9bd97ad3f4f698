package booking

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/chat"
	"github.com/example/termin-watch/internal/munich"
	"github.com/rs/zerolog"
)

const (
	CallbackCancel  = "cancel_booking"
	CallbackConfirm = "confirm_booking"
	timePrefix      = "time_"

	maxTimeButtons = 10
)

var bookPattern = regexp.MustCompile(`^book_(\d{4}-\d{2}-\d{2})_(\d+)_(\d+)$`)

// Target is what a "book" button points at.
type Target struct {
	Date      string
	OfficeID  int
	ServiceID int
}

// BookCallback encodes a target as button data.
func BookCallback(date string, officeID, serviceID int) string {
	return fmt.Sprintf("book_%s_%d_%d", date, officeID, serviceID)
}

func ParseBookCallback(data string) (Target, bool) {
	m := bookPattern.FindStringSubmatch(data)
	if m == nil {
		return Target{}, false
	}
	if _, err := time.Parse("2006-01-02", m[1]); err != nil {
		return Target{}, false
	}
	office, err1 := strconv.Atoi(m[2])
	service, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil {
		return Target{}, false
	}
	return Target{Date: m[1], OfficeID: office, ServiceID: service}, true
}

func isFlowCallback(data string) bool {
	return data == CallbackCancel || data == CallbackConfirm || strings.HasPrefix(data, timePrefix)
}

type SlotSource interface {
	AvailableAppointments(ctx context.Context, date string, officeID, serviceID int, token string) (munich.Appointments, error)
}

type CredentialSource interface {
	Current() captcha.Credential
}

// Recorder receives booking outcome counts.
type Recorder interface {
	BookingStarted()
	BookingCompleted(ok bool)
}

// Conversation drives the per-user booking dialogue:
// SelectingTime -> AskingName -> AskingEmail -> Confirming.
//
// It also tracks which users have a conversation in this process. A user
// with a persisted session but no tracked conversation lost it to a
// restart; their session is discarded on their next action.
type Conversation struct {
	Sessions    *Sessions
	Slots       SlotSource
	Credentials CredentialSource
	Booker      *Booker
	Recorder    Recorder
	Now         func() time.Time
	Log         zerolog.Logger

	mu     sync.Mutex
	active map[int64]bool
}

func (c *Conversation) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Active reports whether the user has a conversation in this process.
func (c *Conversation) Active(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[userID]
}

func (c *Conversation) setActive(userID int64, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		c.active = make(map[int64]bool)
	}
	if on {
		c.active[userID] = true
	} else {
		delete(c.active, userID)
	}
}

// HandleCallback processes a button press. handled is false for data that
// does not belong to the booking flow.
func (c *Conversation) HandleCallback(ctx context.Context, userID int64, data string) (reply chat.Message, handled bool) {
	if t, ok := ParseBookCallback(data); ok {
		return c.start(ctx, userID, t), true
	}
	if !isFlowCallback(data) {
		return chat.Message{}, false
	}
	if !c.Active(userID) {
		if msg, ok := c.recoverOrphan(ctx, userID); ok {
			return msg, true
		}
		return chat.Message{Text: msgExpired}, true
	}

	if data == CallbackCancel {
		return c.cancel(ctx, userID), true
	}
	s, msg, ok := c.live(ctx, userID)
	if !ok {
		return msg, true
	}
	switch {
	case s.State == SelectingTime && strings.HasPrefix(data, timePrefix):
		return c.selectTime(ctx, s, strings.TrimPrefix(data, timePrefix)), true
	case s.State == Confirming && data == CallbackConfirm:
		return c.confirm(ctx, s), true
	}
	return c.prompt(s), true
}

// HandleText processes free text. handled is false when the user is not
// in a booking.
func (c *Conversation) HandleText(ctx context.Context, userID int64, text string) (reply chat.Message, handled bool) {
	if !c.Active(userID) {
		return c.recoverOrphan(ctx, userID)
	}
	s, msg, ok := c.live(ctx, userID)
	if !ok {
		return msg, true
	}
	switch s.State {
	case AskingName:
		return c.submitName(ctx, s, text), true
	case AskingEmail:
		return c.submitEmail(ctx, s, text), true
	}
	return c.prompt(s), true
}

// HandleCommand is called before any command runs. A command issued during
// a booking cancels it and is consumed.
func (c *Conversation) HandleCommand(ctx context.Context, userID int64) (reply chat.Message, handled bool) {
	if c.Active(userID) {
		return c.cancel(ctx, userID), true
	}
	return c.recoverOrphan(ctx, userID)
}

func (c *Conversation) recoverOrphan(ctx context.Context, userID int64) (chat.Message, bool) {
	in, err := c.Sessions.InBooking(ctx, userID)
	if err != nil {
		c.Log.Warn().Err(err).Int64("user_id", userID).Msg("session lookup failed")
		return chat.Message{}, false
	}
	if !in {
		return chat.Message{}, false
	}
	if err := c.Sessions.Delete(ctx, userID); err != nil {
		c.Log.Warn().Err(err).Int64("user_id", userID).Msg("delete orphaned session")
	}
	c.Log.Info().Int64("user_id", userID).Msg("orphaned booking session discarded")
	return chat.Message{Text: msgInterrupted}, true
}

// live loads the session of an active conversation, ending the
// conversation if the session has lapsed.
func (c *Conversation) live(ctx context.Context, userID int64) (Session, chat.Message, bool) {
	s, err := c.Sessions.Get(ctx, userID)
	if err == nil {
		return s, chat.Message{}, true
	}
	c.setActive(userID, false)
	if !errors.Is(err, ErrNotFound) {
		c.Log.Error().Err(err).Int64("user_id", userID).Msg("load session")
		return Session{}, chat.Message{Text: msgInternal}, false
	}
	return Session{}, chat.Message{Text: msgExpired}, false
}

func (c *Conversation) start(ctx context.Context, userID int64, t Target) chat.Message {
	cred := c.Credentials.Current()
	if !cred.Valid(c.now()) {
		return chat.Message{Text: msgNoCredential}
	}

	apps, err := c.Slots.AvailableAppointments(ctx, t.Date, t.OfficeID, t.ServiceID, cred.Token)
	if err != nil {
		c.Log.Warn().Err(err).Int64("user_id", userID).Str("date", t.Date).Msg("load slots for booking")
		return chat.Message{Text: msgNoSlots}
	}
	stamps := apps.For(t.OfficeID)
	if len(stamps) == 0 {
		return chat.Message{Text: msgNoSlots}
	}

	if len(stamps) > maxTimeButtons {
		stamps = stamps[:maxTimeButtons]
	}
	if _, err := c.Sessions.Create(ctx, userID, t.ServiceID, t.OfficeID, t.Date, cred.Token, stamps...); err != nil {
		c.Log.Error().Err(err).Int64("user_id", userID).Msg("create session")
		return chat.Message{Text: msgInternal}
	}
	c.setActive(userID, true)
	if c.Recorder != nil {
		c.Recorder.BookingStarted()
	}
	c.Log.Info().Int64("user_id", userID).Str("date", t.Date).Int("office_id", t.OfficeID).
		Int("service_id", t.ServiceID).Int("slots", len(stamps)).Msg("booking started")

	return chat.Message{
		Text:    fmt.Sprintf("📅 <b>Available times on %s</b>\n\nSelect a time slot:", t.Date),
		Buttons: timeRows(stamps),
	}
}

func (c *Conversation) selectTime(ctx context.Context, s Session, raw string) chat.Message {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !slices.Contains(s.Offered, ts) {
		c.Log.Info().Int64("user_id", s.UserID).Str("time", raw).Msg("time not offered in this session")
		return c.prompt(s)
	}
	s.Timestamp = ts
	s.State = AskingName
	if _, err := c.Sessions.Update(ctx, s); err != nil {
		return c.updateFailed(s.UserID, err)
	}
	return chat.Message{
		Text: fmt.Sprintf("⏰ Selected: <b>%s</b> on %s\n\nPlease enter your full name (first and last name):",
			munich.SlotTime(ts), s.Date),
		Buttons: [][]chat.Button{chat.Row(cancelButton)},
	}
}

func (c *Conversation) submitName(ctx context.Context, s Session, text string) chat.Message {
	name, err := ValidateName(text)
	if err != nil {
		return chat.Message{
			Text:    "❌ " + capitalize(err.Error()) + ".\n\nPlease enter your full name (first and last name):",
			Buttons: [][]chat.Button{chat.Row(cancelButton)},
		}
	}
	s.Name = name
	s.State = AskingEmail
	if _, err := c.Sessions.Update(ctx, s); err != nil {
		return c.updateFailed(s.UserID, err)
	}
	return chat.Message{
		Text:    "📧 Please enter your e-mail address:",
		Buttons: [][]chat.Button{chat.Row(cancelButton)},
	}
}

func (c *Conversation) submitEmail(ctx context.Context, s Session, text string) chat.Message {
	email, err := ValidateEmail(text)
	if err != nil {
		return chat.Message{
			Text:    "❌ " + capitalize(err.Error()) + ".\n\nPlease enter a valid e-mail address:",
			Buttons: [][]chat.Button{chat.Row(cancelButton)},
		}
	}
	s.Email = email
	s.State = Confirming
	if _, err := c.Sessions.Update(ctx, s); err != nil {
		return c.updateFailed(s.UserID, err)
	}
	return c.prompt(s)
}

func (c *Conversation) confirm(ctx context.Context, s Session) chat.Message {
	conf, err := c.Booker.Book(ctx, Request{
		Timestamp: s.Timestamp,
		OfficeID:  s.OfficeID,
		ServiceID: s.ServiceID,
		Token:     s.CaptchaToken,
		Name:      s.Name,
		Email:     s.Email,
	})

	if derr := c.Sessions.Delete(ctx, s.UserID); derr != nil {
		c.Log.Warn().Err(derr).Int64("user_id", s.UserID).Msg("delete finished session")
	}
	c.setActive(s.UserID, false)
	if c.Recorder != nil {
		c.Recorder.BookingCompleted(err == nil)
	}

	if err != nil {
		return chat.Message{
			Text: "❌ <b>Booking failed.</b>\n\nThe slot may have been taken in the meantime. " +
				"Please try again or book on the city website.",
			Buttons: [][]chat.Button{chat.Row(chat.Button{
				Text: "🌐 Book manually on website",
				URL:  munich.BookingURL(s.ServiceID, s.OfficeID),
			})},
		}
	}
	return chat.Message{Text: fmt.Sprintf(
		"✅ <b>Appointment reserved!</b>\n\n📅 %s at %s\n👤 %s\n📧 %s\n🔖 Process: %d\n\n"+
			"Check your inbox and confirm the appointment via the link in the e-mail.",
		s.Date, munich.SlotTime(s.Timestamp), html.EscapeString(s.Name), html.EscapeString(s.Email), conf.ProcessID)}
}

func (c *Conversation) cancel(ctx context.Context, userID int64) chat.Message {
	if err := c.Sessions.Delete(ctx, userID); err != nil {
		c.Log.Warn().Err(err).Int64("user_id", userID).Msg("delete cancelled session")
	}
	c.setActive(userID, false)
	return chat.Message{Text: msgCancelled}
}

// prompt repeats the question of the session's current step.
func (c *Conversation) prompt(s Session) chat.Message {
	switch s.State {
	case AskingName:
		return chat.Message{Text: "Please enter your full name (first and last name):", Buttons: [][]chat.Button{chat.Row(cancelButton)}}
	case AskingEmail:
		return chat.Message{Text: "Please enter your e-mail address:", Buttons: [][]chat.Button{chat.Row(cancelButton)}}
	case Confirming:
		service := ""
		if c.Booker != nil && c.Booker.ServiceName != nil {
			service = "🏛 " + html.EscapeString(c.Booker.ServiceName(s.ServiceID)) + "\n"
		}
		return chat.Message{
			Text: fmt.Sprintf("<b>Please confirm your booking</b>\n\n%s📅 %s at %s\n👤 %s\n📧 %s",
				service, s.Date, munich.SlotTime(s.Timestamp), html.EscapeString(s.Name), html.EscapeString(s.Email)),
			Buttons: [][]chat.Button{chat.Row(
				chat.Button{Text: "✅ Confirm booking", Data: CallbackConfirm},
				cancelButton,
			)},
		}
	}
	return chat.Message{
		Text:    fmt.Sprintf("Please select one of the offered time slots on %s:", s.Date),
		Buttons: timeRows(s.Offered),
	}
}

func (c *Conversation) updateFailed(userID int64, err error) chat.Message {
	if errors.Is(err, ErrNotFound) {
		c.setActive(userID, false)
		return chat.Message{Text: msgExpired}
	}
	c.Log.Error().Err(err).Int64("user_id", userID).Msg("update session")
	return chat.Message{Text: msgInternal}
}

var cancelButton = chat.Button{Text: "❌ Cancel", Data: CallbackCancel}

// timeRows lays the slots out two per row, followed by a cancel row.
func timeRows(stamps []int64) [][]chat.Button {
	var rows [][]chat.Button
	for i := 0; i < len(stamps); i += 2 {
		row := []chat.Button{timeButton(stamps[i])}
		if i+1 < len(stamps) {
			row = append(row, timeButton(stamps[i+1]))
		}
		rows = append(rows, row)
	}
	return append(rows, chat.Row(cancelButton))
}

func timeButton(ts int64) chat.Button {
	return chat.Button{Text: "🕐 " + munich.SlotTime(ts), Data: timePrefix + strconv.FormatInt(ts, 10)}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

const (
	msgNoCredential = "⚠️ The booking token has expired. Please wait for the next availability check and try again."
	msgNoSlots      = "😔 No time slots are available for this date any more. They may already be booked."
	msgExpired      = "⌛ Your booking session has expired. Please start again from the notification."
	msgInterrupted  = "⚠️ Your booking session was interrupted (bot restarted). Please start the booking again."
	msgCancelled    = "Booking cancelled."
	msgInternal     = "⚠️ Something went wrong. Please try again."
)
