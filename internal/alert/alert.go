// Package alert delivers operator health alerts over every configured channel.
package alert

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/example/termin-watch/internal/chat"
	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type Alerter interface {
	Alert(ctx context.Context, message string) error
}

// Multi fans an alert out to every channel and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, message string) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records the alert; it is always part of the fan-out.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Alert(_ context.Context, message string) error {
	l.Logger.Error().Str("alert", message).Msg("health alert")
	return nil
}

// Chat sends the alert to the operator's chat.
type Chat struct {
	Messenger chat.Messenger
	ChatID    int64
}

func (c Chat) Alert(ctx context.Context, message string) error {
	if _, err := c.Messenger.Send(ctx, c.ChatID, chat.Message{Text: "⚠️ <b>Alert</b>\n\n" + html.EscapeString(message)}); err != nil {
		return fmt.Errorf("alert chat: %w", err)
	}
	return nil
}

type messageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// SMS sends the alert as a text message through Twilio.
type SMS struct {
	api      messageCreator
	from, to string
}

func NewSMS(accountSID, authToken, from, to string) *SMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   accountSID,
		Password:   authToken,
		AccountSid: accountSID,
	})
	return &SMS{api: client.Api, from: from, to: to}
}

func (s *SMS) Alert(_ context.Context, message string) error {
	params := &openapi.CreateMessageParams{}
	params.SetTo(s.to)
	params.SetFrom(s.from)
	params.SetBody("terminwatch: " + message)
	if _, err := s.api.CreateMessage(params); err != nil {
		return fmt.Errorf("alert sms: %w", err)
	}
	return nil
}

// Email sends the alert through SendGrid.
type Email struct {
	send     func(*mail.SGMailV3) (status int, err error)
	from, to *mail.Email
}

func NewEmail(apiKey, from, to string) *Email {
	client := sendgrid.NewSendClient(apiKey)
	return &Email{
		send: func(m *mail.SGMailV3) (int, error) {
			res, err := client.Send(m)
			if err != nil {
				return 0, err
			}
			return res.StatusCode, nil
		},
		from: mail.NewEmail("terminwatch", from),
		to:   mail.NewEmail("", to),
	}
}

func (e *Email) Alert(_ context.Context, message string) error {
	m := mail.NewSingleEmail(e.from, "terminwatch health alert", e.to, message, "<p>"+html.EscapeString(message)+"</p>")
	status, err := e.send(m)
	if err != nil {
		return fmt.Errorf("alert email: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("alert email: sendgrid status %d", status)
	}
	return nil
}
