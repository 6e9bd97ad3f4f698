// Package chat holds the transport-neutral message types shared by the
// notification and booking flows.
package chat

import "context"

// Button is an inline button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Message is an HTML-formatted message with an optional inline keyboard,
// one slice per row.
type Message struct {
	Text    string
	Buttons [][]Button
}

// Messenger delivers messages to a chat.
type Messenger interface {
	Send(ctx context.Context, chatID int64, msg Message) (messageID int, err error)
	Edit(ctx context.Context, chatID int64, messageID int, msg Message) error
}

// Row is a convenience for building single-row keyboards.
func Row(buttons ...Button) []Button { return buttons }
