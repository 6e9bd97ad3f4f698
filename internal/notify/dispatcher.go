// Package notify tells subscribers about newly found appointment days.
//
// Delivery is two-phase: every recipient first gets a short message right
// away, which is then edited in the background once slot times for the
// first few days have been fetched.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/example/termin-watch/internal/booking"
	"github.com/example/termin-watch/internal/chat"
	"github.com/example/termin-watch/internal/munich"
	"github.com/rs/zerolog"
)

const (
	maxDates = 5
	maxTimes = 5
)

type BookingChecker interface {
	InBooking(ctx context.Context, userID int64) (bool, error)
}

type SlotSource interface {
	AvailableAppointments(ctx context.Context, date string, officeID, serviceID int, token string) (munich.Appointments, error)
}

// Event is one discovery to announce.
type Event struct {
	UserIDs   []int64
	ServiceID int
	OfficeID  int
	Dates     []string
	// Token is the credential snapshot used to fetch slot times.
	Token string
}

// Report summarizes the immediate phase of a dispatch.
type Report struct {
	Sent    int
	Skipped int
	Failed  int
}

type Dispatcher struct {
	Messenger   chat.Messenger
	Bookings    BookingChecker
	Slots       SlotSource
	ServiceName func(serviceID int) string
	Log         zerolog.Logger

	wg sync.WaitGroup
}

type sent struct {
	userID    int64
	messageID int
}

// Notify sends the initial message to every eligible recipient and starts
// the enrichment phase. A failure for one recipient does not affect others.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) Report {
	var rep Report
	var delivered []sent

	initial := d.initialMessage(ev)
	for _, uid := range ev.UserIDs {
		in, err := d.Bookings.InBooking(ctx, uid)
		if err != nil {
			d.Log.Warn().Err(err).Int64("user_id", uid).Msg("booking lookup failed, notifying anyway")
		}
		if in {
			rep.Skipped++
			d.Log.Debug().Int64("user_id", uid).Msg("user is booking, notification skipped")
			continue
		}
		mid, err := d.Messenger.Send(ctx, uid, initial)
		if err != nil {
			rep.Failed++
			d.Log.Warn().Err(err).Int64("user_id", uid).Msg("send notification")
			continue
		}
		rep.Sent++
		delivered = append(delivered, sent{userID: uid, messageID: mid})
	}

	if len(delivered) > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.enrich(ctx, ev, delivered)
		}()
	}
	return rep
}

// Wait blocks until all enrichment goroutines have finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) enrich(ctx context.Context, ev Event, delivered []sent) {
	dates := ev.Dates
	if len(dates) > maxDates {
		dates = dates[:maxDates]
	}

	times := make(map[string][]string, len(dates))
	for _, date := range dates {
		apps, err := d.Slots.AvailableAppointments(ctx, date, ev.OfficeID, ev.ServiceID, ev.Token)
		if err != nil {
			d.Log.Warn().Err(err).Str("date", date).Msg("fetch slot times")
			continue
		}
		stamps := apps.For(ev.OfficeID)
		if len(stamps) > maxTimes {
			stamps = stamps[:maxTimes]
		}
		for _, ts := range stamps {
			times[date] = append(times[date], munich.SlotTime(ts))
		}
	}

	detail := d.detailMessage(ev, dates, times)
	for _, s := range delivered {
		if err := d.Messenger.Edit(ctx, s.userID, s.messageID, detail); err != nil {
			d.Log.Warn().Err(err).Int64("user_id", s.userID).Msg("edit notification")
		}
	}
}

func (d *Dispatcher) serviceName(id int) string {
	if d.ServiceName == nil {
		return fmt.Sprintf("Service %d", id)
	}
	return d.ServiceName(id)
}

func (d *Dispatcher) header(ev Event) string {
	return fmt.Sprintf("🎉 <b>APPOINTMENT AVAILABLE!</b>\n\n🏛 %s\n\n", html.EscapeString(d.serviceName(ev.ServiceID)))
}

func (d *Dispatcher) initialMessage(ev Event) chat.Message {
	var b strings.Builder
	b.WriteString(d.header(ev))
	b.WriteString("📅 <b>Available dates:</b>\n")
	for i, date := range ev.Dates {
		if i == maxDates {
			fmt.Fprintf(&b, "... and %d more days\n", len(ev.Dates)-maxDates)
			break
		}
		fmt.Fprintf(&b, "• %s\n", date)
	}
	fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">Book on the city website</a>\n\n⏳ Loading time slots...",
		munich.BookingURL(ev.ServiceID, ev.OfficeID))
	return chat.Message{Text: b.String()}
}

func (d *Dispatcher) detailMessage(ev Event, dates []string, times map[string][]string) chat.Message {
	var b strings.Builder
	b.WriteString(d.header(ev))
	b.WriteString("📅 <b>Available dates and times:</b>\n")
	for _, date := range dates {
		if ts := times[date]; len(ts) > 0 {
			fmt.Fprintf(&b, "• <b>%s</b>: %s\n", date, strings.Join(ts, ", "))
		} else {
			fmt.Fprintf(&b, "• <b>%s</b>\n", date)
		}
	}
	if extra := len(ev.Dates) - len(dates); extra > 0 {
		fmt.Fprintf(&b, "... and %d more days\n", extra)
	}
	b.WriteString("\nTap a date to book it here, or use the website.")

	rows := make([][]chat.Button, 0, len(dates)+1)
	for _, date := range dates {
		rows = append(rows, chat.Row(chat.Button{
			Text: "📅 Book: " + date,
			Data: booking.BookCallback(date, ev.OfficeID, ev.ServiceID),
		}))
	}
	rows = append(rows, chat.Row(chat.Button{
		Text: "🌐 Book manually on website",
		URL:  munich.BookingURL(ev.ServiceID, ev.OfficeID),
	}))
	return chat.Message{Text: b.String(), Buttons: rows}
}
