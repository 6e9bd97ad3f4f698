package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/example/termin-watch/internal/chat"
	"github.com/example/termin-watch/internal/db"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/subscriptions"
	"github.com/example/termin-watch/internal/users"
)

const (
	msgInternal = "Something went wrong, please try again later."
	msgUnknown  = "I did not understand that. Send /help for the list of commands."

	msgHelp = `<b>Munich appointment watcher</b>

/services &lt;name&gt; - find a service id
/subscribe &lt;serviceId&gt; [officeId] - watch a service
/unsubscribe &lt;serviceId&gt; - stop watching a service
/myservices - list what you watch
/setdates &lt;YYYY-MM-DD&gt; &lt;YYYY-MM-DD&gt; - limit the search window
/setdates reset - search the next 60 days
/stop - unsubscribe from everything
/status - bot health
/stats - your statistics`

	msgServicesUsage    = "Usage: /services &lt;part of the service name&gt;"
	msgSubscribeUsage   = "Usage: /subscribe &lt;serviceId&gt; [officeId]"
	msgUnsubscribeUsage = "Usage: /unsubscribe &lt;serviceId&gt;"
	msgSetDatesUsage    = "Usage: /setdates &lt;YYYY-MM-DD&gt; &lt;YYYY-MM-DD&gt; or /setdates reset"

	dateTimeLayout = "02.01.2006 15:04"

	maxSearchResults = 15
)

func (r *Router) command(ctx context.Context, userID int64, name, args string) (chat.Message, error) {
	switch name {
	case "start", "help":
		return chat.Message{Text: msgHelp}, nil
	case "services":
		return r.services(ctx, args)
	case "subscribe":
		return r.subscribe(ctx, userID, args)
	case "unsubscribe":
		return r.unsubscribe(ctx, userID, args)
	case "stop":
		return r.stop(ctx, userID)
	case "setdates":
		return r.setDates(ctx, userID, args)
	case "myservices":
		return r.myServices(ctx, userID)
	case "status":
		return r.status(ctx)
	case "stats":
		return r.userStats(ctx, userID)
	}
	return chat.Message{Text: msgUnknown}, nil
}

func (r *Router) services(ctx context.Context, query string) (chat.Message, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < 3 {
		return chat.Message{Text: msgServicesUsage}, nil
	}
	found, err := r.Catalog.Search(ctx, query)
	if err != nil {
		return chat.Message{}, fmt.Errorf("search services: %w", err)
	}
	if len(found) == 0 {
		return chat.Message{Text: fmt.Sprintf("No service matches %q.", html.EscapeString(query))}, nil
	}

	var b strings.Builder
	b.WriteString("<b>Matching services</b>\n\n")
	for i, svc := range found {
		if i == maxSearchResults {
			fmt.Fprintf(&b, "\n…and %d more, please refine the search.", len(found)-i)
			break
		}
		fmt.Fprintf(&b, "<code>%d</code> %s\n", svc.ID, html.EscapeString(svc.Name))
	}
	b.WriteString("\nSubscribe with /subscribe &lt;serviceId&gt;")
	return chat.Message{Text: b.String()}, nil
}

func (r *Router) subscribe(ctx context.Context, userID int64, args string) (chat.Message, error) {
	f := strings.Fields(args)
	if len(f) == 0 || len(f) > 2 {
		return chat.Message{Text: msgSubscribeUsage}, nil
	}
	serviceID, err := strconv.Atoi(f[0])
	if err != nil || serviceID <= 0 {
		return chat.Message{Text: msgSubscribeUsage}, nil
	}
	svc, ok := r.Catalog.Service(ctx, serviceID)
	if !ok {
		return chat.Message{Text: fmt.Sprintf("Unknown service %d.", serviceID)}, nil
	}

	var officeID int
	if len(f) == 2 {
		if officeID, err = strconv.Atoi(f[1]); err != nil || officeID <= 0 {
			return chat.Message{Text: msgSubscribeUsage}, nil
		}
	} else {
		officeID = r.Catalog.DefaultOffice(ctx, serviceID)
	}

	if err := r.Subscriptions.Add(ctx, userID, serviceID, officeID); err != nil {
		return chat.Message{}, fmt.Errorf("subscribe: %w", err)
	}
	return chat.Message{
		Text: fmt.Sprintf("✅ Watching <b>%s</b> at office %d. I will message you when appointments show up.",
			html.EscapeString(svc.Name), officeID),
		Buttons: [][]chat.Button{chat.Row(chat.Button{Text: "🌐 Booking page", URL: munich.BookingURL(serviceID, officeID)})},
	}, nil
}

func (r *Router) unsubscribe(ctx context.Context, userID int64, args string) (chat.Message, error) {
	f := strings.Fields(args)
	if len(f) != 1 {
		return chat.Message{Text: msgUnsubscribeUsage}, nil
	}
	serviceID, err := strconv.Atoi(f[0])
	if err != nil {
		return chat.Message{Text: msgUnsubscribeUsage}, nil
	}
	removed, err := r.Subscriptions.Remove(ctx, userID, serviceID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("unsubscribe: %w", err)
	}
	if !removed {
		return chat.Message{Text: fmt.Sprintf("You are not watching service %d.", serviceID)}, nil
	}
	return chat.Message{Text: fmt.Sprintf("Stopped watching <b>%s</b>.", html.EscapeString(r.Catalog.ServiceName(serviceID)))}, nil
}

func (r *Router) stop(ctx context.Context, userID int64) (chat.Message, error) {
	n, err := r.Subscriptions.RemoveAll(ctx, userID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("stop: %w", err)
	}
	if n == 0 {
		return chat.Message{Text: "You had no subscriptions."}, nil
	}
	return chat.Message{Text: fmt.Sprintf("Removed %d subscription(s). Send /subscribe to start again.", n)}, nil
}

func (r *Router) setDates(ctx context.Context, userID int64, args string) (chat.Message, error) {
	f := strings.Fields(args)
	switch {
	case len(f) == 1 && strings.EqualFold(f[0], "reset"):
		if err := r.Users.SetDateRange(ctx, userID, nil); err != nil {
			return chat.Message{}, fmt.Errorf("reset dates: %w", err)
		}
		return chat.Message{Text: "Date range reset. I will search the next 60 days."}, nil
	case len(f) != 2:
		return chat.Message{Text: msgSetDatesUsage}, nil
	}

	dr, err := users.ParseRange(f[0], f[1])
	if err != nil {
		if errors.Is(err, users.ErrInvalidRange) {
			return chat.Message{Text: "The start date must not be after the end date."}, nil
		}
		return chat.Message{Text: msgSetDatesUsage}, nil
	}
	if err := r.Users.SetDateRange(ctx, userID, &dr); err != nil {
		return chat.Message{}, fmt.Errorf("set dates: %w", err)
	}
	return chat.Message{Text: fmt.Sprintf("Searching from <b>%s</b> to <b>%s</b>.", dr.Start, dr.End)}, nil
}

func (r *Router) myServices(ctx context.Context, userID int64) (chat.Message, error) {
	subs, err := r.Subscriptions.ListByUser(ctx, userID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return chat.Message{Text: "You are not watching anything yet. Use /subscribe &lt;serviceId&gt;."}, nil
	}

	dr := users.DefaultRange(r.now())
	u, err := r.Users.Get(ctx, userID)
	switch {
	case err == nil:
		dr = u.DateRange(r.now())
	case !errors.Is(err, db.ErrNotFound):
		return chat.Message{}, fmt.Errorf("load user: %w", err)
	}

	var b strings.Builder
	b.WriteString("<b>Your subscriptions</b>\n\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "• %s (%d) at office %d\n", html.EscapeString(r.Catalog.ServiceName(s.ServiceID)), s.ServiceID, s.OfficeID)
	}
	fmt.Fprintf(&b, "\nDate range: %s to %s", dr.Start, dr.End)
	return chat.Message{Text: b.String()}, nil
}

func (r *Router) status(ctx context.Context) (chat.Message, error) {
	now := r.now()
	snap := r.Stats.Snapshot()

	userCount, err := r.Users.Count(ctx)
	if err != nil {
		return chat.Message{}, fmt.Errorf("count users: %w", err)
	}
	subs, err := r.Subscriptions.All(ctx)
	if err != nil {
		return chat.Message{}, fmt.Errorf("load subscriptions: %w", err)
	}

	var b strings.Builder
	b.WriteString("<b>Bot status</b>\n\n")
	fmt.Fprintf(&b, "Uptime: %s\n", formatUptime(snap.Uptime(now)))
	fmt.Fprintf(&b, "Users: %d\n", userCount)
	fmt.Fprintf(&b, "Watched targets: %d\n", len(subscriptions.GroupByServiceOffice(subs)))
	fmt.Fprintf(&b, "Checks: %d (%d ok, %d failed, %.1f%% success)\n",
		snap.TotalChecks, snap.SuccessfulChecks, snap.FailedChecks, snap.SuccessRate())
	fmt.Fprintf(&b, "Appointments found: %d\n", snap.AppointmentsFound)
	fmt.Fprintf(&b, "Last check: %s\n", formatTime(snap.LastCheck))
	fmt.Fprintf(&b, "Last success: %s\n", formatTime(snap.LastSuccess))
	if !snap.LastCheck.IsZero() && r.Interval > 0 {
		fmt.Fprintf(&b, "Next check: %s\n", formatTime(snap.LastCheck.Add(r.Interval)))
	}
	if snap.ConsecutiveFailure > 0 {
		fmt.Fprintf(&b, "⚠️ Consecutive failures: %d\n", snap.ConsecutiveFailure)
	}
	return chat.Message{Text: b.String()}, nil
}

func (r *Router) userStats(ctx context.Context, userID int64) (chat.Message, error) {
	subs, err := r.Subscriptions.ListByUser(ctx, userID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("list subscriptions: %w", err)
	}
	found, err := r.Appointments.CountForUser(ctx, userID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("count appointments: %w", err)
	}
	snap := r.Stats.Snapshot()

	var b strings.Builder
	b.WriteString("<b>Your statistics</b>\n\n")
	fmt.Fprintf(&b, "Subscriptions: %d\n", len(subs))
	fmt.Fprintf(&b, "Discoveries on your services: %d\n", found)
	fmt.Fprintf(&b, "\nBookings started: %d, completed: %d, failed: %d\n",
		snap.BookingsStarted, snap.BookingsCompleted, snap.BookingsFailed)
	return chat.Message{Text: b.String()}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.In(munich.Location).Format(dateTimeLayout)
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, d/time.Hour, (d%time.Hour)/time.Minute)
	}
	return fmt.Sprintf("%dh %dm", d/time.Hour, (d%time.Hour)/time.Minute)
}
