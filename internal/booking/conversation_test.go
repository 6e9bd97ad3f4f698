package booking

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/chat"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/testfixtures"
	"github.com/rs/zerolog"
)

type stubReservations struct {
	reserveErr, updateErr, preconfirmErr error

	reserves, updates, preconfirms int
	lastReserve                    munich.ReserveRequest
	lastUpdate                     munich.AppointmentUpdate
}

func (s *stubReservations) Reserve(_ context.Context, req munich.ReserveRequest) (munich.Reservation, error) {
	s.reserves++
	s.lastReserve = req
	if s.reserveErr != nil {
		return munich.Reservation{}, s.reserveErr
	}
	return munich.Reservation{
		ProcessID: 42,
		AuthKey:   "auth",
		Timestamp: json.RawMessage(`"1741600800"`),
		Scope:     json.RawMessage(`{"provider":{"name":"Bürgerbüro Ruppertstraße"}}`),
	}, nil
}

func (s *stubReservations) UpdateAppointment(_ context.Context, u munich.AppointmentUpdate) (json.RawMessage, error) {
	s.updates++
	s.lastUpdate = u
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return json.RawMessage(`{"processId":42}`), nil
}

func (s *stubReservations) PreconfirmAppointment(_ context.Context, u munich.AppointmentUpdate) (json.RawMessage, error) {
	s.preconfirms++
	if s.preconfirmErr != nil {
		return nil, s.preconfirmErr
	}
	return json.RawMessage(`{"processId":42,"status":"preconfirmed"}`), nil
}

func TestBookerStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name     string
		api      *stubReservations
		wantStep string
		calls    [3]int
	}{
		{"success", &stubReservations{}, "", [3]int{1, 1, 1}},
		{"reserve fails", &stubReservations{reserveErr: munich.ErrIncompleteReservation}, "reserve", [3]int{1, 0, 0}},
		{"update fails", &stubReservations{updateErr: munich.ErrEmptyResult}, "update", [3]int{1, 1, 0}},
		{"preconfirm fails", &stubReservations{preconfirmErr: munich.ErrTransport}, "preconfirm", [3]int{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Booker{API: tt.api, ServiceName: func(int) string { return "Reisepass" }, Log: zerolog.Nop()}
			conf, err := b.Book(context.Background(), Request{
				Timestamp: 1741600800, OfficeID: 10461, ServiceID: 1063453, Token: "snap", Name: "Max Mustermann", Email: "max@example.com",
			})

			got := [3]int{tt.api.reserves, tt.api.updates, tt.api.preconfirms}
			if got != tt.calls {
				t.Fatalf("calls = %v, want %v", got, tt.calls)
			}
			if tt.wantStep == "" {
				if err != nil || conf.ProcessID != 42 {
					t.Fatalf("Book = %+v, %v", conf, err)
				}
				if tt.api.lastUpdate.OfficeName != "Bürgerbüro Ruppertstraße" || tt.api.lastUpdate.ServiceName != "Reisepass" {
					t.Fatalf("update body = %+v", tt.api.lastUpdate)
				}
				return
			}
			var se *StepError
			if !errors.As(err, &se) || se.Step != tt.wantStep {
				t.Fatalf("err = %v, want step %q", err, tt.wantStep)
			}
		})
	}
}

type stubSlots struct {
	stamps []int64
	err    error
	tokens []string
}

func (s *stubSlots) AvailableAppointments(_ context.Context, _ string, officeID, _ int, token string) (munich.Appointments, error) {
	s.tokens = append(s.tokens, token)
	if s.err != nil {
		return munich.Appointments{}, s.err
	}
	return munich.Appointments{Offices: []munich.OfficeAppointments{{OfficeID: officeID, Appointments: s.stamps}}}, nil
}

type staticCredential struct{ cred captcha.Credential }

func (s staticCredential) Current() captcha.Credential { return s.cred }

type countingRecorder struct{ started, ok, failed int }

func (r *countingRecorder) BookingStarted() { r.started++ }
func (r *countingRecorder) BookingCompleted(ok bool) {
	if ok {
		r.ok++
	} else {
		r.failed++
	}
}

type fixture struct {
	clock    *testfixtures.Clock
	store    *memStore
	slots    *stubSlots
	api      *stubReservations
	recorder *countingRecorder
	conv     *Conversation
}

func newFixture() *fixture {
	f := &fixture{
		clock:    testfixtures.NewClock(time.Time{}),
		store:    newMemStore(),
		slots:    &stubSlots{stamps: []int64{1741600800, 1741602600, 1741604400}},
		api:      &stubReservations{},
		recorder: &countingRecorder{},
	}
	f.conv = f.newConversation()
	return f
}

// newConversation shares the store, as a restarted process would.
func (f *fixture) newConversation() *Conversation {
	return &Conversation{
		Sessions: NewSessions(f.store, 15*time.Minute, f.clock.Now, zerolog.Nop()),
		Slots:    f.slots,
		Credentials: staticCredential{captcha.Credential{
			Token: "snap-token", ObtainedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Hour),
		}},
		Booker:   &Booker{API: f.api, Log: zerolog.Nop()},
		Recorder: f.recorder,
		Now:      f.clock.Now,
		Log:      zerolog.Nop(),
	}
}

func callbackData(msg chat.Message) []string {
	var out []string
	for _, row := range msg.Buttons {
		for _, b := range row {
			out = append(out, b.Data)
		}
	}
	return out
}

func expectHandled(t *testing.T) func(chat.Message, bool) chat.Message {
	return func(msg chat.Message, handled bool) chat.Message {
		t.Helper()
		if !handled {
			t.Fatal("action not handled")
		}
		return msg
	}
}

func TestConversationHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const user = 555

	msg := expectHandled(t)(f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453)))
	data := callbackData(msg)
	want := []string{"time_1741600800", "time_1741602600", "time_1741604400", CallbackCancel}
	if strings.Join(data, ",") != strings.Join(want, ",") {
		t.Fatalf("buttons = %v, want %v", data, want)
	}
	if !strings.Contains(msg.Buttons[0][0].Text, "11:00") {
		t.Fatalf("first slot label = %q, want Berlin time 11:00", msg.Buttons[0][0].Text)
	}

	expectHandled(t)(f.conv.HandleCallback(ctx, user, "time_1741602600"))
	expectHandled(t)(f.conv.HandleText(ctx, user, "Max Mustermann"))
	msg = expectHandled(t)(f.conv.HandleText(ctx, user, "Max@Example.com"))
	if !strings.Contains(msg.Text, "max@example.com") || !strings.Contains(msg.Text, "11:30") {
		t.Fatalf("confirmation prompt = %q", msg.Text)
	}

	// the shared credential rotating must not affect the session
	f.conv.Credentials = staticCredential{captcha.Credential{Token: "rotated", ExpiresAt: f.clock.Now().Add(time.Hour)}}

	msg = expectHandled(t)(f.conv.HandleCallback(ctx, user, CallbackConfirm))
	if !strings.Contains(msg.Text, "reserved") {
		t.Fatalf("final message = %q", msg.Text)
	}
	if f.api.lastReserve.CaptchaToken != "snap-token" || f.api.lastReserve.Timestamp != 1741602600 {
		t.Fatalf("reserve = %+v", f.api.lastReserve)
	}
	if f.api.lastUpdate.FamilyName != "Max Mustermann" || f.api.lastUpdate.Email != "max@example.com" {
		t.Fatalf("update = %+v", f.api.lastUpdate)
	}
	if f.store.len() != 0 || f.conv.Active(user) {
		t.Fatal("session survived completion")
	}
	if f.recorder.started != 1 || f.recorder.ok != 1 {
		t.Fatalf("recorder = %+v", f.recorder)
	}
}

func TestConversationCancelDuringEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const user = 7

	f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
	f.conv.HandleCallback(ctx, user, "time_1741600800")
	f.conv.HandleText(ctx, user, "Erika Musterfrau")

	s, err := f.conv.Sessions.Get(ctx, user)
	if err != nil || s.State != AskingEmail {
		t.Fatalf("session = %+v, %v", s, err)
	}

	msg := expectHandled(t)(f.conv.HandleCallback(ctx, user, CallbackCancel))
	if msg.Text != msgCancelled {
		t.Fatalf("reply = %q", msg.Text)
	}
	if f.store.len() != 0 {
		t.Fatal("session not deleted")
	}
	if f.api.reserves != 0 {
		t.Fatal("reserve called after cancel")
	}
}

func TestConversationFailedBookingDeletesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.api.updateErr = munich.ErrEmptyResult
	const user = 8

	f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
	f.conv.HandleCallback(ctx, user, "time_1741600800")
	f.conv.HandleText(ctx, user, "Erika Musterfrau")
	f.conv.HandleText(ctx, user, "erika@example.com")
	msg := expectHandled(t)(f.conv.HandleCallback(ctx, user, CallbackConfirm))

	if !strings.Contains(msg.Text, "failed") || len(msg.Buttons) != 1 || msg.Buttons[0][0].URL == "" {
		t.Fatalf("failure reply = %+v", msg)
	}
	if f.api.preconfirms != 0 {
		t.Fatal("preconfirm called after failed update")
	}
	if f.store.len() != 0 || f.recorder.failed != 1 {
		t.Fatal("failed booking left state behind")
	}
}

func TestConversationInvalidInputKeepsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const user = 9

	f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
	f.conv.HandleCallback(ctx, user, "time_1741600800")

	msg := expectHandled(t)(f.conv.HandleText(ctx, user, "Cher"))
	if !strings.HasPrefix(msg.Text, "❌") {
		t.Fatalf("reply = %q", msg.Text)
	}
	s, _ := f.conv.Sessions.Get(ctx, user)
	if s.State != AskingName || s.Name != "" {
		t.Fatalf("session mutated: %+v", s)
	}

	f.conv.HandleText(ctx, user, "Cher Sarkisian")
	f.conv.HandleText(ctx, user, "not-an-email")
	s, _ = f.conv.Sessions.Get(ctx, user)
	if s.State != AskingEmail || s.Email != "" {
		t.Fatalf("session mutated: %+v", s)
	}
}

func TestConversationRejectsTimeNotOffered(t *testing.T) {
	offered := []string{"time_1741600800", "time_1741602600", "time_1741604400", CallbackCancel}
	tests := []struct {
		name string
		data string
	}{
		{"far future", "time_1999999999"},
		{"next day same hour", "time_1741687200"},
		{"zero", "time_0"},
		{"not a number", "time_abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()
			const user = 12

			f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
			msg := expectHandled(t)(f.conv.HandleCallback(ctx, user, tt.data))
			if got := callbackData(msg); strings.Join(got, ",") != strings.Join(offered, ",") {
				t.Fatalf("re-prompt buttons = %v, want %v", got, offered)
			}
			s, err := f.conv.Sessions.Get(ctx, user)
			if err != nil || s.State != SelectingTime || s.Timestamp != 0 {
				t.Fatalf("session = %+v, %v", s, err)
			}

			expectHandled(t)(f.conv.HandleCallback(ctx, user, "time_1741604400"))
			if s, _ := f.conv.Sessions.Get(ctx, user); s.State != AskingName || s.Timestamp != 1741604400 {
				t.Fatalf("offered time not accepted: %+v", s)
			}
		})
	}
}

func TestConversationRefusesWithoutCredentialOrSlots(t *testing.T) {
	ctx := context.Background()

	f := newFixture()
	f.conv.Credentials = staticCredential{}
	msg := expectHandled(t)(f.conv.HandleCallback(ctx, 1, BookCallback("2025-03-10", 10461, 1063453)))
	if msg.Text != msgNoCredential || f.store.len() != 0 {
		t.Fatalf("no credential: %q, sessions %d", msg.Text, f.store.len())
	}

	f = newFixture()
	f.slots.stamps = nil
	msg = expectHandled(t)(f.conv.HandleCallback(ctx, 1, BookCallback("2025-03-10", 10461, 1063453)))
	if msg.Text != msgNoSlots || f.store.len() != 0 {
		t.Fatalf("no slots: %q, sessions %d", msg.Text, f.store.len())
	}
}

func TestConversationOrphanRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const user = 11

	f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
	if f.store.len() != 1 {
		t.Fatal("session not created")
	}

	restarted := f.newConversation()
	msg := expectHandled(t)(restarted.HandleCallback(ctx, user, "time_1741600800"))
	if msg.Text != msgInterrupted {
		t.Fatalf("reply = %q", msg.Text)
	}
	if f.store.len() != 0 {
		t.Fatal("orphaned session not deleted")
	}

	if _, handled := restarted.HandleText(ctx, user, "hello"); handled {
		t.Fatal("text after recovery should fall through")
	}
}

func TestConversationCommandCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const user = 12

	f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
	msg := expectHandled(t)(f.conv.HandleCommand(ctx, user))
	if msg.Text != msgCancelled || f.conv.Active(user) || f.store.len() != 0 {
		t.Fatalf("command did not cancel: %q", msg.Text)
	}
	if _, handled := f.conv.HandleCommand(ctx, user); handled {
		t.Fatal("command without booking should fall through")
	}
}

func TestConversationExpiredSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const user = 13

	f.conv.HandleCallback(ctx, user, BookCallback("2025-03-10", 10461, 1063453))
	f.clock.Advance(16 * time.Minute)

	msg := expectHandled(t)(f.conv.HandleCallback(ctx, user, "time_1741600800"))
	if msg.Text != msgExpired || f.conv.Active(user) {
		t.Fatalf("reply = %q", msg.Text)
	}
	if _, handled := f.conv.HandleCallback(ctx, user, "unrelated"); handled {
		t.Fatal("unrelated callback handled")
	}
}
