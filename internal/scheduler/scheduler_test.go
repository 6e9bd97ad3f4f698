package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/notify"
	"github.com/example/termin-watch/internal/subscriptions"
	"github.com/example/termin-watch/internal/testfixtures"
	"github.com/rs/zerolog"
)

type stubSubs []subscriptions.Subscription

func (s stubSubs) All(context.Context) ([]subscriptions.Subscription, error) { return s, nil }

type stubRanges map[int64]subscriptions.DateRange

func (s stubRanges) DateRanges(_ context.Context, _ []int64, _ time.Time) (map[int64]subscriptions.DateRange, error) {
	return s, nil
}

type stubKeeper struct {
	calls int
	err   error
}

func (k *stubKeeper) Ensure(context.Context) (captcha.Credential, bool, error) {
	k.calls++
	if k.err != nil {
		return captcha.Credential{}, false, k.err
	}
	return captcha.Credential{Token: "tok"}, k.calls == 1, nil
}

type stubAPI struct {
	body    string
	err     error
	panics  bool
	queries []munich.DaysQuery
}

func (a *stubAPI) AvailableDays(_ context.Context, q munich.DaysQuery) ([]byte, error) {
	if a.panics {
		panic("unexpected shape")
	}
	a.queries = append(a.queries, q)
	return []byte(a.body), a.err
}

type logRow struct {
	serviceID, officeID int
	data                json.RawMessage
}

type stubLog struct{ rows []logRow }

func (l *stubLog) Append(_ context.Context, serviceID, officeID int, _ time.Time, data json.RawMessage) error {
	l.rows = append(l.rows, logRow{serviceID, officeID, data})
	return nil
}

type stubNotifier struct{ events []notify.Event }

func (n *stubNotifier) Notify(_ context.Context, ev notify.Event) notify.Report {
	n.events = append(n.events, ev)
	return notify.Report{Sent: len(ev.UserIDs)}
}

type stubSweeper struct{ calls int }

func (s *stubSweeper) Sweep(context.Context) (int64, error) {
	s.calls++
	return 0, nil
}

type stubAlerter struct{ messages []string }

func (a *stubAlerter) Alert(_ context.Context, msg string) error {
	a.messages = append(a.messages, msg)
	return nil
}

type harness struct {
	keeper   *stubKeeper
	api      *stubAPI
	log      *stubLog
	notifier *stubNotifier
	sweeper  *stubSweeper
	alerter  *stubAlerter
	s        *Scheduler
}

func newHarness(subs stubSubs, ranges stubRanges, body string, apiErr error) *harness {
	clock := testfixtures.NewClock(time.Time{})
	h := &harness{
		keeper:   &stubKeeper{},
		api:      &stubAPI{body: body, err: apiErr},
		log:      &stubLog{},
		notifier: &stubNotifier{},
		sweeper:  &stubSweeper{},
		alerter:  &stubAlerter{},
	}
	h.s = &Scheduler{
		Subscriptions:    subs,
		Users:            ranges,
		Credentials:      h.keeper,
		API:              h.api,
		Appointments:     h.log,
		Notifier:         h.notifier,
		Sessions:         h.sweeper,
		Alerter:          h.alerter,
		Stats:            NewStats(clock.Now()),
		Interval:         time.Minute,
		FailureThreshold: 5,
		SweepEvery:       5,
		Now:              clock.Now,
		Log:              zerolog.Nop(),
	}
	return h
}

func TestCycleAvailabilityFound(t *testing.T) {
	subs := stubSubs{
		{UserID: 1, ServiceID: 1063453, OfficeID: 10461},
		{UserID: 2, ServiceID: 1063453, OfficeID: 10461},
	}
	body := `{"availableDays":[{"time":"2025-03-14","providerIDs":"10461"},{"time":"2025-03-17","providerIDs":"10461"}]}`
	h := newHarness(subs, stubRanges{}, body, nil)

	h.s.Cycle(context.Background())

	if len(h.api.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(h.api.queries))
	}
	q := h.api.queries[0]
	if q.StartDate != "2025-03-10" || q.EndDate != "2025-05-09" || q.Token != "tok" {
		t.Fatalf("query = %+v", q)
	}
	if len(h.log.rows) != 1 || h.log.rows[0].serviceID != 1063453 || string(h.log.rows[0].data) != body {
		t.Fatalf("log rows = %+v", h.log.rows)
	}
	if len(h.notifier.events) != 1 {
		t.Fatalf("notify calls = %d", len(h.notifier.events))
	}
	ev := h.notifier.events[0]
	if len(ev.UserIDs) != 2 || strings.Join(ev.Dates, ",") != "2025-03-14,2025-03-17" || ev.Token != "tok" {
		t.Fatalf("event = %+v", ev)
	}

	snap := h.s.Stats.Snapshot()
	if snap.TotalChecks != 1 || snap.SuccessfulChecks != 1 || snap.AppointmentsFound != 1 || snap.ConsecutiveFailure != 0 {
		t.Fatalf("stats = %+v", snap)
	}
	if snap.LastSuccess.IsZero() {
		t.Fatal("LastSuccess not set")
	}
}

func TestCycleSplitsByDateRange(t *testing.T) {
	subs := stubSubs{
		{UserID: 1, ServiceID: 1, OfficeID: 2},
		{UserID: 2, ServiceID: 1, OfficeID: 2},
	}
	ranges := stubRanges{2: {Start: "2025-04-01", End: "2025-04-10"}}
	h := newHarness(subs, ranges, `{"availableDays":[]}`, nil)

	h.s.Cycle(context.Background())

	if len(h.api.queries) != 2 {
		t.Fatalf("queries = %d, want one per date range", len(h.api.queries))
	}
	if len(h.notifier.events) != 0 || len(h.log.rows) != 0 {
		t.Fatal("empty result should not notify or log")
	}
	snap := h.s.Stats.Snapshot()
	if snap.SuccessfulChecks != 2 || snap.FailedChecks != 0 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestCycleConsecutiveFailuresAlert(t *testing.T) {
	subs := stubSubs{{UserID: 1, ServiceID: 1, OfficeID: 2}}
	h := newHarness(subs, stubRanges{}, "", &munich.StatusError{Method: "GET", Endpoint: "available-days-by-office/", Status: 503})

	for i := 0; i < 4; i++ {
		h.s.Cycle(context.Background())
	}
	if len(h.alerter.messages) != 0 {
		t.Fatal("alerted before threshold")
	}

	h.s.Cycle(context.Background())
	if len(h.alerter.messages) != 1 {
		t.Fatalf("alerts = %d, want 1", len(h.alerter.messages))
	}
	if !strings.HasPrefix(h.alerter.messages[0], "Bot has failed 5 consecutive checks! Last error:") {
		t.Fatalf("alert = %q", h.alerter.messages[0])
	}
	snap := h.s.Stats.Snapshot()
	if snap.FailedChecks != 5 || snap.ConsecutiveFailure != 5 || snap.TotalChecks != 5 {
		t.Fatalf("stats = %+v", snap)
	}

	h.s.Cycle(context.Background())
	if len(h.alerter.messages) != 1 {
		t.Fatal("alerted again before the next multiple")
	}

	h.api.err, h.api.body = nil, `{"availableDays":[]}`
	h.s.Cycle(context.Background())
	if got := h.s.Stats.Snapshot().ConsecutiveFailure; got != 0 {
		t.Fatalf("consecutive after success = %d", got)
	}
}

func TestCycleErrorCodeCountsAsFailure(t *testing.T) {
	subs := stubSubs{{UserID: 1, ServiceID: 1, OfficeID: 2}}
	h := newHarness(subs, stubRanges{}, `{"errorCode":"captchaInvalid","errorMessage":"bad"}`, nil)

	h.s.Cycle(context.Background())

	snap := h.s.Stats.Snapshot()
	if snap.FailedChecks != 1 || snap.SuccessfulChecks != 0 || snap.ConsecutiveFailure != 1 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestCycleCredentialFailure(t *testing.T) {
	subs := stubSubs{{UserID: 1, ServiceID: 1, OfficeID: 2}}
	h := newHarness(subs, stubRanges{}, "", nil)
	h.keeper.err = errors.New("captcha verify: rejected")

	for i := 0; i < 5; i++ {
		h.s.Cycle(context.Background())
	}
	if len(h.api.queries) != 0 {
		t.Fatal("queried without a credential")
	}
	if len(h.alerter.messages) != 1 || !strings.Contains(h.alerter.messages[0], "rejected") {
		t.Fatalf("alerts = %v", h.alerter.messages)
	}
}

func TestCycleWithoutSubscriptions(t *testing.T) {
	h := newHarness(nil, stubRanges{}, "", nil)

	h.s.Cycle(context.Background())

	if h.keeper.calls != 0 {
		t.Fatal("credential refreshed with nothing to poll")
	}
	snap := h.s.Stats.Snapshot()
	if snap.TotalChecks != 1 || snap.FailedChecks != 0 || snap.SuccessfulChecks != 0 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestCycleSweepsEveryFifth(t *testing.T) {
	h := newHarness(nil, stubRanges{}, "", nil)
	for i := 0; i < 11; i++ {
		h.s.Cycle(context.Background())
	}
	if h.sweeper.calls != 2 {
		t.Fatalf("sweeps = %d, want 2", h.sweeper.calls)
	}
}

func TestCycleRecoversPanic(t *testing.T) {
	subs := stubSubs{{UserID: 1, ServiceID: 1, OfficeID: 2}}
	h := newHarness(subs, stubRanges{}, "", nil)
	h.api.panics = true

	h.s.Cycle(context.Background())

	if got := h.s.Stats.Snapshot().FailedChecks; got != 1 {
		t.Fatalf("FailedChecks = %d", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(nil, stubRanges{}, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
