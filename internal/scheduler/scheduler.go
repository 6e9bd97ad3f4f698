package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/termin-watch/internal/alert"
	"github.com/example/termin-watch/internal/availability"
	"github.com/example/termin-watch/internal/captcha"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/notify"
	"github.com/example/termin-watch/internal/subscriptions"
	"github.com/example/termin-watch/internal/users"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type SubscriptionSource interface {
	All(ctx context.Context) ([]subscriptions.Subscription, error)
}

type DateRangeSource interface {
	DateRanges(ctx context.Context, ids []int64, now time.Time) (map[int64]subscriptions.DateRange, error)
}

type CredentialKeeper interface {
	Ensure(ctx context.Context) (captcha.Credential, bool, error)
}

type AvailabilityAPI interface {
	AvailableDays(ctx context.Context, q munich.DaysQuery) ([]byte, error)
}

type AppointmentLog interface {
	Append(ctx context.Context, serviceID, officeID int, foundAt time.Time, data json.RawMessage) error
}

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) notify.Report
}

type SessionSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Scheduler polls the remote API for every watched (service, office, date
// range) target, records discoveries and hands them to the notifier.
type Scheduler struct {
	Subscriptions SubscriptionSource
	Users         DateRangeSource
	Credentials   CredentialKeeper
	API           AvailabilityAPI
	Appointments  AppointmentLog
	Notifier      Notifier
	Sessions      SessionSweeper
	Alerter       alert.Alerter
	Stats         *Stats

	Interval         time.Duration
	FailureThreshold int
	SweepEvery       int
	Now              func() time.Time
	Log              zerolog.Logger

	cycles int
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run polls until ctx is cancelled, sleeping Interval between cycles.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Log.Info().Dur("interval", s.Interval).Msg("scheduler started")
	for {
		s.Cycle(ctx)

		t := time.NewTimer(s.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Cycle runs one polling pass. Every failure, including a panic, is counted
// as a failed check; nothing escapes.
func (s *Scheduler) Cycle(ctx context.Context) {
	started := time.Now()
	defer func() { cycleDuration.Observe(time.Since(started).Seconds()) }()

	now := s.now()
	s.cycles++
	s.Stats.cycleStarted(now)
	log := s.Log.With().Str("cycle", uuid.NewString()).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("cycle panicked")
			s.failed(ctx, log, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := s.cycle(ctx, log, now); err != nil {
		log.Error().Err(err).Msg("cycle failed")
		s.failed(ctx, log, err)
	}
}

func (s *Scheduler) cycle(ctx context.Context, log zerolog.Logger, now time.Time) error {
	if s.Sessions != nil && s.SweepEvery > 0 && s.cycles%s.SweepEvery == 0 {
		if _, err := s.Sessions.Sweep(ctx); err != nil {
			log.Warn().Err(err).Msg("sweep booking sessions")
		}
	}

	subs, err := s.Subscriptions.All(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		log.Debug().Msg("no subscriptions, skipping")
		return nil
	}

	cred, refreshed, err := s.Credentials.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	if refreshed {
		log.Debug().Time("expires_at", cred.ExpiresAt).Msg("using fresh credential")
	}

	ranges, err := s.Users.DateRanges(ctx, userIDs(subs), now)
	if err != nil {
		return fmt.Errorf("load date ranges: %w", err)
	}
	def := users.DefaultRange(now)
	rangeOf := func(id int64) subscriptions.DateRange {
		if r, ok := ranges[id]; ok {
			return r
		}
		return def
	}

	targets := subscriptions.Targets(subs, rangeOf)
	log.Debug().Int("subscriptions", len(subs)).Int("targets", len(targets)).Msg("checking targets")
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.check(ctx, log, cred, t)
	}
	return nil
}

func (s *Scheduler) check(ctx context.Context, log zerolog.Logger, cred captcha.Credential, t subscriptions.Target) {
	log = log.With().Int("service_id", t.ServiceID).Int("office_id", t.OfficeID).
		Str("start", t.Range.Start).Str("end", t.Range.End).Logger()

	raw, err := s.API.AvailableDays(ctx, munich.DaysQuery{
		StartDate: t.Range.Start,
		EndDate:   t.Range.End,
		OfficeID:  t.OfficeID,
		ServiceID: t.ServiceID,
		Token:     cred.Token,
	})
	var res availability.Result
	if err != nil {
		res = availability.FromError(err)
	} else {
		res = availability.Classify(raw)
	}

	switch res.Kind {
	case availability.Failed:
		log.Warn().Str("code", res.Code).Str("message", res.Message).Msg("availability check failed")
		s.failed(ctx, log, res.Err())

	case availability.Empty:
		s.Stats.checkSucceeded(s.now(), false)
		log.Debug().Msg("no appointments")

	case availability.Available:
		found := s.now()
		s.Stats.checkSucceeded(found, true)
		dates := res.Dates()
		log.Info().Int("days", len(dates)).Int("users", len(t.UserIDs)).Msg("appointments found")

		if err := s.Appointments.Append(ctx, t.ServiceID, t.OfficeID, found, res.Raw); err != nil {
			log.Warn().Err(err).Msg("append appointment log")
		}
		rep := s.Notifier.Notify(ctx, notify.Event{
			UserIDs:   t.UserIDs,
			ServiceID: t.ServiceID,
			OfficeID:  t.OfficeID,
			Dates:     dates,
			Token:     cred.Token,
		})
		log.Info().Int("sent", rep.Sent).Int("skipped", rep.Skipped).Int("failed", rep.Failed).Msg("notifications dispatched")
	}
}

// failed counts a failed check and alerts when the consecutive failure
// count reaches a multiple of the threshold.
func (s *Scheduler) failed(ctx context.Context, log zerolog.Logger, cause error) {
	n := s.Stats.checkFailed()
	if s.Alerter == nil || s.FailureThreshold <= 0 || n%s.FailureThreshold != 0 {
		return
	}
	msg := fmt.Sprintf("Bot has failed %d consecutive checks! Last error: %v", n, cause)
	if err := s.Alerter.Alert(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("deliver health alert")
	}
}

func userIDs(subs []subscriptions.Subscription) []int64 {
	seen := make(map[int64]bool, len(subs))
	var out []int64
	for _, s := range subs {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			out = append(out, s.UserID)
		}
	}
	return out
}
