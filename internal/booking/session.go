package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// State is a step of the booking conversation.
type State string

const (
	SelectingTime State = "SELECTING_TIME"
	AskingName    State = "ASKING_NAME"
	AskingEmail   State = "ASKING_EMAIL"
	Confirming    State = "CONFIRMING"
)

var ErrNotFound = errors.New("booking: session not found")

// Session is a user's in-progress booking. CaptchaToken is the credential
// snapshot taken when the session started and is used for every remote
// call made on its behalf.
type Session struct {
	UserID       int64
	State        State
	ServiceID    int
	OfficeID     int
	Date         string
	CaptchaToken string
	Offered      []int64
	Timestamp    int64
	Name         string
	Email        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session is past its deadline at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store persists sessions keyed by user id.
type Store interface {
	// Put inserts s, replacing any session the user already has.
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, userID int64) (Session, error)
	Delete(ctx context.Context, userID int64) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sessions enforces the session lifecycle on top of a Store: one session
// per user, a deadline fixed at creation, and expired sessions treated as
// absent.
type Sessions struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

func NewSessions(store Store, ttl time.Duration, now func() time.Time, log zerolog.Logger) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{store: store, ttl: ttl, now: now, log: log}
}

// Create starts a session in SelectingTime, superseding any existing one.
// offered are the slot timestamps the user may pick from.
func (m *Sessions) Create(ctx context.Context, userID int64, serviceID, officeID int, date, token string, offered ...int64) (Session, error) {
	now := m.now()
	s := Session{
		UserID:       userID,
		State:        SelectingTime,
		ServiceID:    serviceID,
		OfficeID:     officeID,
		Date:         date,
		CaptchaToken: token,
		Offered:      offered,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, s); err != nil {
		return Session{}, fmt.Errorf("booking: create session: %w", err)
	}
	return s, nil
}

// Get returns the live session for userID. An expired session is deleted
// and reported as ErrNotFound.
func (m *Sessions) Get(ctx context.Context, userID int64) (Session, error) {
	s, err := m.store.Get(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if s.Expired(m.now()) {
		if _, err := m.store.Delete(ctx, userID); err != nil {
			m.log.Warn().Err(err).Int64("user_id", userID).Msg("delete expired session")
		}
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Update persists mutable fields of a live session. Identity and the
// deadline are preserved.
func (m *Sessions) Update(ctx context.Context, s Session) (Session, error) {
	cur, err := m.Get(ctx, s.UserID)
	if err != nil {
		return Session{}, err
	}
	s.CreatedAt = cur.CreatedAt
	s.ExpiresAt = cur.ExpiresAt
	s.UpdatedAt = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		return Session{}, fmt.Errorf("booking: update session: %w", err)
	}
	return s, nil
}

func (m *Sessions) Delete(ctx context.Context, userID int64) error {
	_, err := m.store.Delete(ctx, userID)
	return err
}

// InBooking reports whether the user has a live session.
func (m *Sessions) InBooking(ctx context.Context, userID int64) (bool, error) {
	_, err := m.Get(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Sweep removes every expired session and returns how many were removed.
func (m *Sessions) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int64("removed", n).Msg("expired booking sessions swept")
	}
	return n, nil
}
