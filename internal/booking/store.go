package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/termin-watch/internal/db"
)

// Cipher seals the personal fields of a session at rest.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// PGStore keeps sessions in the booking_sessions table. With a nil cipher
// fields are stored in clear.
type PGStore struct {
	db     *db.DB
	cipher Cipher
}

func NewPGStore(d *db.DB, c Cipher) *PGStore { return &PGStore{db: d, cipher: c} }

func (p *PGStore) seal(fields ...*string) error {
	if p.cipher == nil {
		return nil
	}
	for _, f := range fields {
		v, err := p.cipher.Seal(*f)
		if err != nil {
			return fmt.Errorf("seal session: %w", err)
		}
		*f = v
	}
	return nil
}

func (p *PGStore) open(fields ...*string) error {
	if p.cipher == nil {
		return nil
	}
	for _, f := range fields {
		v, err := p.cipher.Open(*f)
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		*f = v
	}
	return nil
}

func (p *PGStore) Put(ctx context.Context, s Session) error {
	var ts *int64
	if s.Timestamp != 0 {
		ts = &s.Timestamp
	}
	offered := s.Offered
	if offered == nil {
		offered = []int64{}
	}
	if err := p.seal(&s.CaptchaToken, &s.Name, &s.Email); err != nil {
		return err
	}
	_, err := p.db.Exec(ctx, `
INSERT INTO booking_sessions
    (user_id, state, service_id, office_id, date, captcha_token, offered_slots, slot_timestamp, full_name, email, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
ON CONFLICT (user_id) DO UPDATE SET
    state = EXCLUDED.state,
    service_id = EXCLUDED.service_id,
    office_id = EXCLUDED.office_id,
    date = EXCLUDED.date,
    captcha_token = EXCLUDED.captcha_token,
    offered_slots = EXCLUDED.offered_slots,
    slot_timestamp = EXCLUDED.slot_timestamp,
    full_name = EXCLUDED.full_name,
    email = EXCLUDED.email,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at`,
		s.UserID, string(s.State), s.ServiceID, s.OfficeID, s.Date, s.CaptchaToken, offered, ts, s.Name, s.Email,
		s.CreatedAt, s.UpdatedAt, s.ExpiresAt)
	return err
}

func (p *PGStore) Get(ctx context.Context, userID int64) (Session, error) {
	var (
		s     Session
		state string
		ts    *int64
	)
	err := p.db.QueryRow(ctx, `
SELECT user_id, state, service_id, office_id, date, captcha_token, offered_slots, slot_timestamp,
       COALESCE(full_name, ''), COALESCE(email, ''), created_at, updated_at, expires_at
FROM booking_sessions WHERE user_id=$1`, userID).Scan(
		&s.UserID, &state, &s.ServiceID, &s.OfficeID, &s.Date, &s.CaptchaToken, &s.Offered, &ts,
		&s.Name, &s.Email, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(db.WrapNotFound(err), db.ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if err := p.open(&s.CaptchaToken, &s.Name, &s.Email); err != nil {
		return Session{}, err
	}
	s.State = State(state)
	if ts != nil {
		s.Timestamp = *ts
	}
	return s, nil
}

func (p *PGStore) Delete(ctx context.Context, userID int64) (bool, error) {
	n, err := p.db.Exec(ctx, `DELETE FROM booking_sessions WHERE user_id=$1`, userID)
	return n > 0, err
}

func (p *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return p.db.Exec(ctx, `DELETE FROM booking_sessions WHERE expires_at < $1`, now)
}
