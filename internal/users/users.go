package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/termin-watch/internal/db"
	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/subscriptions"
)

const (
	dateLayout = "2006-01-02"
	// DefaultWindowDays is how far ahead a user without custom dates is searched.
	DefaultWindowDays = 60
)

var ErrInvalidRange = errors.New("users: start date must not be after end date")

type User struct {
	ID           int64
	Username     string
	Language     string
	StartDate    *string
	EndDate      *string
	SubscribedAt time.Time
}

// DefaultRange is [today, today+60d] on the Munich calendar, whatever
// zone now carries.
func DefaultRange(now time.Time) subscriptions.DateRange {
	local := now.In(munich.Location)
	return subscriptions.DateRange{
		Start: local.Format(dateLayout),
		End:   local.AddDate(0, 0, DefaultWindowDays).Format(dateLayout),
	}
}

// DateRange returns the user's custom range when both ends are set, the
// default otherwise.
func (u User) DateRange(now time.Time) subscriptions.DateRange {
	if u.StartDate != nil && u.EndDate != nil && *u.StartDate != "" && *u.EndDate != "" {
		return subscriptions.DateRange{Start: *u.StartDate, End: *u.EndDate}
	}
	return DefaultRange(now)
}

// ParseRange validates a pair of ISO dates.
func ParseRange(start, end string) (subscriptions.DateRange, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return subscriptions.DateRange{}, fmt.Errorf("users: invalid start date %q", start)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return subscriptions.DateRange{}, fmt.Errorf("users: invalid end date %q", end)
	}
	if s.After(e) {
		return subscriptions.DateRange{}, ErrInvalidRange
	}
	return subscriptions.DateRange{Start: start, End: end}, nil
}

type Repo struct {
	db *db.DB
}

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

// Upsert registers the user or refreshes their username.
func (r *Repo) Upsert(ctx context.Context, id int64, username, language string) error {
	if language == "" {
		language = "de"
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO users (user_id, username, language) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username`, id, username, language)
	return err
}

func (r *Repo) Get(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.db.QueryRow(ctx, `
SELECT user_id, COALESCE(username, ''), language, start_date, end_date, subscribed_at
FROM users WHERE user_id=$1`, id).Scan(&u.ID, &u.Username, &u.Language, &u.StartDate, &u.EndDate, &u.SubscribedAt)
	if err != nil {
		return User{}, db.WrapNotFound(err)
	}
	return u, nil
}

// SetDateRange stores a custom range; a nil range resets to the default.
func (r *Repo) SetDateRange(ctx context.Context, id int64, dr *subscriptions.DateRange) error {
	var start, end *string
	if dr != nil {
		start, end = &dr.Start, &dr.End
	}
	n, err := r.db.Exec(ctx, `UPDATE users SET start_date=$2, end_date=$3 WHERE user_id=$1`, id, start, end)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// DateRanges returns the effective range of every given user. Users without
// a row get the default range.
func (r *Repo) DateRanges(ctx context.Context, ids []int64, now time.Time) (map[int64]subscriptions.DateRange, error) {
	out := make(map[int64]subscriptions.DateRange, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, `SELECT user_id, start_date, end_date FROM users WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.StartDate, &u.EndDate); err != nil {
			return nil, err
		}
		out[u.ID] = u.DateRange(now)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	def := DefaultRange(now)
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = def
		}
	}
	return out, nil
}

func (r *Repo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
