package subscriptions

import (
	"context"
	"sort"
	"time"

	"github.com/example/termin-watch/internal/db"
)

// Subscription ties a user to one service at one office. A user holds at
// most one subscription per service.
type Subscription struct {
	UserID       int64
	ServiceID    int
	OfficeID     int
	SubscribedAt time.Time
}

// Key identifies a polled (service, office) pair.
type Key struct {
	ServiceID int
	OfficeID  int
}

// DateRange is an inclusive window of ISO dates.
type DateRange struct {
	Start string
	End   string
}

// Target is one remote query: a pair, a date range and the users waiting on it.
type Target struct {
	Key
	Range   DateRange
	UserIDs []int64
}

// GroupByServiceOffice groups users by the pair they watch. Each user id
// appears at most once per key, in first-seen order.
func GroupByServiceOffice(subs []Subscription) map[Key][]int64 {
	out := make(map[Key][]int64)
	seen := make(map[Key]map[int64]bool)
	for _, s := range subs {
		k := Key{ServiceID: s.ServiceID, OfficeID: s.OfficeID}
		if seen[k] == nil {
			seen[k] = make(map[int64]bool)
		}
		if seen[k][s.UserID] {
			continue
		}
		seen[k][s.UserID] = true
		out[k] = append(out[k], s.UserID)
	}
	return out
}

// GroupByDateRange partitions users by their effective date range.
func GroupByDateRange(userIDs []int64, rangeOf func(userID int64) DateRange) map[DateRange][]int64 {
	out := make(map[DateRange][]int64)
	for _, id := range userIDs {
		r := rangeOf(id)
		out[r] = append(out[r], id)
	}
	return out
}

// Targets expands subscriptions into the ordered list of remote queries one
// polling cycle has to run.
func Targets(subs []Subscription, rangeOf func(userID int64) DateRange) []Target {
	var out []Target
	for k, users := range GroupByServiceOffice(subs) {
		for r, ids := range GroupByDateRange(users, rangeOf) {
			out = append(out, Target{Key: k, Range: r, UserIDs: ids})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ServiceID != b.ServiceID {
			return a.ServiceID < b.ServiceID
		}
		if a.OfficeID != b.OfficeID {
			return a.OfficeID < b.OfficeID
		}
		if a.Range.Start != b.Range.Start {
			return a.Range.Start < b.Range.Start
		}
		return a.Range.End < b.Range.End
	})
	return out
}

type Repo struct {
	db *db.DB
}

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

// Add subscribes the user to a service, moving an existing subscription for
// the same service to officeID.
func (r *Repo) Add(ctx context.Context, userID int64, serviceID, officeID int) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO service_subscriptions (user_id, service_id, office_id)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, service_id) DO UPDATE SET office_id = EXCLUDED.office_id, subscribed_at = now()`,
		userID, serviceID, officeID)
	return err
}

// Remove deletes the user's subscription to serviceID and reports whether one existed.
func (r *Repo) Remove(ctx context.Context, userID int64, serviceID int) (bool, error) {
	n, err := r.db.Exec(ctx, `DELETE FROM service_subscriptions WHERE user_id=$1 AND service_id=$2`, userID, serviceID)
	return n > 0, err
}

func (r *Repo) RemoveAll(ctx context.Context, userID int64) (int64, error) {
	return r.db.Exec(ctx, `DELETE FROM service_subscriptions WHERE user_id=$1`, userID)
}

func (r *Repo) ListByUser(ctx context.Context, userID int64) ([]Subscription, error) {
	return r.list(ctx, `
SELECT user_id, service_id, office_id, subscribed_at
FROM service_subscriptions WHERE user_id=$1 ORDER BY subscribed_at`, userID)
}

// All returns every active subscription.
func (r *Repo) All(ctx context.Context) ([]Subscription, error) {
	return r.list(ctx, `
SELECT user_id, service_id, office_id, subscribed_at
FROM service_subscriptions ORDER BY service_id, office_id, user_id`)
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Subscription, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.UserID, &s.ServiceID, &s.OfficeID, &s.SubscribedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
