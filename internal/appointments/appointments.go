package appointments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/termin-watch/internal/db"
)

// Log is one recorded availability discovery. Rows are never updated.
type Log struct {
	ID        int64
	FoundAt   time.Time
	ServiceID int
	OfficeID  int
	Data      json.RawMessage
}

type Repo struct {
	db *db.DB
}

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) Append(ctx context.Context, serviceID, officeID int, foundAt time.Time, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO appointment_logs (found_at, service_id, office_id, data) VALUES ($1, $2, $3, $4)`,
		foundAt, serviceID, officeID, []byte(data))
	return err
}

// Recent returns the latest rows, newest first.
func (r *Repo) Recent(ctx context.Context, limit int) ([]Log, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.Query(ctx, `
SELECT id, found_at, service_id, office_id, data
FROM appointment_logs ORDER BY found_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Log
	for rows.Next() {
		var l Log
		var data []byte
		if err := rows.Scan(&l.ID, &l.FoundAt, &l.ServiceID, &l.OfficeID, &data); err != nil {
			return nil, err
		}
		l.Data = data
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountForUser counts discoveries on the services the user is subscribed to.
func (r *Repo) CountForUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
SELECT COUNT(*) FROM appointment_logs l
JOIN service_subscriptions s ON s.service_id = l.service_id AND s.office_id = l.office_id
WHERE s.user_id = $1 AND l.found_at >= s.subscribed_at`, userID).Scan(&n)
	return n, err
}
