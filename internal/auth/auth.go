package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/termin-watch/internal/db"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

const (
	cookieName = "terminwatch_session"
	sessionTTL = 14 * 24 * time.Hour
)

// Store manages operator accounts and their signed cookie sessions.
type Store struct {
	sc *securecookie.SecureCookie
	db *db.DB
}

type ctxKey string

const operatorIDKey ctxKey = "operatorID"

func NewStore(d *db.DB, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, db: d}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (s *Store) CreateOperator(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 8 {
		return 0, errors.New("auth: username required and password must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx, `
INSERT INTO operators (username, password_bcrypt) VALUES ($1, $2)
ON CONFLICT (username) DO UPDATE SET password_bcrypt = EXCLUDED.password_bcrypt
RETURNING id`, username, hash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("auth: create operator: %w", err)
	}
	return id, nil
}

// Authenticate returns ErrInvalidCredentials for an unknown user and a wrong
// password alike.
func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	var id int64
	var hash string
	err := s.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM operators WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		if db.IsNotFound(err) {
			return 0, ErrInvalidCredentials
		}
		return 0, db.WrapNotFound(err)
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

type Session struct {
	OperatorID int64 `json:"oid"`
	IssuedAt   int64 `json:"iat"`
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, operatorID int64) error {
	encoded, err := s.sc.Encode(cookieName, Session{OperatorID: operatorID, IssuedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil {
		return Session{}, false
	}
	if sess.OperatorID <= 0 {
		return Session{}, false
	}
	return sess, true
}

func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), operatorIDKey, sess.OperatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func OperatorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
