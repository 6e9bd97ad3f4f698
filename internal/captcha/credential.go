package captcha

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is subtracted from a token's own exp claim.
const expiryMargin = 20 * time.Second

// Credential is a captcha token with its local validity window.
type Credential struct {
	Token      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the token may still be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// TokenSource produces fresh tokens.
type TokenSource interface {
	FreshToken(ctx context.Context) (string, error)
}

// Keeper holds the single shared credential. It is refreshed by the poller
// and read concurrently by booking flows and notifications.
type Keeper struct {
	Source   TokenSource
	Lifetime time.Duration
	Now      func() time.Time
	Log      zerolog.Logger

	mu    sync.RWMutex
	cur   Credential
	group singleflight.Group
}

func (k *Keeper) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// Current returns the held credential, which may be expired or empty.
func (k *Keeper) Current() Credential {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cur
}

// Ensure refreshes the credential when it is absent or expired and returns
// the credential to use. refreshed is true when a new token was obtained.
// On failure the previous credential is left in place. The lock is not held
// while a token is fetched; concurrent callers share one refresh.
func (k *Keeper) Ensure(ctx context.Context) (cred Credential, refreshed bool, err error) {
	if cur := k.Current(); cur.Valid(k.now()) {
		return cur, false, nil
	}

	v, err, _ := k.group.Do("refresh", func() (any, error) {
		if cur := k.Current(); cur.Valid(k.now()) {
			return refresh{cred: cur}, nil
		}
		token, err := k.Source.FreshToken(ctx)
		if err != nil {
			return nil, err
		}
		obtained := k.now()
		fresh := Credential{
			Token:      token,
			ObtainedAt: obtained,
			ExpiresAt:  expiresAt(token, obtained, k.Lifetime),
		}
		k.mu.Lock()
		k.cur = fresh
		k.mu.Unlock()
		k.Log.Info().Time("expires_at", fresh.ExpiresAt).Msg("captcha credential refreshed")
		return refresh{cred: fresh, refreshed: true}, nil
	})
	if err != nil {
		return k.Current(), false, err
	}
	r := v.(refresh)
	return r.cred, r.refreshed, nil
}

type refresh struct {
	cred      Credential
	refreshed bool
}

// expiresAt is obtained+lifetime, or earlier if the token is a JWT whose
// exp claim says so. The signature is not checked; only the server can.
func expiresAt(token string, obtained time.Time, lifetime time.Duration) time.Time {
	exp := obtained.Add(lifetime)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return exp
	}
	if te, err := claims.GetExpirationTime(); err == nil && te != nil {
		if claimed := te.Add(-expiryMargin); claimed.Before(exp) {
			return claimed
		}
	}
	return exp
}
