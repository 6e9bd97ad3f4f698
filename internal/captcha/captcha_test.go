package captcha

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/termin-watch/internal/munich"
	"github.com/example/termin-watch/internal/testfixtures"
	"github.com/golang-jwt/jwt/v5"
)

func digest(salt string, n int64) string {
	sum := sha256.Sum256([]byte(salt + strconv.FormatInt(n, 10)))
	return hex.EncodeToString(sum[:])
}

func TestSolve(t *testing.T) {
	tests := []struct {
		name    string
		number  int64
		max     int64
		workers int
	}{
		{"first chunk single worker", 4242, 100_000, 1},
		{"later chunk parallel", 173_901, 200_000, 4},
		{"zero", 0, 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := munich.Challenge{
				Algorithm: "SHA-256",
				Challenge: digest("s4lt?expires=1", tt.number),
				MaxNumber: tt.max,
				Salt:      "s4lt?expires=1",
				Signature: "sig",
			}
			sol, err := Solve(context.Background(), ch, tt.workers)
			if err != nil {
				t.Fatalf("Solve: %v", err)
			}
			if sol.Number != tt.number {
				t.Fatalf("Number = %d, want %d", sol.Number, tt.number)
			}
			if sol.Signature != "sig" || sol.Salt != ch.Salt || sol.Challenge != ch.Challenge {
				t.Fatalf("solution does not echo challenge: %+v", sol)
			}
		})
	}
}

func TestSolveUnsolvable(t *testing.T) {
	tests := []struct {
		name string
		ch   munich.Challenge
	}{
		{"beyond maxnumber", munich.Challenge{Challenge: digest("x", 500), MaxNumber: 500, Salt: "x"}},
		{"uppercase digest", munich.Challenge{Challenge: strings.ToUpper(digest("x", 5)), MaxNumber: 10, Salt: "x"}},
		{"not hex", munich.Challenge{Challenge: "zz", MaxNumber: 10, Salt: "x"}},
		{"zero maxnumber", munich.Challenge{Challenge: digest("x", 0), MaxNumber: 0, Salt: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Solve(context.Background(), tt.ch, 2); !errors.Is(err, ErrUnsolvable) {
				t.Fatalf("err = %v, want ErrUnsolvable", err)
			}
		})
	}
}

func TestSolveUnsupportedAlgorithm(t *testing.T) {
	ch := munich.Challenge{Algorithm: "SHA-512", Challenge: digest("x", 1), MaxNumber: 10, Salt: "x"}
	if _, err := Solve(context.Background(), ch, 1); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v", err)
	}
}

func TestSolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := munich.Challenge{Challenge: digest("x", 9_000_000), MaxNumber: 10_000_000, Salt: "x"}
	if _, err := Solve(ctx, ch, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestFreshTokenEndToEnd(t *testing.T) {
	const salt = "abc123"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/captcha-challenge/":
			_ = json.NewEncoder(w).Encode(munich.Challenge{
				Algorithm: "SHA-256", Challenge: digest(salt, 31337), MaxNumber: 50_000, Salt: salt, Signature: "sig",
			})
		case "/captcha-verify/":
			var body struct {
				Payload string `json:"payload"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			raw, err := base64.StdEncoding.DecodeString(body.Payload)
			if err != nil {
				t.Errorf("payload not base64: %v", err)
			}
			var sol Solution
			_ = json.Unmarshal(raw, &sol)
			valid := sol.Number == 31337 && sol.Signature == "sig"
			_, _ = io.WriteString(w, `{"meta":{"success":true},"data":{"valid":`+strconv.FormatBool(valid)+`},"token":"tok-1"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := &Solver{API: munich.New(munich.WithBaseURL(srv.URL)), Workers: 2}
	token, err := s.FreshToken(context.Background())
	if err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %q", token)
	}
}

type stubAPI struct {
	ch    munich.Challenge
	chErr error
	vr    munich.VerifyResponse
}

func (s stubAPI) CaptchaChallenge(context.Context) (munich.Challenge, error) { return s.ch, s.chErr }
func (s stubAPI) CaptchaVerify(context.Context, string) (munich.VerifyResponse, error) {
	return s.vr, nil
}

func TestFreshTokenFailures(t *testing.T) {
	ch := munich.Challenge{Challenge: digest("x", 3), MaxNumber: 10, Salt: "x"}
	rejected := munich.VerifyResponse{Token: "t"}
	rejected.Meta.Success = true

	tests := []struct {
		name string
		api  stubAPI
		want error
	}{
		{"challenge fails", stubAPI{chErr: munich.ErrTransport}, munich.ErrTransport},
		{"unsolvable", stubAPI{ch: munich.Challenge{Challenge: digest("x", 99), MaxNumber: 10, Salt: "x"}}, ErrUnsolvable},
		{"invalid verdict", stubAPI{ch: ch, vr: rejected}, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Solver{API: tt.api, Workers: 1}
			token, err := s.FreshToken(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if token != "" {
				t.Fatalf("token = %q, want empty", token)
			}
		})
	}
}

type countingSource struct {
	calls  int
	tokens []string
	err    error
}

func (c *countingSource) FreshToken(context.Context) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.tokens[(c.calls-1)%len(c.tokens)], nil
}

func TestKeeperRefreshesAtLifetime(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	src := &countingSource{tokens: []string{"a", "b"}}
	k := &Keeper{Source: src, Lifetime: 280 * time.Second, Now: clock.Now}

	cred, refreshed, err := k.Ensure(context.Background())
	if err != nil || !refreshed || cred.Token != "a" {
		t.Fatalf("first Ensure = %+v %v %v", cred, refreshed, err)
	}
	if want := clock.Now().Add(280 * time.Second); !cred.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", cred.ExpiresAt, want)
	}

	clock.Advance(279 * time.Second)
	if _, refreshed, _ := k.Ensure(context.Background()); refreshed {
		t.Fatal("refreshed before expiry")
	}

	clock.Advance(time.Second)
	cred, refreshed, err = k.Ensure(context.Background())
	if err != nil || !refreshed || cred.Token != "b" {
		t.Fatalf("Ensure at expiry = %+v %v %v", cred, refreshed, err)
	}
	if src.calls != 2 {
		t.Fatalf("calls = %d, want 2", src.calls)
	}
}

func TestKeeperFailureKeepsStaleCredential(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	src := &countingSource{err: errors.New("down")}
	k := &Keeper{Source: src, Lifetime: time.Minute, Now: clock.Now}

	if _, _, err := k.Ensure(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if k.Current().Valid(clock.Now()) {
		t.Fatal("credential valid after failed refresh")
	}
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingSource) FreshToken(ctx context.Context) (string, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	select {
	case <-b.release:
		return "slow", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestKeeperReadableDuringRefresh(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	k := &Keeper{Source: src, Lifetime: time.Minute}

	results := make(chan Credential, 2)
	for i := 0; i < 2; i++ {
		go func() {
			cred, _, err := k.Ensure(context.Background())
			if err != nil {
				t.Errorf("Ensure: %v", err)
			}
			results <- cred
		}()
	}
	<-src.entered

	done := make(chan Credential)
	go func() { done <- k.Current() }()
	select {
	case cred := <-done:
		if cred.Token != "" {
			t.Fatalf("Current during refresh = %+v, want empty", cred)
		}
	case <-time.After(time.Second):
		t.Fatal("Current blocked while a refresh was in flight")
	}

	close(src.release)
	for i := 0; i < 2; i++ {
		if cred := <-results; cred.Token != "slow" {
			t.Fatalf("Ensure token = %q", cred.Token)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("FreshToken calls = %d, want 1", n)
	}
	if k.Current().Token != "slow" {
		t.Fatalf("Current after refresh = %+v", k.Current())
	}
}

func TestExpiresAtHonoursJWTClaim(t *testing.T) {
	now := testfixtures.ReferenceTime()
	short, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(60 * time.Second).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	long, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := expiresAt(short, now, 280*time.Second), now.Add(40*time.Second); !got.Equal(want) {
		t.Errorf("short jwt = %v, want %v", got, want)
	}
	if got, want := expiresAt(long, now, 280*time.Second), now.Add(280*time.Second); !got.Equal(want) {
		t.Errorf("long jwt = %v, want %v", got, want)
	}
	if got, want := expiresAt("opaque", now, 280*time.Second), now.Add(280*time.Second); !got.Equal(want) {
		t.Errorf("opaque = %v, want %v", got, want)
	}
}
